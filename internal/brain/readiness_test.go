package brain

import "testing"

func TestMarkerDetector(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"[gateway] listening on ws://127.0.0.1:18789", true},
		{"Gateway started in 812ms", true},
		{"HTTP server started", true},
		{"LISTENING ON WS://127.0.0.1:18789", true},
		{"gateway failed to start: listening on ws refused", false},
		{"port 18789 already in use; server started elsewhere", false},
		{"loading plugins", false},
		{"", false},
	}
	var d MarkerDetector
	for _, tc := range cases {
		if got := d.Feed(tc.line); got != tc.want {
			t.Errorf("Feed(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
