package brain

import "strings"

// ReadinessDetector decides from child output lines when the brain is up.
// The process exposes no structured readiness signal, only log text.
type ReadinessDetector interface {
	// Feed reports whether line marks readiness.
	Feed(line string) bool
}

// Readiness phrases and the words that disqualify a line carrying one.
var (
	readyMarkers  = []string{"listening on ws", "gateway started", "server started"}
	disqualifiers = []string{"failed", "already"}
)

// MarkerDetector matches a readiness phrase in a line that does not also
// report a failure ("failed to bind, already listening on ws..." is not ready).
type MarkerDetector struct{}

func (MarkerDetector) Feed(line string) bool {
	l := strings.ToLower(line)
	for _, bad := range disqualifiers {
		if strings.Contains(l, bad) {
			return false
		}
	}
	for _, m := range readyMarkers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}
