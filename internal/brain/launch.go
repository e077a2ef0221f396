package brain

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

const brewNode22 = "/opt/homebrew/opt/node@22/bin/node"

// gatewayArgs follow the entry script on the command line.
var gatewayArgs = []string{"gateway", "--force", "--allow-unconfigured", "--dev"}

// Provider keys proxied to the brain through its environment.
var providerKeys = []string{"DEEPSEEK_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"}

// ResolveEntry picks the brain entry script relative to coreDir: the bundled
// build, then the dev runner, then the TypeScript source.
func ResolveEntry(coreDir string) string {
	for _, rel := range []string{filepath.Join("dist", "entry.js"), filepath.Join("scripts", "run-node.mjs")} {
		if _, err := os.Stat(filepath.Join(coreDir, rel)); err == nil {
			return filepath.Join(coreDir, rel)
		}
	}
	return filepath.Join("src", "entry.ts")
}

// ResolveNode returns the node binary. An explicit path wins; on macOS a
// Homebrew node@22 is preferred over whatever "node" is on PATH.
func ResolveNode(configured string) string {
	if configured != "" && configured != "node" {
		return configured
	}
	if runtime.GOOS == "darwin" {
		if _, err := os.Stat(brewNode22); err == nil {
			return brewNode22
		}
	}
	return "node"
}

// SettingsReader is the part of the settings service the launcher needs.
type SettingsReader interface {
	Snapshot(ctx context.Context, keys ...string) map[string]string
	GetBool(ctx context.Context, key string) bool
}

type envSpec struct {
	StateDir        string
	WorkspaceDir    string
	ConfigPath      string
	Port            int
	Token           string
	ChannelsEnabled bool
	Keys            map[string]string
}

// buildEnv overlays the brain's variables on base. Secrets travel only here,
// never in argv. Every provider key is set, empty when unknown.
func buildEnv(base []string, spec envSpec, getenv func(string) string) []string {
	over := map[string]string{
		"OPENCLAW_STATE_DIR":          spec.StateDir,
		"OPENCLAW_WORKSPACE":          spec.WorkspaceDir,
		"OPENCLAW_CONFIG_PATH":        spec.ConfigPath,
		"OPENCLAW_GATEWAY_PORT":       strconv.Itoa(spec.Port),
		"OPENCLAW_GATEWAY_TOKEN":      spec.Token,
		"OPENCLAW_NO_RESPAWN":         "1",
		"OPENCLAW_NODE_OPTIONS_READY": "1",
	}
	if !spec.ChannelsEnabled {
		over["OPENCLAW_SKIP_CHANNELS"] = "1"
	}
	for _, k := range providerKeys {
		v := spec.Keys[k]
		if v == "" {
			v = getenv(k)
		}
		over[k] = v
	}

	out := make([]string, 0, len(base)+len(over))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, replaced := over[k]; replaced {
			continue
		}
		if k == "OPENCLAW_SKIP_CHANNELS" && spec.ChannelsEnabled {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(over))
	for k := range over {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+over[k])
	}
	return out
}
