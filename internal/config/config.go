package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aibo-app/aibo-sub001/internal/otel"
)

const (
	DefaultBindAddr    = "127.0.0.1:3001"
	DefaultGatewayPort = 18789
	DefaultGatewayAuth = "aibo"
	DefaultBackendURL  = "http://localhost:4000"
)

// BrainConfig controls how the brain child process is located and spawned.
type BrainConfig struct {
	// CoreDir is the brain checkout. OPENCLAW_CORE_PATH wins when it exists.
	CoreDir string `yaml:"core_dir"`
	NodeBin string `yaml:"node_bin"`
	// StateDir defaults to <home>/openclaw.
	StateDir     string `yaml:"state_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`

	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`
	// ReapOnTimeout kills a brain that never signalled readiness.
	ReapOnTimeout *bool `yaml:"reap_on_timeout"`
	// InstallDeps runs `pnpm install` when node_modules is missing.
	InstallDeps bool `yaml:"install_deps"`
}

// GatewayConfig describes the brain's WebSocket control plane.
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// BackendConfig points at the aggregation backend.
type BackendConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	DBPath       string   `yaml:"db_path"`
	AllowOrigins []string `yaml:"allow_origins"`
	// APIToken, when set, is required on every host API request except /healthz.
	APIToken string `yaml:"api_token"`
	// ChatRateLimit caps POST /api/chat per client per minute. 0 uses 30.
	ChatRateLimit int `yaml:"chat_rate_limit"`

	// DrainTimeoutSeconds bounds HTTP shutdown. 0 uses 5s.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Brain   BrainConfig   `yaml:"brain"`
	Gateway GatewayConfig `yaml:"gateway"`
	Backend BackendConfig `yaml:"backend"`
	OTel    otel.Config   `yaml:"otel"`

	// FirstRun is set when config.yaml did not exist.
	FirstRun bool `yaml:"-"`
}

// StartupTimeout returns the readiness deadline for a brain start.
func (c Config) StartupTimeout() time.Duration {
	return time.Duration(c.Brain.StartupTimeoutSeconds) * time.Second
}

// ReapOnTimeout reports whether a brain that missed its readiness deadline is killed.
func (c Config) ReapOnTimeout() bool {
	if c.Brain.ReapOnTimeout == nil {
		return true
	}
	return *c.Brain.ReapOnTimeout
}

// BackendTimeout returns the default backend request timeout.
func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// SkillsDir is where SKILL.md manifests live.
func (c Config) SkillsDir() string {
	return filepath.Join(c.Brain.WorkspaceDir, "skills")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetCoreDir records the brain checkout location in config.yaml, preserving other settings.
func SetCoreDir(homeDir, dir string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	brain, _ := raw["brain"].(map[string]interface{})
	if brain == nil {
		brain = make(map[string]interface{})
	}
	brain["core_dir"] = dir
	raw["brain"] = brain
	return saveRawConfig(path, raw)
}

// WriteDefault writes a commented starter config.yaml when none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := `# Aibo host configuration.
bind_addr: "` + DefaultBindAddr + `"
log_level: info

brain:
  # Leave empty to use OPENCLAW_CORE_PATH or ./openclaw-core.
  core_dir: ""
  node_bin: node
  startup_timeout_seconds: 120
  reap_on_timeout: true

gateway:
  port: 18789

backend:
  url: "` + DefaultBackendURL + `"
  timeout_seconds: 8

otel:
  enabled: false
`
	return os.WriteFile(path, []byte(content), 0o644)
}

// Fingerprint returns a stable hash of the settings that shape the brain process.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|core=%s|state=%s|ws=%s|port=%d|backend=%s",
		c.BindAddr, c.Brain.CoreDir, c.Brain.StateDir, c.Brain.WorkspaceDir, c.Gateway.Port, c.Backend.URL)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            DefaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Brain: BrainConfig{
			NodeBin:               "node",
			StartupTimeoutSeconds: 120,
		},
		Gateway: GatewayConfig{
			Port:  DefaultGatewayPort,
			Token: DefaultGatewayAuth,
		},
		Backend: BackendConfig{
			URL:            DefaultBackendURL,
			TimeoutSeconds: 8,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AIBO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aibo")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create aibo home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "aibo.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.Brain.NodeBin) == "" {
		cfg.Brain.NodeBin = "node"
	}
	if cfg.Brain.StartupTimeoutSeconds <= 0 {
		cfg.Brain.StartupTimeoutSeconds = 120
	}
	if cfg.Brain.CoreDir == "" {
		cfg.Brain.CoreDir = defaultCoreDir()
	}
	if cfg.Brain.StateDir == "" {
		cfg.Brain.StateDir = filepath.Join(cfg.HomeDir, "openclaw")
	}
	if cfg.Brain.WorkspaceDir == "" {
		cfg.Brain.WorkspaceDir = filepath.Join(cfg.Brain.StateDir, "workspace")
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultGatewayPort
	}
	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = DefaultGatewayAuth
	}
	if cfg.Gateway.URL == "" {
		cfg.Gateway.URL = fmt.Sprintf("ws://127.0.0.1:%d", cfg.Gateway.Port)
	}
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = DefaultBackendURL
	}
	if cfg.Backend.TimeoutSeconds <= 0 {
		cfg.Backend.TimeoutSeconds = 8
	}
}

// defaultCoreDir prefers ./server/openclaw-core, then ./openclaw-core.
func defaultCoreDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	nested := filepath.Join(cwd, "server", "openclaw-core")
	if fi, err := os.Stat(nested); err == nil && fi.IsDir() {
		return nested
	}
	return filepath.Join(cwd, "openclaw-core")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AIBO_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AIBO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AIBO_API_TOKEN"); raw != "" {
		cfg.APIToken = raw
	}
	if raw := os.Getenv("AIBO_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("OPENCLAW_CORE_PATH"); raw != "" {
		if fi, err := os.Stat(raw); err == nil && fi.IsDir() {
			cfg.Brain.CoreDir = raw
		}
	}
	if raw := os.Getenv("AIBO_BRAIN_STARTUP_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Brain.StartupTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.Port = v
		}
	}
	for _, name := range []string{"BACKEND_TEAM_URL", "TEAM_BACKEND_URL"} {
		if raw := os.Getenv(name); raw != "" {
			cfg.Backend.URL = raw
			break
		}
	}
	for _, name := range []string{"BACKEND_TEAM_TOKEN", "TEAM_TOKEN"} {
		if raw := os.Getenv(name); raw != "" {
			cfg.Backend.Token = raw
			break
		}
	}
	if raw := os.Getenv("AIBO_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = raw
	}
}
