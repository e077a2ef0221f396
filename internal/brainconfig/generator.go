// Package brainconfig renders the brain's on-disk configuration from host
// state: the persona document (SOUL.md), openclaw.json, and the cron store.
// Build is pure; Generator gathers its inputs and writes the files.
package brainconfig

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"github.com/aibo-app/aibo-sub001/internal/channels"
	"github.com/aibo-app/aibo-sub001/internal/cron"
	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/skills"
)

//go:embed schema.json
var schemaJSON []byte

const (
	ConfigFile    = "openclaw.json"
	CronStoreFile = "cron-store.json"
	SoulFile      = "SOUL.md"

	// SectionTimeout bounds each optional context fetch.
	SectionTimeout = 3 * time.Second

	defaultOllamaHost  = "http://127.0.0.1:11434"
	defaultOllamaModel = "llama3"
)

// Section is an optional titled block appended to SOUL.md.
type Section struct {
	Title string
	Body  string
}

// ContextSource supplies one optional SOUL.md section. A failed or empty
// fetch omits the section.
type ContextSource interface {
	Title() string
	Fetch(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to ContextSource.
type SourceFunc struct {
	Name string
	Fn   func(ctx context.Context) (string, error)
}

func (s SourceFunc) Title() string                             { return s.Name }
func (s SourceFunc) Fetch(ctx context.Context) (string, error) { return s.Fn(ctx) }

// Input is everything the rendered files depend on.
type Input struct {
	Settings        map[string]string
	Commands        []skills.NodeCommand
	ExtraCommands   []string
	Skills          []skills.Status
	SkillsConfig    skills.Config
	Channels        channels.Config
	ChannelsEnabled bool
	CronJobs        []cron.Job
	Sections        []Section
}

// Options fixes the paths and endpoints the rendered config refers to.
type Options struct {
	StateDir     string
	WorkspaceDir string
	BackendURL   string
	GatewayPort  int
	GatewayToken string
}

// Files is the rendered output. CronStore is nil when there are no jobs.
type Files struct {
	Soul      string
	Config    []byte
	CronStore []byte
	Model     string
}

// Build renders the files for in. now stamps the cron store.
func Build(in Input, opts Options, now time.Time) (Files, error) {
	model := SelectModel(in.Settings)
	doc := map[string]any{
		"agents": map[string]any{
			"defaults": agentDefaults(in.Settings, opts.WorkspaceDir, model),
		},
		"models": map[string]any{
			"mode":      "merge",
			"providers": providers(in.Settings, opts.BackendURL),
		},
		"tools": map[string]any{"profile": "full"},
		"gateway": map[string]any{
			"port": opts.GatewayPort,
			"auth": map[string]any{"token": opts.GatewayToken},
			"nodes": map[string]any{
				"allowCommands": allowCommands(in.Commands, in.ExtraCommands),
			},
		},
		"commands": map[string]any{"restart": true},
	}

	if in.ChannelsEnabled {
		if ch := channelsSection(in.Channels); len(ch) > 0 {
			doc["channels"] = ch
		}
	}
	if sk := skillsSection(in.SkillsConfig); len(sk) > 0 {
		doc["skills"] = sk
	}

	var files Files
	if len(in.CronJobs) > 0 {
		store, err := cronStore(in.CronJobs, now)
		if err != nil {
			return Files{}, err
		}
		files.CronStore = store
		doc["cron"] = map[string]any{
			"enabled": true,
			"store":   filepath.Join(opts.StateDir, CronStoreFile),
		}
	}

	cfg, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Files{}, fmt.Errorf("encode config: %w", err)
	}
	files.Config = cfg
	files.Soul = renderSoul(in)
	files.Model = model
	return files, nil
}

// SelectModel picks the primary model from the settings snapshot.
func SelectModel(s map[string]string) string {
	if s[settings.KeyUseLocalBrain] == "true" {
		m := strings.TrimSpace(s[settings.KeyOllamaModel])
		if m == "" {
			m = defaultOllamaModel
		}
		return "ollama/" + m
	}
	if m := strings.TrimSpace(s[settings.KeyDefaultModel]); m != "" {
		return m
	}
	if s[settings.KeyAnthropic] != "" {
		return "anthropic/claude-3-5-sonnet-latest"
	}
	if s[settings.KeyOpenAI] != "" {
		return "openai/gpt-4o"
	}
	return "deepseek/deepseek-chat"
}

func agentDefaults(s map[string]string, workspace, model string) map[string]any {
	out := map[string]any{
		"workspace": workspace,
		"model":     map[string]any{"primary": model},
	}
	if t, err := strconv.ParseFloat(strings.TrimSpace(s[settings.KeyTemperature]), 64); err == nil {
		out["params"] = map[string]any{"temperature": t}
	}
	return out
}

func modelEntry(id, name string, reasoning bool, contextWindow int) map[string]any {
	return map[string]any{
		"id":            id,
		"name":          name,
		"reasoning":     reasoning,
		"input":         []string{"text"},
		"cost":          map[string]int{"input": 0, "output": 0, "cacheRead": 0, "cacheWrite": 0},
		"contextWindow": contextWindow,
		"maxTokens":     8192,
	}
}

// providers always routes deepseek through the backend proxy so no provider
// key has to live on the desktop.
func providers(s map[string]string, backendURL string) map[string]any {
	out := map[string]any{
		"deepseek": map[string]any{
			"baseUrl": strings.TrimRight(backendURL, "/") + "/v1",
			"apiKey":  "proxy",
			"api":     "openai-completions",
			"models": []any{
				modelEntry("deepseek-chat", "DeepSeek V3", false, 64000),
				modelEntry("deepseek-reasoner", "DeepSeek R1", true, 64000),
			},
		},
	}
	if s[settings.KeyUseLocalBrain] == "true" {
		host := strings.TrimRight(strings.TrimSpace(s[settings.KeyOllamaHost]), "/")
		if host == "" {
			host = defaultOllamaHost
		}
		m := strings.TrimSpace(s[settings.KeyOllamaModel])
		if m == "" {
			m = defaultOllamaModel
		}
		out["ollama"] = map[string]any{
			"baseUrl": host + "/v1",
			"apiKey":  "ollama",
			"api":     "openai-completions",
			"models":  []any{modelEntry(m, m, false, 32768)},
		}
	}
	return out
}

func allowCommands(cmds []skills.NodeCommand, extra []string) []string {
	seen := make(map[string]struct{}, len(cmds)+len(extra))
	out := make([]string, 0, len(cmds)+len(extra))
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, c := range cmds {
		add(c.Name)
	}
	for _, n := range extra {
		add(n)
	}
	sort.Strings(out)
	return out
}

func channelsSection(cfg channels.Config) map[string]any {
	out := map[string]any{}
	byChannel := map[string]map[string]any{}
	for _, ref := range cfg.EnabledAccounts() {
		policy := ref.Account.DMPolicy
		if policy == "" {
			policy = channels.PolicyPairing
		}
		var acct map[string]any
		switch ref.Channel {
		case channels.Telegram:
			acct = map[string]any{"botToken": ref.Account.Token, "dmPolicy": policy, "enabled": true}
			if len(ref.Account.AllowFrom) > 0 {
				acct["allowFrom"] = ref.Account.AllowFrom
			}
		case channels.Discord:
			acct = map[string]any{
				"token":   ref.Account.Token,
				"dm":      map[string]any{"enabled": true, "policy": policy},
				"enabled": true,
			}
		case channels.WhatsApp:
			acct = map[string]any{"dmPolicy": policy, "enabled": true}
			if ref.Account.Token != "" {
				acct["token"] = ref.Account.Token
			}
		default:
			continue
		}
		if byChannel[ref.Channel] == nil {
			byChannel[ref.Channel] = map[string]any{}
		}
		byChannel[ref.Channel][ref.Name] = acct
	}
	for ch, accounts := range byChannel {
		out[ch] = map[string]any{"enabled": true, "accounts": accounts}
	}
	return out
}

func skillsSection(cfg skills.Config) map[string]any {
	out := map[string]any{}
	if len(cfg.AllowBundled) > 0 {
		out["allowBundled"] = cfg.AllowBundled
	}
	if len(cfg.Entries) > 0 {
		entries := make(map[string]any, len(cfg.Entries))
		for id, e := range cfg.Entries {
			entry := map[string]any{}
			if e.Enabled != nil {
				entry["enabled"] = *e.Enabled
			}
			if len(e.Env) > 0 {
				entry["env"] = e.Env
			}
			entries[id] = entry
		}
		out["entries"] = entries
	}
	return out
}

func cronStore(jobs []cron.Job, now time.Time) ([]byte, error) {
	nowMs := now.UnixMilli()
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		payload := map[string]any{
			"kind":    "agentTurn",
			"message": j.Message(),
			"deliver": j.DeliverTo != nil,
		}
		if j.DeliverTo != nil {
			payload["channel"] = j.DeliverTo.Channel
			payload["to"] = j.DeliverTo.Recipient
		}
		state := map[string]any{}
		if next, err := cron.NextRunTime(j.Schedule, now); err == nil && j.Enabled {
			state["nextRunAtMs"] = next.UnixMilli()
		}
		created := nowMs
		if !j.CreatedAt.IsZero() {
			created = j.CreatedAt.UnixMilli()
		}
		out = append(out, map[string]any{
			"id":            j.ID,
			"name":          j.Name,
			"enabled":       j.Enabled,
			"createdAtMs":   created,
			"updatedAtMs":   nowMs,
			"schedule":      map[string]any{"kind": "cron", "expr": j.Schedule},
			"sessionTarget": "isolated",
			"wakeMode":      "now",
			"payload":       payload,
			"state":         state,
		})
	}
	b, err := json.MarshalIndent(map[string]any{"version": 1, "jobs": out}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode cron store: %w", err)
	}
	return b, nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("openclaw.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("openclaw.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// Validate checks a rendered openclaw.json against the embedded schema.
func Validate(config []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(config))
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return schema.Validate(doc)
}

// SettingsSource is the subset of settings.Service the generator reads.
type SettingsSource interface {
	Snapshot(ctx context.Context, keys ...string) map[string]string
	GetBool(ctx context.Context, key string) bool
	GetJSON(ctx context.Context, key string, dst any) error
}

// SkillSource is the subset of skills.Registry the generator reads.
type SkillSource interface {
	NodeCommands(ctx context.Context) ([]skills.NodeCommand, error)
	Statuses(ctx context.Context) ([]skills.Status, error)
	Config(ctx context.Context) skills.Config
}

// GeneratorConfig wires a Generator.
type GeneratorConfig struct {
	Options
	Settings SettingsSource
	Skills   SkillSource
	// Commands lists handler names registered on the RPC client; they are
	// allowed alongside skill-documented commands.
	Commands func() []string
	Sources  []ContextSource
	Logger   *slog.Logger
}

// Generator writes the brain's config files. It satisfies the supervisor's
// ConfigGenerator contract.
type Generator struct {
	cfg    GeneratorConfig
	logger *slog.Logger
	now    func() time.Time
	getenv func(string) string
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:    cfg,
		logger: logger.With("component", "brainconfig"),
		now:    time.Now,
		getenv: os.Getenv,
	}
}

// ConfigPath is the openclaw.json location passed to the brain.
func (g *Generator) ConfigPath() string {
	return filepath.Join(g.cfg.StateDir, ConfigFile)
}

var snapshotKeys = []string{
	settings.KeyOpenAI, settings.KeyAnthropic, settings.KeyDeepSeek,
	settings.KeyUseLocalBrain, settings.KeyOllamaHost, settings.KeyOllamaModel,
	settings.KeyDefaultModel, settings.KeyTemperature, settings.KeySystemPrompt,
}

// Gather collects the input for Build. Missing optional inputs are logged
// and left empty.
func (g *Generator) Gather(ctx context.Context) Input {
	in := Input{Settings: map[string]string{}}
	if g.cfg.Settings != nil {
		in.Settings = g.cfg.Settings.Snapshot(ctx, snapshotKeys...)
		in.ChannelsEnabled = g.cfg.Settings.GetBool(ctx, settings.KeyChannelsEnabled)
		if err := g.cfg.Settings.GetJSON(ctx, settings.KeyChannelsConfig, &in.Channels); err != nil && !errors.Is(err, settings.ErrNotFound) {
			g.logger.Warn("channels config unreadable", "error", err)
		}
		if err := g.cfg.Settings.GetJSON(ctx, settings.KeyCronJobs, &in.CronJobs); err != nil && !errors.Is(err, settings.ErrNotFound) {
			g.logger.Warn("cron jobs unreadable", "error", err)
		}
	}
	for _, k := range []string{settings.KeyAnthropic, settings.KeyOpenAI} {
		if in.Settings[k] == "" {
			if v := g.getenv(k); v != "" {
				in.Settings[k] = v
			}
		}
	}

	if g.cfg.Skills != nil {
		cmds, err := g.cfg.Skills.NodeCommands(ctx)
		if err != nil {
			g.logger.Warn("skill commands unavailable", "error", err)
		}
		in.Commands = cmds
		statuses, err := g.cfg.Skills.Statuses(ctx)
		if err != nil {
			g.logger.Warn("skill statuses unavailable", "error", err)
		}
		in.Skills = statuses
		in.SkillsConfig = g.cfg.Skills.Config(ctx)
	}
	if g.cfg.Commands != nil {
		in.ExtraCommands = g.cfg.Commands()
	}
	in.Sections = g.fetchSections(ctx)
	return in
}

// fetchSections runs every source concurrently, each under SectionTimeout.
// Order of the returned sections follows the source order.
func (g *Generator) fetchSections(ctx context.Context) []Section {
	if len(g.cfg.Sources) == 0 {
		return nil
	}
	results := make([]Section, len(g.cfg.Sources))
	var eg errgroup.Group
	for i, src := range g.cfg.Sources {
		eg.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, SectionTimeout)
			defer cancel()
			body, err := src.Fetch(sctx)
			if err != nil {
				g.logger.Warn("context section skipped", "section", src.Title(), "error", err)
				return nil
			}
			results[i] = Section{Title: src.Title(), Body: body}
			return nil
		})
	}
	_ = eg.Wait()

	out := results[:0]
	for _, s := range results {
		if strings.TrimSpace(s.Body) != "" {
			out = append(out, s)
		}
	}
	return out
}

// Generate gathers inputs, renders, validates and writes SOUL.md,
// openclaw.json and (when jobs exist) the cron store. Schema violations are
// logged; the file is still written.
func (g *Generator) Generate(ctx context.Context) error {
	if err := os.MkdirAll(g.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(g.cfg.WorkspaceDir, "skills"), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	in := g.Gather(ctx)
	files, err := Build(in, g.cfg.Options, g.now())
	if err != nil {
		return err
	}
	if err := Validate(files.Config); err != nil {
		g.logger.Warn("generated config failed schema validation", "error", err)
	}

	if err := writeFileAtomic(filepath.Join(g.cfg.WorkspaceDir, SoulFile), []byte(files.Soul)); err != nil {
		return fmt.Errorf("write %s: %w", SoulFile, err)
	}
	if files.CronStore != nil {
		if err := writeFileAtomic(filepath.Join(g.cfg.StateDir, CronStoreFile), files.CronStore); err != nil {
			return fmt.Errorf("write %s: %w", CronStoreFile, err)
		}
	}
	if err := writeFileAtomic(g.ConfigPath(), files.Config); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFile, err)
	}
	g.logger.Info("brain config generated",
		"path", g.ConfigPath(),
		"model", files.Model,
		"commands", len(in.Commands)+len(in.ExtraCommands),
		"skills", len(in.Skills),
		"soul_chars", len(files.Soul),
	)
	return nil
}

// writeFileAtomic keeps the brain from reading a half-written file during a
// hot reload.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
