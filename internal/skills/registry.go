// Package skills discovers SKILL.md manifests, reports whether each enabled
// skill's requirements are met, and watches the workspace for changes.
package skills

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aibo-app/aibo-sub001/internal/settings"
)

// maxSkillMDSize is the maximum allowed size for a SKILL.md file (1 MiB).
const maxSkillMDSize = 1 << 20

// ConfigKey is the setting holding per-skill enablement and env values.
const ConfigKey = settings.KeySkillsConfig

const (
	SourceWorkspace = "workspace"
	SourceBundled   = "bundled"
)

// InstallOption is one way to satisfy a skill's binary requirements.
type InstallOption struct {
	ID      string   `json:"id,omitempty"`
	Kind    string   `json:"kind"`
	Formula string   `json:"formula,omitempty"`
	Tap     string   `json:"tap,omitempty"`
	Package string   `json:"package,omitempty"`
	Module  string   `json:"module,omitempty"`
	Label   string   `json:"label,omitempty"`
	Bins    []string `json:"bins,omitempty"`
}

type Skill struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Emoji          string          `json:"emoji,omitempty"`
	Category       string          `json:"category,omitempty"`
	Source         string          `json:"source"`
	Path           string          `json:"path"`
	NodeCommands   []string        `json:"nodeCommands,omitempty"`
	RequiredEnv    []string        `json:"requiredEnv,omitempty"`
	RequiredBins   []string        `json:"requiredBins,omitempty"`
	AnyBins        []string        `json:"anyBins,omitempty"`
	OS             []string        `json:"os,omitempty"`
	InstallOptions []InstallOption `json:"installOptions,omitempty"`
	Enabled        bool            `json:"enabled"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
}

// Status is an enabled skill's readiness as reported to the brain.
type Status struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Emoji          string          `json:"emoji,omitempty"`
	Ready          bool            `json:"ready"`
	MissingBins    []string        `json:"missingBins,omitempty"`
	MissingEnv     []string        `json:"missingEnv,omitempty"`
	InstallOptions []InstallOption `json:"installOptions,omitempty"`
}

// NodeCommand is a host command a skill documents with a **Tool:** marker.
type NodeCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SkillName   string `json:"skillName"`
}

// Entry is a per-skill override in the skills config setting.
type Entry struct {
	Enabled *bool             `json:"enabled,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Config is the JSON stored under ConfigKey.
type Config struct {
	AllowBundled []string         `json:"allowBundled,omitempty"`
	Entries      map[string]Entry `json:"entries,omitempty"`
}

// ConfigStore persists the skills config. settings.Service satisfies it.
type ConfigStore interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any) error
}

// Registry scans the workspace and bundled skill roots and caches the result
// until Invalidate is called.
type Registry struct {
	workspaceDir string
	bundledDir   string
	store        ConfigStore
	logger       *slog.Logger
	lookPath     func(string) (string, error)

	mu     sync.Mutex
	cached []Skill
}

// NewRegistry builds a registry. bundledDir may be empty.
func NewRegistry(workspaceDir, bundledDir string, store ConfigStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workspaceDir: workspaceDir,
		bundledDir:   bundledDir,
		store:        store,
		logger:       logger.With("component", "skills"),
		lookPath:     exec.LookPath,
	}
}

// WorkspaceDir is the directory user skills are read from.
func (r *Registry) WorkspaceDir() string { return r.workspaceDir }

// Invalidate drops the cached scan.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}

// All returns every discovered skill. Workspace skills shadow bundled ones with the same ID.
func (r *Registry) All(ctx context.Context) ([]Skill, error) {
	r.mu.Lock()
	if r.cached != nil {
		out := append([]Skill(nil), r.cached...)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()

	found := r.scanDir(r.workspaceDir, SourceWorkspace)
	if r.bundledDir != "" {
		seen := make(map[string]bool, len(found))
		for _, s := range found {
			seen[s.ID] = true
		}
		for _, s := range r.scanDir(r.bundledDir, SourceBundled) {
			if !seen[s.ID] {
				found = append(found, s)
			}
		}
	}

	cfg := r.config(ctx)
	for i := range found {
		s := &found[i]
		// Workspace skills default on, bundled skills default off.
		s.Enabled = s.Source == SourceWorkspace
		if e, ok := cfg.Entries[s.ID]; ok && e.Enabled != nil {
			s.Enabled = *e.Enabled
		}
	}

	r.mu.Lock()
	r.cached = found
	r.mu.Unlock()
	return append([]Skill(nil), found...), nil
}

// Get returns the skill with id, or nil.
func (r *Registry) Get(ctx context.Context, id string) (*Skill, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, nil
}

// Content returns the raw SKILL.md for a skill, or "" when unreadable.
func (r *Registry) Content(s Skill) string {
	b, err := os.ReadFile(filepath.Join(s.Path, "SKILL.md"))
	if err != nil {
		return ""
	}
	return string(b)
}

// Toggle records a skill's enabled state. The settings write drives the brain reload.
func (r *Registry) Toggle(ctx context.Context, id string, enabled bool) error {
	cfg := r.config(ctx)
	e := cfg.Entries[id]
	e.Enabled = &enabled
	cfg.Entries[id] = e
	if err := r.store.SetJSON(ctx, ConfigKey, cfg); err != nil {
		return fmt.Errorf("save skills config: %w", err)
	}
	r.Invalidate()
	return nil
}

// Env returns the configured env values for a skill.
func (r *Registry) Env(ctx context.Context, id string) map[string]string {
	cfg := r.config(ctx)
	out := make(map[string]string)
	for k, v := range cfg.Entries[id].Env {
		out[k] = v
	}
	return out
}

// SetEnv replaces a skill's env values. Empty values are dropped.
func (r *Registry) SetEnv(ctx context.Context, id string, env map[string]string) error {
	cfg := r.config(ctx)
	e := cfg.Entries[id]
	e.Env = make(map[string]string, len(env))
	for k, v := range env {
		if v != "" {
			e.Env[k] = v
		}
	}
	cfg.Entries[id] = e
	if err := r.store.SetJSON(ctx, ConfigKey, cfg); err != nil {
		return fmt.Errorf("save skills config: %w", err)
	}
	r.Invalidate()
	return nil
}

// Config returns the stored skills config with a non-nil Entries map.
func (r *Registry) Config(ctx context.Context) Config {
	return r.config(ctx)
}

func (r *Registry) config(ctx context.Context) Config {
	var cfg Config
	if r.store != nil {
		if err := r.store.GetJSON(ctx, ConfigKey, &cfg); err != nil && !errors.Is(err, settings.ErrNotFound) {
			r.logger.Warn("skills config unreadable, using defaults", "error", err)
			cfg = Config{}
		}
	}
	if cfg.Entries == nil {
		cfg.Entries = make(map[string]Entry)
	}
	return cfg
}

// Statuses reports readiness for every enabled skill.
func (r *Registry) Statuses(ctx context.Context) ([]Status, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	cfg := r.config(ctx)
	var out []Status
	for _, s := range all {
		if !s.Enabled || s.Status != "loaded" {
			continue
		}
		missingBins, missingEnv := r.checkRequirements(s, cfg.Entries[s.ID].Env)
		out = append(out, Status{
			ID:             s.ID,
			Name:           s.Name,
			Description:    s.Description,
			Emoji:          s.Emoji,
			Ready:          len(missingBins) == 0 && len(missingEnv) == 0,
			MissingBins:    missingBins,
			MissingEnv:     missingEnv,
			InstallOptions: s.InstallOptions,
		})
	}
	return out, nil
}

// NodeCommands returns the **Tool:** commands documented by enabled skills.
func (r *Registry) NodeCommands(ctx context.Context) ([]NodeCommand, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []NodeCommand
	for _, s := range all {
		if !s.Enabled || len(s.NodeCommands) == 0 {
			continue
		}
		desc := commandDescriptions(r.Content(s))
		for _, c := range s.NodeCommands {
			d := desc[c]
			if d == "" {
				d = c
			}
			out = append(out, NodeCommand{Name: c, Description: d, SkillName: s.Name})
		}
	}
	return out, nil
}

func (r *Registry) checkRequirements(s Skill, env map[string]string) (missingBins, missingEnv []string) {
	for _, b := range s.RequiredBins {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, err := r.lookPath(b); err != nil {
			missingBins = append(missingBins, b)
		}
	}
	if len(s.AnyBins) > 0 {
		foundAny := false
		for _, b := range s.AnyBins {
			if _, err := r.lookPath(strings.TrimSpace(b)); err == nil {
				foundAny = true
				break
			}
		}
		if !foundAny {
			missingBins = append(missingBins, s.AnyBins...)
		}
	}
	for _, k := range s.RequiredEnv {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if env[k] == "" && os.Getenv(k) == "" {
			missingEnv = append(missingEnv, k)
		}
	}
	if len(s.OS) > 0 {
		ok := false
		for _, v := range s.OS {
			if strings.TrimSpace(v) == runtime.GOOS {
				ok = true
				break
			}
		}
		if !ok {
			missingBins = append(missingBins, "os:"+runtime.GOOS)
		}
	}
	return missingBins, missingEnv
}

func (r *Registry) scanDir(dir, source string) []Skill {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []Skill
	for _, ent := range entries {
		name := ent.Name()
		if !ent.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		skillPath := filepath.Join(dir, name)
		mdPath := filepath.Join(skillPath, "SKILL.md")
		fi, err := os.Stat(mdPath)
		if err != nil {
			if source == SourceWorkspace {
				out = append(out, Skill{
					ID: name, Name: name, Description: "No SKILL.md found",
					Source: source, Path: skillPath, Status: "error", Error: "Missing SKILL.md file",
				})
			}
			continue
		}
		if fi.Size() > maxSkillMDSize {
			r.logger.Warn("SKILL.md too large, skipping", "path", mdPath, "size", fi.Size())
			continue
		}
		data, err := os.ReadFile(mdPath)
		if err == nil {
			var s Skill
			s, err = parseSkill(name, source, skillPath, data)
			if err == nil {
				out = append(out, s)
				continue
			}
		}
		r.logger.Warn("skill failed to load", "path", mdPath, "error", err)
		out = append(out, Skill{
			ID: name, Name: name, Description: "Error loading skill",
			Source: source, Path: skillPath, Status: "error", Error: err.Error(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type frontmatter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Emoji       string         `yaml:"emoji"`
	Category    string         `yaml:"category"`
	Metadata    map[string]any `yaml:"metadata"`
}

var (
	trailingComma = regexp.MustCompile(`,(\s*[\]}])`)
	toolMarker    = regexp.MustCompile("\\*\\*Tool:\\*\\*\\s*`([^`]+)`")
	headerLine    = regexp.MustCompile(`^###\s+(.+)`)
)

func parseSkill(id, source, dir string, data []byte) (Skill, error) {
	s := Skill{ID: id, Name: id, Source: source, Path: dir, Status: "loaded"}
	fmBytes, body := splitFrontmatter(data)

	var fm frontmatter
	if len(fmBytes) > 0 {
		if err := yaml.Unmarshal(fmBytes, &fm); err != nil {
			// SKILL.md metadata is often relaxed JSON with trailing commas.
			relaxed := trailingComma.ReplaceAll(fmBytes, []byte("$1"))
			if err2 := yaml.Unmarshal(relaxed, &fm); err2 != nil {
				return s, fmt.Errorf("parse frontmatter: %w", err)
			}
		}
	}
	if fm.Name != "" {
		s.Name = fm.Name
	}
	s.Description = fm.Description
	if s.Description == "" {
		s.Description = "No description provided"
	}
	s.Emoji = fm.Emoji
	s.Category = fm.Category

	oc := fm.Metadata
	for _, k := range []string{"openclaw", "clawdbot"} {
		if m, ok := asStringMap(fm.Metadata[k]); ok {
			oc = m
			break
		}
	}
	if oc != nil {
		s.RequiredBins = metaStringList(oc, "requires", "bins")
		s.AnyBins = metaStringList(oc, "requires", "anyBins")
		s.RequiredEnv = metaStringList(oc, "requires", "env")
		s.OS = metaStringList(oc, "os")
		if s.Emoji == "" {
			if v, ok := metaGet(oc, "emoji"); ok {
				s.Emoji, _ = v.(string)
			}
		}
		s.InstallOptions = parseInstallOptions(oc["install"])
	}

	for _, m := range toolMarker.FindAllSubmatch(body, -1) {
		s.NodeCommands = append(s.NodeCommands, string(m[1]))
	}
	return s, nil
}

func splitFrontmatter(data []byte) (fm, body []byte) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, data
	}
	rest := data[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, data
	}
	body = rest[end+4:]
	return rest[:end], body
}

// commandDescriptions maps each **Tool:** command to the nearest ### header above it.
func commandDescriptions(content string) map[string]string {
	out := make(map[string]string)
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		m := toolMarker.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		desc := m[1]
		for j := i - 1; j >= 0; j-- {
			if h := headerLine.FindStringSubmatch(lines[j]); h != nil {
				desc = strings.TrimSpace(h[1])
				break
			}
		}
		out[m[1]] = desc
	}
	return out
}

func parseInstallOptions(v any) []InstallOption {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []InstallOption
	for _, item := range items {
		m, ok := asStringMap(item)
		if !ok {
			continue
		}
		str := func(k string) string { s, _ := m[k].(string); return s }
		out = append(out, InstallOption{
			ID:      str("id"),
			Kind:    str("kind"),
			Formula: str("formula"),
			Tap:     str("tap"),
			Package: str("package"),
			Module:  str("module"),
			Label:   str("label"),
			Bins:    anyToStringSlice(m["bins"]),
		})
	}
	return out
}

func metaStringList(meta map[string]any, path ...string) []string {
	v, ok := metaGet(meta, path...)
	if !ok || v == nil {
		return nil
	}
	return anyToStringSlice(v)
}

func metaGet(meta map[string]any, path ...string) (any, bool) {
	if len(path) == 0 {
		return meta, true
	}
	var cur any = meta
	for _, key := range path {
		m, ok := asStringMap(cur)
		if !ok {
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func anyToStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		var out []string
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
