// Package brain supervises the locally spawned agent gateway process: spawn,
// readiness detection from log output, stop, restart and signal-based reload.
package brain

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aibo-app/aibo-sub001/internal/audit"
	"github.com/aibo-app/aibo-sub001/internal/bus"
	aiboOtel "github.com/aibo-app/aibo-sub001/internal/otel"
	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/skills"
)

// Defaults.
const (
	DefaultPort           = 18789
	DefaultToken          = "aibo"
	DefaultStartupTimeout = 120 * time.Second
	DefaultRestartPause   = 1500 * time.Millisecond
	DefaultStopGrace      = 5 * time.Second
	DefaultWatchDebounce  = time.Second
)

var (
	ErrStartupTimeout = errors.New("brain startup timed out")
	ErrCoreNotFound   = errors.New("brain core directory not found")
)

// ExitError reports a brain process that exited before it became ready.
type ExitError struct {
	Code   int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("brain exited before ready (signal %s)", e.Signal)
	}
	return fmt.Sprintf("brain exited before ready (code %d)", e.Code)
}

// ConfigGenerator writes the brain's config files before every start and reload.
type ConfigGenerator interface {
	Generate(ctx context.Context) error
	ConfigPath() string
}

type Options struct {
	CoreDir        string
	NodeBin        string
	StateDir       string
	WorkspaceDir   string
	Port           int
	Token          string
	StartupTimeout time.Duration
	ReapOnTimeout  bool
	InstallDeps    bool
	RestartPause   time.Duration
	StopGrace      time.Duration
	ReclaimGrace   time.Duration

	Generator   ConfigGenerator
	Settings    SettingsReader
	Reclaimer   PortReclaimer
	NewDetector func() ReadinessDetector

	// SkillsDirs are watched while the brain runs; a SKILL.md change
	// invokes OnSkillsChanged and then Reload.
	SkillsDirs      []string
	WatchDebounce   time.Duration
	OnSkillsChanged func(ctx context.Context)
	// OnReady runs after every successful start, e.g. to reconnect RPC.
	OnReady func()

	// Command overrides the executable and arguments. Tests only.
	Command []string

	Bus     *bus.Bus
	Metrics *aiboOtel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// process is one spawned brain instance.
type process struct {
	cmd     *exec.Cmd
	ready   chan struct{}
	done    chan struct{}
	state   *os.ProcessState
	waitErr error

	readyOnce sync.Once
	feedMu    sync.Mutex
	detector  ReadinessDetector
}

func (p *process) markReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one brain process.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	getenv func(string) string
	inUse  func(port int) bool

	startMu sync.Mutex

	mu          sync.Mutex
	proc        *process
	running     bool
	stopWatcher context.CancelFunc

	restarting atomic.Bool
}

func New(opts Options) *Supervisor {
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Token == "" {
		opts.Token = DefaultToken
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.RestartPause < 0 {
		opts.RestartPause = 0
	} else if opts.RestartPause == 0 {
		opts.RestartPause = DefaultRestartPause
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.ReclaimGrace <= 0 {
		opts.ReclaimGrace = time.Second
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = DefaultWatchDebounce
	}
	if opts.NewDetector == nil {
		opts.NewDetector = func() ReadinessDetector { return MarkerDetector{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Reclaimer == nil {
		opts.Reclaimer = SystemReclaimer{Logger: logger}
	}
	return &Supervisor{
		opts:   opts,
		logger: logger.With("component", "brain"),
		getenv: os.Getenv,
		inUse:  portInUse,
	}
}

// Running reports whether a ready brain process is up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// PID returns the current brain pid, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil || s.proc.cmd.Process == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Start spawns the brain and blocks until it reports readiness, exits, or the
// startup timeout elapses. It is a no-op while a ready process exists.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, span := aiboOtel.StartSpan(ctx, s.opts.Tracer, "brain.start")
	defer span.End()

	err := s.start(ctx)
	if err != nil {
		span.RecordError(err)
		s.opts.Metrics.Inc(ctx, func(m *aiboOtel.Metrics) metric.Int64Counter { return m.BrainStartFailures })
		audit.Record(audit.OutcomeError, "brain.start", err.Error(), "")
	}
	return err
}

func (s *Supervisor) start(ctx context.Context) error {
	coreDir := s.opts.CoreDir
	if len(s.opts.Command) == 0 {
		if coreDir == "" {
			return ErrCoreNotFound
		}
		if _, err := os.Stat(coreDir); err != nil {
			return fmt.Errorf("%w: %s", ErrCoreNotFound, coreDir)
		}
	}

	if err := s.clearPort(ctx); err != nil {
		return err
	}

	for _, dir := range []string{s.opts.StateDir, s.opts.WorkspaceDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	configPath := ""
	if s.opts.Generator != nil {
		if err := s.opts.Generator.Generate(ctx); err != nil {
			s.logger.Error("config generation failed, starting with existing config", "error", err)
		}
		configPath = s.opts.Generator.ConfigPath()
	}

	if s.opts.InstallDeps && coreDir != "" {
		s.installDeps(ctx, coreDir)
	}

	cmd := s.command(coreDir)
	cmd.Env = buildEnv(os.Environ(), s.envSpec(ctx, configPath), s.getenv)
	cmd.Stdin = os.Stdin
	configureCmd(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	s.publish(bus.TopicBrainStarting, nil)
	s.logger.Info("starting brain", "cmd", cmd.Path, "dir", cmd.Dir, "port", s.opts.Port)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn brain: %w", err)
	}

	p := &process{
		cmd:      cmd,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		detector: s.opts.NewDetector(),
	}
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	go s.wait(p, stdout, stderr)

	timer := time.NewTimer(s.opts.StartupTimeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		s.onReady(p)
		return nil
	case <-p.done:
		s.clear(p)
		exitErr := &ExitError{Code: -1}
		if p.state != nil {
			exitErr.Code = p.state.ExitCode()
			exitErr.Signal = exitSignal(p.state)
		}
		s.logger.Error("brain exited before ready", "code", exitErr.Code, "signal", exitErr.Signal)
		return exitErr
	case <-timer.C:
		s.logger.Error(fmt.Sprintf("Brain startup timed out (%ds). Please check if another process is on %d.",
			int(s.opts.StartupTimeout/time.Second), s.opts.Port))
		s.abandon(p)
		return fmt.Errorf("%w after %s", ErrStartupTimeout, s.opts.StartupTimeout)
	case <-ctx.Done():
		s.abandon(p)
		return ctx.Err()
	}
}

// abandon gives up on a process that never became ready.
func (s *Supervisor) abandon(p *process) {
	s.clear(p)
	if !s.opts.ReapOnTimeout {
		s.logger.Warn("leaving unready brain process running", "pid", p.cmd.Process.Pid)
		return
	}
	s.kill(p)
}

func (s *Supervisor) command(coreDir string) *exec.Cmd {
	if len(s.opts.Command) > 0 {
		cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
		cmd.Dir = coreDir
		return cmd
	}
	args := append([]string{ResolveEntry(coreDir)}, gatewayArgs...)
	cmd := exec.Command(ResolveNode(s.opts.NodeBin), args...)
	cmd.Dir = coreDir
	return cmd
}

func (s *Supervisor) envSpec(ctx context.Context, configPath string) envSpec {
	spec := envSpec{
		StateDir:     s.opts.StateDir,
		WorkspaceDir: s.opts.WorkspaceDir,
		ConfigPath:   configPath,
		Port:         s.opts.Port,
		Token:        s.opts.Token,
	}
	if s.opts.Settings != nil {
		spec.Keys = s.opts.Settings.Snapshot(ctx, providerKeys...)
		spec.ChannelsEnabled = s.opts.Settings.GetBool(ctx, settings.KeyChannelsEnabled)
	}
	return spec
}

func (s *Supervisor) installDeps(ctx context.Context, coreDir string) {
	if _, err := os.Stat(filepath.Join(coreDir, "node_modules")); err == nil {
		return
	}
	s.logger.Info("installing brain dependencies", "dir", coreDir)
	cmd := exec.CommandContext(ctx, "pnpm", "install")
	cmd.Dir = coreDir
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Warn("pnpm install failed, continuing", "error", err, "output", tail(string(out), 512))
	}
}

// wait drains both pipes, then reaps the process. Wait must not run before
// the readers finish or buffered output is lost.
func (s *Supervisor) wait(p *process, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.scan(p, stdout, "stdout", &wg)
	go s.scan(p, stderr, "stderr", &wg)
	wg.Wait()

	p.waitErr = p.cmd.Wait()
	p.state = p.cmd.ProcessState
	close(p.done)

	s.mu.Lock()
	current := s.proc == p
	wasReady := current && s.running
	if current {
		s.proc = nil
		s.running = false
		if s.stopWatcher != nil {
			s.stopWatcher()
			s.stopWatcher = nil
		}
	}
	s.mu.Unlock()
	if !wasReady {
		return
	}

	exit := bus.BrainExit{PID: p.cmd.Process.Pid, WasReady: true}
	if p.state != nil {
		exit.Code = p.state.ExitCode()
		exit.Signal = exitSignal(p.state)
	}
	s.logger.Warn("brain exited", "pid", exit.PID, "code", exit.Code, "signal", exit.Signal)
	s.opts.Metrics.SetBrainRunning(context.Background(), -1)
	audit.Record(audit.OutcomeError, "brain.exit", fmt.Sprintf("code=%d signal=%s", exit.Code, exit.Signal), "")
	s.publish(bus.TopicBrainExited, exit)
}

func (s *Supervisor) scan(p *process, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("brain output", "stream", stream, "line", line)
		p.feedMu.Lock()
		ready := p.detector.Feed(line)
		p.feedMu.Unlock()
		if ready {
			p.markReady()
		}
	}
}

func (s *Supervisor) onReady(p *process) {
	ctx := context.Background()
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startWatcher()
	s.mu.Unlock()

	pid := p.cmd.Process.Pid
	s.logger.Info("brain ready", "pid", pid, "port", s.opts.Port)
	s.opts.Metrics.Inc(ctx, func(m *aiboOtel.Metrics) metric.Int64Counter { return m.BrainStarts })
	s.opts.Metrics.SetBrainRunning(ctx, 1)
	audit.Record(audit.OutcomeOK, "brain.start", "ready", fmt.Sprintf("pid=%d", pid))
	s.publish(bus.TopicBrainReady, pid)
	if s.opts.OnReady != nil {
		s.opts.OnReady()
	}
}

// startWatcher must be called with s.mu held.
func (s *Supervisor) startWatcher() {
	if len(s.opts.SkillsDirs) == 0 || s.stopWatcher != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := skills.NewWatcher(s.opts.SkillsDirs, s.opts.WatchDebounce, s.logger)
	if err := w.Start(ctx); err != nil {
		cancel()
		s.logger.Warn("skills watcher failed to start", "error", err)
		return
	}
	s.stopWatcher = cancel
	go func() {
		for path := range w.Events() {
			s.logger.Info("skill changed, reloading brain", "path", path)
			if s.opts.OnSkillsChanged != nil {
				s.opts.OnSkillsChanged(ctx)
			}
			if ctx.Err() != nil {
				return
			}
			if err := s.Reload(context.Background()); err != nil {
				s.logger.Error("reload after skill change failed", "error", err)
			}
		}
	}()
}

// clear detaches p if it is still the current process.
func (s *Supervisor) clear(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p {
		s.proc = nil
		s.running = false
	}
}

// Stop terminates the brain. Calling it with no process is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	wasRunning := s.running
	s.proc = nil
	s.running = false
	if s.stopWatcher != nil {
		s.stopWatcher()
		s.stopWatcher = nil
	}
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	s.logger.Info("stopping brain", "pid", p.cmd.Process.Pid)
	s.kill(p)
	if wasRunning {
		s.opts.Metrics.SetBrainRunning(ctx, -1)
	}
	s.publish(bus.TopicBrainStopped, p.cmd.Process.Pid)
	return nil
}

// kill sends SIGTERM to the process group and escalates after StopGrace.
func (s *Supervisor) kill(p *process) {
	if p.exited() {
		return
	}
	if err := terminate(p.cmd.Process); err != nil {
		s.logger.Debug("terminate failed", "error", err)
	}
	select {
	case <-p.done:
		return
	case <-time.After(s.opts.StopGrace):
	}
	s.logger.Warn("brain ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
	_ = forceKill(p.cmd.Process)
	<-p.done
}

// Restart stops and starts the brain. Concurrent calls while a restart is in
// flight return immediately.
func (s *Supervisor) Restart(ctx context.Context) error {
	if !s.restarting.CompareAndSwap(false, true) {
		s.logger.Debug("restart already in progress")
		return nil
	}
	defer s.restarting.Store(false)

	s.logger.Info("restarting brain")
	s.opts.Metrics.Inc(ctx, func(m *aiboOtel.Metrics) metric.Int64Counter { return m.BrainRestarts })
	_ = s.Stop(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.RestartPause):
	}

	if err := s.Start(ctx); err != nil {
		s.logger.Error("brain restart failed", "error", err)
		return err
	}
	return nil
}

// Reload regenerates config and signals the running brain to re-read it.
// Platforms without the signal, and a failed signal, fall back to Restart.
func (s *Supervisor) Reload(ctx context.Context) error {
	if !reloadSupported {
		return s.Restart(ctx)
	}
	s.mu.Lock()
	p := s.proc
	running := s.running
	s.mu.Unlock()
	if !running || p == nil {
		return s.Start(ctx)
	}

	if s.opts.Generator != nil {
		if err := s.opts.Generator.Generate(ctx); err != nil {
			s.logger.Error("config generation failed before reload", "error", err)
		}
	}
	if err := sendReload(p.cmd.Process); err != nil {
		s.logger.Warn("reload signal failed, restarting", "error", err)
		return s.Restart(ctx)
	}
	s.logger.Info("brain reloaded", "pid", p.cmd.Process.Pid)
	s.opts.Metrics.Inc(ctx, func(m *aiboOtel.Metrics) metric.Int64Counter { return m.BrainReloads })
	s.publish(bus.TopicBrainReloaded, p.cmd.Process.Pid)
	return nil
}

func (s *Supervisor) publish(topic string, payload any) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(topic, payload)
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
