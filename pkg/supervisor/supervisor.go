// Package supervisor runs the bridge as a child process and restarts it when
// it exits with a failure, such as after an upstream outage.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/yutampo/yutampo/pkg/log"
)

// EnvSupervised is set to "1" in the environment of supervised children.
const EnvSupervised = "YUTAMPO_SUPERVISED"

var (
	// ErrMaxRestarts is returned when the child kept failing.
	ErrMaxRestarts = errors.New("max restart attempts reached")
	// ErrFatalExit is returned when the child exited with a code that is
	// not in RestartCodes.
	ErrFatalExit = errors.New("child exited with a fatal code")
)

// Supervised returns true if this process runs under a Manager.
func Supervised() bool {
	return os.Getenv(EnvSupervised) == "1"
}

// Config controls how the child is run and restarted.
type Config struct {
	// Binary is the path to the executable.
	Binary string
	// Args are passed to the binary.
	Args []string
	// Env is added to the inherited environment.
	Env []string

	// RestartDelay is the wait between a failure and the restart.
	RestartDelay time.Duration
	// RestartCodes are the exit codes that trigger a restart. Any other
	// non-zero code stops supervision. Empty restarts on every failure.
	RestartCodes []int
	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int
	// StableThreshold is how long a child must run before its restart
	// counts are forgiven.
	StableThreshold time.Duration
	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// Manager supervises a single child.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	restarts int
	attempts int
	pid      int
}

// NewManager returns a Manager with defaults applied to zero values.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 10 * time.Minute
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Manager{cfg: cfg}
}

// RestartCount returns how many times the child was restarted.
func (m *Manager) RestartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

// PID returns the pid of the running child, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// Run starts the child and restarts it after every failed exit allowed by
// RestartCodes. It returns the exit code the supervisor should exit with
// once the child exited cleanly or fatally, ctx was cancelled or the restart
// attempts ran out.
func (m *Manager) Run(ctx context.Context) (int, error) {
	for {
		started := time.Now()
		code, err := m.runOnce(ctx)
		if err != nil {
			return 1, err
		}
		if ctx.Err() != nil {
			log.Ctx(ctx).InfoContext(ctx, "child stopped as requested", slog.Int("exitCode", code))
			return 0, nil
		}
		if code == 0 {
			log.Ctx(ctx).InfoContext(ctx, "child exited cleanly")
			return 0, nil
		}
		if !m.restartable(code) {
			log.Ctx(ctx).ErrorContext(ctx, "child exited with a fatal code, not restarting", slog.Int("exitCode", code))
			return code, fmt.Errorf("%w: %d", ErrFatalExit, code)
		}

		m.mu.Lock()
		if time.Since(started) >= m.cfg.StableThreshold {
			m.attempts = 0
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if m.cfg.MaxRestartAttempts > 0 && attempt > m.cfg.MaxRestartAttempts {
			log.Ctx(ctx).ErrorContext(ctx, "child keeps failing, giving up", slog.Int("exitCode", code), slog.Int("attempts", attempt-1))
			return code, fmt.Errorf("%w: last exit code %d", ErrMaxRestarts, code)
		}
		log.Ctx(ctx).WarnContext(
			ctx,
			"child exited, restarting",
			slog.Int("exitCode", code),
			slog.Int("attempt", attempt),
			slog.Duration("delay", m.cfg.RestartDelay),
		)

		select {
		case <-ctx.Done():
			return 0, nil
		case <-time.After(m.cfg.RestartDelay):
		}
		m.mu.Lock()
		m.restarts++
		m.mu.Unlock()
	}
}

func (m *Manager) restartable(code int) bool {
	if len(m.cfg.RestartCodes) == 0 {
		return true
	}
	for _, c := range m.cfg.RestartCodes {
		if c == code {
			return true
		}
	}
	return false
}

// runOnce starts the child and waits for it to exit, forwarding SIGTERM
// when ctx is cancelled. The error is only set if the child did not start.
func (m *Manager) runOnce(ctx context.Context) (int, error) {
	cmd := exec.Command(m.cfg.Binary, m.cfg.Args...)
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	cmd.Env = append(cmd.Env, EnvSupervised+"=1")
	cmd.Stdout = m.cfg.Stdout
	cmd.Stderr = m.cfg.Stderr
	// own process group so terminal signals only reach the supervisor
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", m.cfg.Binary, err)
	}
	pid := cmd.Process.Pid
	m.mu.Lock()
	m.pid = pid
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pid = 0
		m.mu.Unlock()
	}()
	log.Ctx(ctx).InfoContext(ctx, "started child", slog.Int("pid", pid))

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	select {
	case err := <-exitCh:
		return exitCode(err), nil
	case <-ctx.Done():
	}

	log.Ctx(ctx).InfoContext(ctx, "stopping child", slog.Int("pid", pid))
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Ctx(ctx).WarnContext(ctx, "failed to send SIGTERM", slog.Any("error", err))
	}
	select {
	case err := <-exitCh:
		return exitCode(err), nil
	case <-time.After(m.cfg.GracefulTimeout):
		log.Ctx(ctx).WarnContext(ctx, "graceful shutdown timeout, sending SIGKILL", slog.Duration("timeout", m.cfg.GracefulTimeout))
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Ctx(ctx).WarnContext(ctx, "failed to send SIGKILL", slog.Any("error", err))
	}
	return exitCode(<-exitCh), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	// killed by a signal
	return 1
}
