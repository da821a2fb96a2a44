package supervisor

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is the child run by the tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("YUTAMPO_HELPER")
	if mode == "" {
		return
	}
	switch mode {
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("YUTAMPO_HELPER_CODE"))
		os.Exit(code)
	case "flaky":
		// fail until the third run
		path := os.Getenv("YUTAMPO_HELPER_COUNTER")
		b, _ := os.ReadFile(path)
		n, _ := strconv.Atoi(string(b))
		n++
		_ = os.WriteFile(path, []byte(strconv.Itoa(n)), 0o600)
		if n < 3 {
			os.Exit(75)
		}
		os.Exit(0)
	case "supervised":
		if Supervised() {
			os.Exit(0)
		}
		os.Exit(9)
	case "sleep":
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM)
		select {
		case <-ch:
			os.Exit(0)
		case <-time.After(10 * time.Second):
			os.Exit(1)
		}
	}
	os.Exit(2)
}

func helperConfig(env ...string) Config {
	return Config{
		Binary:          os.Args[0],
		Args:            []string{"-test.run=^TestHelperProcess$"},
		Env:             env,
		RestartDelay:    10 * time.Millisecond,
		GracefulTimeout: 5 * time.Second,
		Stdout:          io.Discard,
		Stderr:          io.Discard,
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(Config{Binary: "/bin/true"})
	assert.Equal(t, 5*time.Second, m.cfg.RestartDelay)
	assert.Equal(t, 10*time.Minute, m.cfg.StableThreshold)
	assert.Equal(t, 10*time.Second, m.cfg.GracefulTimeout)
	assert.NotNil(t, m.cfg.Stdout)
}

func TestCleanExit(t *testing.T) {
	m := NewManager(helperConfig("YUTAMPO_HELPER=exit", "YUTAMPO_HELPER_CODE=0"))
	code, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 0, m.RestartCount())
}

func TestChildIsMarkedSupervised(t *testing.T) {
	m := NewManager(helperConfig("YUTAMPO_HELPER=supervised"))
	m.cfg.MaxRestartAttempts = 1
	code, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRestartUntilSuccess(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	m := NewManager(helperConfig("YUTAMPO_HELPER=flaky", "YUTAMPO_HELPER_COUNTER="+counter))
	code, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, m.RestartCount())

	b, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "3", string(b))
}

func TestMaxRestartAttempts(t *testing.T) {
	m := NewManager(helperConfig("YUTAMPO_HELPER=exit", "YUTAMPO_HELPER_CODE=3"))
	m.cfg.MaxRestartAttempts = 2
	code, err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrMaxRestarts)
	assert.Equal(t, 3, code)
	assert.Equal(t, 2, m.RestartCount())
}

func TestRestartCodes(t *testing.T) {
	t.Run("fatal code stops supervision", func(t *testing.T) {
		m := NewManager(helperConfig("YUTAMPO_HELPER=exit", "YUTAMPO_HELPER_CODE=1"))
		m.cfg.RestartCodes = []int{75}
		code, err := m.Run(context.Background())
		assert.ErrorIs(t, err, ErrFatalExit)
		assert.Equal(t, 1, code)
		assert.Equal(t, 0, m.RestartCount())
	})

	t.Run("listed code restarts", func(t *testing.T) {
		counter := filepath.Join(t.TempDir(), "runs")
		m := NewManager(helperConfig("YUTAMPO_HELPER=flaky", "YUTAMPO_HELPER_COUNTER="+counter))
		m.cfg.RestartCodes = []int{75}
		code, err := m.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, code)
		assert.Equal(t, 2, m.RestartCount())
	})
}

func TestStopForwardsSIGTERM(t *testing.T) {
	m := NewManager(helperConfig("YUTAMPO_HELPER=sleep"))
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := m.Run(ctx)
		done <- result{code, err}
	}()

	require.Eventually(t, func() bool { return m.PID() != 0 }, 5*time.Second, 10*time.Millisecond)
	// give the child time to install its signal handler
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, 0, res.code)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, 0, m.RestartCount())
}

func TestStartFailure(t *testing.T) {
	m := NewManager(Config{Binary: filepath.Join(t.TempDir(), "missing"), Stdout: io.Discard, Stderr: io.Discard})
	code, err := m.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, code)
}
