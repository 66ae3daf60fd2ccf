// Package tunnel runs an external process that exposes a local listener
// under a public URL, and reuses it across runs while it stays alive.
package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/focux/alchemy-sub001/profiler"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	DefaultBinary  = "cloudflared"
	DefaultPattern = `https://[-a-z0-9]+\.trycloudflare\.com`

	recordFile = "tunnel.yaml"
	logFile    = "tunnel.log"
)

var (
	ErrNoURL = fmt.Errorf("tunnel exited without reporting a url")
)

// ExitError is returned when the tunnel exits with a non-zero code before
// reporting its url.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("tunnel exited with code %d", e.Code)
	}
	return fmt.Sprintf("tunnel exited with code %d: %s", e.Code, e.Output)
}

type Config struct {
	Logger *zap.Logger
	// Dir holds the tunnel record and the tunnel's output.
	Dir string
	// Binary defaults to DefaultBinary, looked up in PATH.
	Binary string
	// Args builds the arguments for a local url. Defaults to
	// "tunnel --url <localURL>".
	Args func(localURL string) []string
	// Pattern matches the public url in the tunnel's output. Defaults to
	// DefaultPattern.
	Pattern *regexp.Regexp
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("nil logger is invalid")
	}
	if c.Dir == "" {
		return errors.New("empty directory is invalid")
	}
	return nil
}

type Manager struct {
	config  Config
	logger  *zap.Logger
	pattern *regexp.Regexp
	record  string
	output  string

	mu       sync.Mutex
	recordMu sync.Mutex
}

func New(conf Config) (*Manager, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.Binary == "" {
		conf.Binary = DefaultBinary
	}
	if conf.Args == nil {
		conf.Args = func(localURL string) []string {
			return []string{"tunnel", "--url", localURL}
		}
	}
	pattern := conf.Pattern
	if pattern == nil {
		pattern = regexp.MustCompile(DefaultPattern)
	}
	if err := os.MkdirAll(conf.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating tunnel directory")
	}
	return &Manager{
		config:  conf,
		logger:  conf.Logger.With(zap.String("binary", conf.Binary)),
		pattern: pattern,
		record:  filepath.Join(conf.Dir, recordFile),
		output:  filepath.Join(conf.Dir, logFile),
	}, nil
}

// EnsureTunnel returns the public url of a tunnel to localURL, reusing the
// recorded tunnel when its process is still alive. Calls are serialized.
func (m *Manager) EnsureTunnel(ctx context.Context, localURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := m.logger.With(zap.String("target", localURL))

	rec, err := m.load()
	if err != nil {
		logger.Warn("discarding unreadable tunnel record", zap.Error(err))
		m.forget(0)
	}
	if rec != nil {
		p, owned := m.owned(ctx, rec.PID)
		switch {
		case owned && rec.Target == localURL:
			logger.Info("reusing tunnel", zap.Int("pid", rec.PID), zap.String("url", rec.URL))
			profiler.TunnelEvents.WithLabelValues("reused").Inc()
			return rec.URL, nil
		case owned:
			logger.Info("stopping tunnel for another target", zap.Int("pid", rec.PID), zap.String("previous", rec.Target))
			if err := p.TerminateWithContext(ctx); err != nil {
				logger.Warn("terminating previous tunnel", zap.Error(err))
			}
			profiler.TunnelEvents.WithLabelValues("replaced").Inc()
		default:
			logger.Debug("tunnel record is stale", zap.Int("pid", rec.PID))
			profiler.TunnelEvents.WithLabelValues("stale").Inc()
		}
		m.forget(rec.PID)
	}

	return m.spawn(ctx, logger, localURL)
}

// Stop terminates the recorded tunnel, if it is still ours.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.load()
	if err != nil || rec == nil {
		m.forget(0)
		return err
	}
	if p, owned := m.owned(ctx, rec.PID); owned {
		if err := p.TerminateWithContext(ctx); err != nil {
			return errors.Wrap(err, "terminating tunnel")
		}
		m.logger.Info("tunnel stopped", zap.Int("pid", rec.PID))
	}
	m.forget(rec.PID)
	return nil
}

func (m *Manager) load() (*Record, error) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()
	return readRecord(m.record)
}

// forget removes the record if it still names pid. A zero pid removes it
// unconditionally.
func (m *Manager) forget(pid int) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()
	if pid != 0 {
		rec, err := readRecord(m.record)
		if err == nil && rec != nil && rec.PID != pid {
			return
		}
	}
	if err := removeRecord(m.record); err != nil {
		m.logger.Warn("removing tunnel record", zap.Error(err))
	}
}

func (m *Manager) persist(r Record) error {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()
	return writeRecord(m.record, r)
}

// owned reports whether pid is alive and is the tunnel binary.
func (m *Manager) owned(ctx context.Context, pid int) (*process.Process, bool) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return nil, false
	}
	want := filepath.Base(m.config.Binary)
	if name, err := p.NameWithContext(ctx); err == nil && name == want {
		return p, true
	}
	// interpreters report their own name; look for the binary in argv
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return nil, false
	}
	for i, arg := range args {
		if i > 1 {
			break
		}
		if filepath.Base(arg) == want {
			return p, true
		}
	}
	return nil, false
}

func (m *Manager) spawn(ctx context.Context, logger *zap.Logger, localURL string) (string, error) {
	out, err := os.Create(m.output)
	if err != nil {
		return "", errors.Wrap(err, "creating tunnel log")
	}

	cmd := exec.Command(m.config.Binary, m.config.Args(localURL)...)
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)
	if err := cmd.Start(); err != nil {
		out.Close()
		profiler.TunnelEvents.WithLabelValues("failed").Inc()
		return "", errors.Wrap(err, "starting tunnel")
	}
	out.Close()

	pid := cmd.Process.Pid
	logger = logger.With(zap.Int("pid", pid))
	logger.Info("tunnel started")

	exited := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		err := cmd.Wait()
		m.forget(pid)
		close(stopped)
		logger.Info("tunnel exited", zap.Error(err))
		exited <- err
	}()

	u, err := m.watch(ctx, exited)
	if err != nil {
		if ctx.Err() != nil {
			if kerr := kill(cmd.Process); kerr != nil {
				logger.Warn("killing tunnel", zap.Error(kerr))
			}
		}
		profiler.TunnelEvents.WithLabelValues("failed").Inc()
		return "", err
	}

	select {
	case <-stopped:
		logger.Warn("tunnel already exited, not recording it")
	default:
		if err := m.persist(Record{PID: pid, URL: u, Target: localURL}); err != nil {
			logger.Warn("persisting tunnel record", zap.Error(err))
		}
	}
	logger.Info("tunnel ready", zap.String("url", u))
	profiler.TunnelEvents.WithLabelValues("spawned").Inc()
	return u, nil
}

// watch scans the tunnel's output until the url pattern appears.
func (m *Manager) watch(ctx context.Context, exited <-chan error) (string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", errors.Wrap(err, "creating output watcher")
	}
	defer w.Close()
	if err := w.Add(m.output); err != nil {
		return "", errors.Wrap(err, "watching tunnel output")
	}

	f, err := os.Open(m.output)
	if err != nil {
		return "", errors.Wrap(err, "opening tunnel output")
	}
	defer f.Close()

	out := newOutput(ctx, f, m.pattern)
	if u, err := out.scan(); err != nil || u != "" {
		return u, err
	}
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case err := <-exited:
			u, _ := out.scan()
			if u != "" && err == nil {
				return u, nil
			}
			var ee *exec.ExitError
			if errors.As(err, &ee) && ee.ExitCode() != 0 {
				return "", &ExitError{Code: ee.ExitCode(), Output: out.last()}
			}
			if err != nil {
				return "", errors.Wrap(err, "waiting for tunnel")
			}
			return "", ErrNoURL

		case ev, ok := <-w.Events:
			if !ok {
				return "", errors.New("output watcher closed")
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
			if u, err := out.scan(); err != nil || u != "" {
				return u, err
			}

		case err, ok := <-w.Errors:
			if !ok {
				return "", errors.New("output watcher closed")
			}
			m.logger.Warn("watching tunnel output", zap.Error(err))
		}
	}
}
