package extract

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// defaultHandshakeTimeout bounds the wait for the two readiness lines.
// Model warmup dominates it; two minutes is generous even on cold
// caches.
const defaultHandshakeTimeout = 120 * time.Second

// SubprocessConfig describes how to launch one extractor process.
type SubprocessConfig struct {
	// Command is the argv of the extractor, e.g.
	// ["python3", "extract_server.py"].
	Command []string
	// HandshakeTimeout caps how long spawn waits for readiness
	// (default 120s).
	HandshakeTimeout time.Duration
}

// SubprocessEngine owns one persistent extractor process. The process
// prints {"ready": true} once its imports finish and
// {"initialized": true} once its converter is warm; afterwards it
// answers one JSON line per request line.
type SubprocessEngine struct {
	cfg    SubprocessConfig
	logger *zap.Logger

	mu    sync.Mutex
	gen   int
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Reader
}

// NewSubprocessEngine builds an engine; the process is spawned by the
// first Start.
func NewSubprocessEngine(cfg SubprocessConfig, logger *zap.Logger) (*SubprocessEngine, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("extractor command is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubprocessEngine{cfg: cfg, logger: logger}, nil
}

// Start spawns the process and completes the readiness handshake. It is
// a no-op when the process is already live.
func (e *SubprocessEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return nil
	}
	return e.spawnLocked(ctx)
}

// Restart kills the current process, if any, and spawns a fresh one.
func (e *SubprocessEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killLocked()
	return e.spawnLocked(ctx)
}

// Close kills the process. The engine can be started again afterwards.
func (e *SubprocessEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killLocked()
	return nil
}

// Extract writes one path and waits for the matching response line.
// When ctx expires first, the process is killed so the blocked pipe
// read unwinds and a later Start gets a clean slate.
func (e *SubprocessEngine) Extract(ctx context.Context, path string) (*Result, error) {
	e.mu.Lock()
	if e.cmd == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("extractor is not running")
	}
	gen := e.gen
	stdin := e.stdin
	out := e.out
	e.mu.Unlock()

	type reply struct {
		res *Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		if _, err := io.WriteString(stdin, path+"\n"); err != nil {
			ch <- reply{err: fmt.Errorf("write extractor request: %w", err)}
			return
		}
		line, err := out.ReadBytes('\n')
		if err != nil {
			ch <- reply{err: fmt.Errorf("read extractor response: %w", err)}
			return
		}
		var res Result
		if err := json.Unmarshal(line, &res); err != nil {
			ch <- reply{err: fmt.Errorf("decode extractor response: %w", err)}
			return
		}
		ch <- reply{res: &res}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			// A torn pipe means the process died or was restarted under
			// us; drop this generation so the next Start spawns fresh.
			e.invalidate(gen)
			return nil, r.err
		}
		return r.res, nil
	case <-ctx.Done():
		e.logger.Warn("extractor deadline expired, killing subprocess",
			zap.String("path", path))
		e.invalidate(gen)
		return nil, ctx.Err()
	}
}

// invalidate kills the engine if gen is still the live generation.
// Stale generations were already replaced and are left alone.
func (e *SubprocessEngine) invalidate(gen int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen == e.gen {
		e.killLocked()
	}
}

func (e *SubprocessEngine) killLocked() {
	if e.cmd == nil {
		return
	}
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	e.cmd = nil
	e.stdin = nil
	e.out = nil
	e.gen++
}

func (e *SubprocessEngine) spawnLocked(ctx context.Context) error {
	cmd := exec.Command(e.cfg.Command[0], e.cfg.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("extractor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("extractor stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("extractor stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start extractor: %w", err)
	}
	e.logger.Info("extractor spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("command", e.cfg.Command))

	go e.drainStderr(stderr)
	// The Wait both reaps the child and closes the pipes on exit, which
	// is what unblocks readers after a kill.
	go func() { _ = cmd.Wait() }()

	out := bufio.NewReader(stdout)

	var timedOut atomic.Bool
	timer := time.AfterFunc(e.cfg.HandshakeTimeout, func() {
		timedOut.Store(true)
		_ = cmd.Process.Kill()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	if err := handshake(out); err != nil {
		_ = cmd.Process.Kill()
		switch {
		case timedOut.Load():
			return fmt.Errorf("extractor handshake timed out after %s", e.cfg.HandshakeTimeout)
		case ctx.Err() != nil:
			return fmt.Errorf("extractor handshake: %w", ctx.Err())
		default:
			return fmt.Errorf("extractor handshake: %w", err)
		}
	}

	e.cmd = cmd
	e.stdin = stdin
	e.out = out
	e.gen++
	return nil
}

// handshake consumes the two readiness lines in order.
func handshake(out *bufio.Reader) error {
	var ready struct {
		Ready bool `json:"ready"`
	}
	if err := readJSONLine(out, &ready); err != nil {
		return fmt.Errorf("ready line: %w", err)
	}
	if !ready.Ready {
		return fmt.Errorf("first line did not announce readiness")
	}
	var warm struct {
		Initialized bool `json:"initialized"`
	}
	if err := readJSONLine(out, &warm); err != nil {
		return fmt.Errorf("initialized line: %w", err)
	}
	if !warm.Initialized {
		return fmt.Errorf("second line did not announce initialization")
	}
	return nil
}

func readJSONLine(r *bufio.Reader, v any) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

func (e *SubprocessEngine) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			e.logger.Debug("extractor stderr", zap.String("line", line))
		}
	}
	// Keep consuming past oversized lines so the child never blocks on
	// a full pipe.
	_, _ = io.Copy(io.Discard, r)
}
