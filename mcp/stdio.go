package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineSize bounds one JSON-RPC line from a stdio server (10 MiB).
const maxLineSize = 10 * 1024 * 1024

// closeGrace is how long Close waits for the subprocess to exit after
// stdin closes before killing it.
const closeGrace = 3 * time.Second

var errPipeClosed = errors.New("pipe transport closed")

// PipeConfig launches an MCP server as a subprocess and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Env entries are
// merged over the parent environment.
type PipeConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (PipeConfig) Kind() string { return "stdio" }

// Dial starts the subprocess and wires its pipes. Stderr is drained to
// the logger so a chatty server cannot block on a full pipe.
func (c PipeConfig) Dial(_ context.Context, logger *slog.Logger) (Transport, error) {
	if c.Command == "" {
		return nil, errors.New("pipe transport: empty command")
	}
	cmd := exec.Command(c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = buildEnv(c.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", c.Command, err)
	}

	go drainStderr(stderr, logger, c.Command)

	return &pipeTransport{
		cmd:     cmd,
		logger:  logger,
		session: newPipeSession(stdin, stdout),
	}, nil
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func drainStderr(r io.Reader, logger *slog.Logger, command string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		logger.Debug("server stderr", "command", command, "line", sc.Text())
	}
}

type pipeTransport struct {
	cmd     *exec.Cmd
	logger  *slog.Logger
	session *pipeSession
}

func (t *pipeTransport) Kind() string { return "stdio" }

func (t *pipeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.session.roundTrip(ctx, method, params)
}

func (t *pipeTransport) Notify(ctx context.Context, method string, params any) error {
	return t.session.notify(ctx, method, params)
}

// Close shuts stdin so a well-behaved server exits, waits briefly, then
// kills the subprocess.
func (t *pipeTransport) Close() error {
	t.session.close()
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeGrace):
		t.logger.Warn("server did not exit, killing", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		return <-done
	}
}

// pipeSession is the framing layer over a stdin/stdout pair, split out
// from the subprocess so it can be driven by in-memory pipes in tests.
// One request is in flight at a time: the stdio framing has no
// interleaving guarantee, so calls serialize on the session mutex. A
// dedicated goroutine owns the read side and feeds complete lines over
// a channel, so a round trip can select against its context while the
// server stalls.
type pipeSession struct {
	mu     sync.Mutex
	w      io.WriteCloser
	r      io.Reader
	nextID int64

	lines   chan []byte
	readErr error // set before lines is closed

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newPipeSession(w io.WriteCloser, r io.Reader) *pipeSession {
	s := &pipeSession{
		w:     w,
		r:     r,
		lines: make(chan []byte),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop forwards response lines until EOF or until the session
// closes underneath it.
func (s *pipeSession) readLoop() {
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
	s.readErr = sc.Err()
	close(s.lines)
}

func (s *pipeSession) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, errPipeClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.nextID++
	id := s.nextID
	if err := s.writeLocked(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	// Wait for the response with our id. Server notifications and stray
	// lines are skipped.
	for {
		select {
		case <-ctx.Done():
			// The response may still arrive later, but with one request
			// in flight the stream cannot be resynchronized. Poison the
			// session instead.
			s.close()
			return nil, ctx.Err()
		case <-s.done:
			return nil, errPipeClosed
		case line, ok := <-s.lines:
			if !ok {
				s.close()
				if s.readErr != nil {
					return nil, fmt.Errorf("read response: %w", s.readErr)
				}
				return nil, fmt.Errorf("read response: %w", io.EOF)
			}
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.ID == nil || *resp.ID != id {
				continue
			}
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		}
	}
}

func (s *pipeSession) notify(_ context.Context, method string, params any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errPipeClosed
	}
	return s.writeLocked(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *pipeSession) writeLocked(req rpcRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := s.w.Write(payload); err != nil {
		s.close()
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

// close marks the session dead and shuts both pipe ends: closing the
// read side unblocks the reader goroutine's Scan. It must not take the
// mutex, since a shutdown can race an in-flight round trip.
func (s *pipeSession) close() {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.w.Close()
		if rc, ok := s.r.(io.Closer); ok {
			_ = rc.Close()
		}
	})
}
