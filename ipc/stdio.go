package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// StdioTransport talks to one subprocess over line-delimited JSON on
// stdin/stdout. Grounded on llm/server_runner.go's StartRunner (spawn,
// pipe stderr to the log pipeline) generalized from an HTTP-serving
// child to a framed stdio child, since the primary transport for llama
// runners there is itself HTTP — the stdio framing here instead follows
// a single-slot request-mutex discipline.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	// callSlot serializes calls onto the single stdin/stdout pipe:
	// concurrent callers queue behind a single-slot request mutex.
	callSlot *semaphore.Weighted

	healthy atomic.Bool

	stderrLog func(line string) // wired to the log pipeline, never parsed

	disposeOnce sync.Once
}

// NewStdioTransport wraps an already-started subprocess's stdin/stdout/
// stderr pipes. Process spawning itself lives in the pool package's worker
// launcher, which runs the configured interpreter and script paths as
// given (no search-path resolution), keeping the same
// separation between StartRunner (process mechanics) and llmServer
// (protocol mechanics) that llm/server_runner.go draws.
func NewStdioTransport(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, stderr io.Reader, logStderr func(line string)) *StdioTransport {
	t := &StdioTransport{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    bufio.NewReader(stdout),
		callSlot:  semaphore.NewWeighted(1),
		stderrLog: logStderr,
	}
	t.healthy.Store(true)

	go t.pumpStderr(stderr)

	return t
}

func (t *StdioTransport) pumpStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if t.stderrLog != nil {
			t.stderrLog(line)
		} else {
			slog.Debug("worker stderr", "line", line)
		}
	}
}

func (t *StdioTransport) Healthy() bool {
	return t.healthy.Load()
}

func (t *StdioTransport) Initialize(ctx context.Context) error {
	resp, err := t.Call(ctx, Request{MessageType: MessageInitialize})
	if err != nil {
		return err
	}
	if !resp.Success {
		t.healthy.Store(false)
		return transportErr(fmt.Errorf("worker rejected initialize: %s", resp.Error))
	}
	return nil
}

// Call writes one framed request and reads one framed reply, holding the
// single call slot for the duration. The request's message type selects
// a control or inference HardTimeout, applied to ctx for this call only
// — stdio carries no streamed progress frames yet, so InactivityTimeout
// has nothing to reset on and is not separately enforced. A read that
// hits EOF or fails to parse is a transport failure and marks the
// transport unhealthy; a reply with success:false is an application
// failure and leaves the transport healthy.
func (t *StdioTransport) Call(ctx context.Context, req Request) (Response, error) {
	if !t.healthy.Load() {
		return Response{}, transportErr(fmt.Errorf("transport already marked unhealthy"))
	}

	ctx, cancel := context.WithTimeout(ctx, deadlinesFor(req.MessageType).HardTimeout)
	defer cancel()

	if err := t.callSlot.Acquire(ctx, 1); err != nil {
		return Response{}, err
	}
	defer t.callSlot.Release(1)

	done := make(chan struct{})
	var resp Response
	var callErr error

	go func() {
		defer close(done)
		resp, callErr = t.callLocked(req)
	}()

	select {
	case <-done:
		if callErr != nil {
			return Response{}, callErr
		}
		if err := asCallError(resp); err != nil {
			return resp, err
		}
		return resp, nil
	case <-ctx.Done():
		t.healthy.Store(false)
		return Response{}, transportErr(ctx.Err())
	}
}

func (t *StdioTransport) callLocked(req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal ipc request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.stdin.Write(data); err != nil {
		t.healthy.Store(false)
		return Response{}, transportErr(fmt.Errorf("write request: %w", err))
	}

	line, err := t.stdout.ReadBytes('\n')
	if err != nil {
		t.healthy.Store(false)
		if err == io.EOF {
			return Response{}, transportErr(fmt.Errorf("worker closed stdout: %w", err))
		}
		return Response{}, transportErr(fmt.Errorf("read response: %w", err))
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.healthy.Store(false)
		return Response{}, transportErr(fmt.Errorf("parse response: %w", err))
	}

	return resp, nil
}

// Dispose closes stdin, waits up to 5 seconds for clean exit, then forces
// termination.
func (t *StdioTransport) Dispose(ctx context.Context) error {
	var err error
	t.disposeOnce.Do(func() {
		t.healthy.Store(false)
		if t.stdin != nil {
			t.stdin.Close()
		}
		if t.cmd == nil || t.cmd.Process == nil {
			return
		}
		err = waitOrKill(t.cmd)
	})
	return err
}
