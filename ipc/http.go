package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPTransport POSTs requests to a worker's local HTTP bridge.
// Concurrency is naturally multiplexed by the HTTP client — no call-slot
// needed, unlike StdioTransport. Grounded closely on
// x/imagegen/server.go (subprocess + HTTP health/call round trip) and
// llm/server_status.go's initModel (marshal, POST, parse body, non-2xx is
// a failure carrying the status code).
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	healthy atomic.Bool

	// reprobed tracks whether the one auto-retry on a bridge connect
	// failure has already been spent for the current unhealthy streak.
	reprobed atomic.Bool
}

// NewHTTPTransport wires a transport to a worker's bridge at baseURL
// (e.g. "http://127.0.0.1:8733"). The client itself carries no fixed
// Timeout — Call derives one per request from the message type, so a
// control call and an inference call over the same transport get
// different bounds.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{},
	}
	t.healthy.Store(true)
	return t
}

func (t *HTTPTransport) Healthy() bool {
	return t.healthy.Load()
}

func (t *HTTPTransport) Initialize(ctx context.Context) error {
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

// Call POSTs req and applies a HardTimeout selected by message type —
// control calls get DefaultControlDeadlines, inference calls get the
// much longer DefaultInferenceDeadlines. No streamed progress frame
// crosses this transport yet, so InactivityTimeout is not separately
// enforced.
func (t *HTTPTransport) Call(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, deadlinesFor(req.MessageType).HardTimeout)
	defer cancel()

	resp, err := t.doCall(ctx, req)
	if err == nil {
		t.reprobed.Store(false)
		return resp, nil
	}

	if !isBridgeConnectFailure(err) || t.reprobed.Swap(true) {
		return resp, err
	}

	// One re-probe on a bridge connect failure before giving up.
	resp, err = t.doCall(ctx, req)
	if err == nil {
		t.reprobed.Store(false)
	}
	return resp, err
}

func (t *HTTPTransport) doCall(ctx context.Context, req Request) (Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal ipc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/workers/inference", bytes.NewReader(data))
	if err != nil {
		return Response{}, fmt.Errorf("build ipc request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.healthy.Store(false)
		return Response{}, transportErr(fmt.Errorf("bridge request: %w", err))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.healthy.Store(false)
		return Response{}, transportErr(fmt.Errorf("read bridge response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		t.healthy.Store(false)
		return Response{}, transportErr(fmt.Errorf("bridge returned status %d: %s", httpResp.StatusCode, string(body)))
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.healthy.Store(false)
		return Response{}, transportErr(fmt.Errorf("parse bridge response: %w", err))
	}

	if err := asCallError(resp); err != nil {
		return resp, err
	}

	return resp, nil
}

// isBridgeConnectFailure reports whether err is a transport failure caused
// by not reaching the bridge at all (a dial error), as opposed to a non-2xx
// status or an unreadable or unparseable reply.
func isBridgeConnectFailure(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	var opErr *net.OpError
	return errors.As(te.Cause, &opErr) && opErr.Op == "dial"
}

// Dispose marks the transport unhealthy and closes idle connections. It
// does not stop the bridge's subprocess, which the pool package's worker
// launcher starts.
func (t *HTTPTransport) Dispose(ctx context.Context) error {
	t.healthy.Store(false)
	t.client.CloseIdleConnections()
	return nil
}

// Ping lets callers probe liveness without a full Call, used by
// worker launch code waiting for the bridge to come up (mirrors
// x/imagegen/server.go's waitUntilRunning/Ping split).
func (t *HTTPTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return transportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transportErr(fmt.Errorf("health check failed: %d", resp.StatusCode))
	}
	return nil
}

// WaitUntilRunning polls Ping until it succeeds or timeout elapses,
// mirroring x/imagegen/server.go's waitUntilRunning.
func (t *HTTPTransport) WaitUntilRunning(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if t.Ping(ctx) == nil {
			t.healthy.Store(true)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for worker bridge to become healthy")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
