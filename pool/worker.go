// Package pool implements the Worker Pool Manager: Worker lifecycle,
// placement queries, inference routing and aggregate status.
//
// Grounded on server/sched_types.go, server/sched_loading.go and
// server/sched_processing.go's runnerRef/Scheduler shape — the
// loadedMu-protected map, the channel-style pending work and the
// per-runner mutex discipline are all carried over, re-purposed from
// per-model runners to per-GPU workers.
//
// That shape holds its scheduler lock across blocking IPC in places; here
// the per-worker mutex (stateMu) guards only the state snapshot, never the
// transport call itself. A separate per-worker callSlot semaphore — a
// single-consumer queue sized to the worker's concurrency cap — gates
// concurrent IPC calls, so a PoolStatus() snapshot of this worker never
// blocks behind an in-flight inference call.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sdxlforge/orchestrator/ipc"
	"github.com/sdxlforge/orchestrator/metrics"
)

// State is a Worker's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateBusy
	StateError
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateError:
		return "error"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Worker is one process bound to exactly one Device.
type Worker struct {
	DeviceID string

	transport ipc.Transport

	// callSlot serializes IPC calls onto this worker up to its
	// concurrency cap, decoupling call-duration from stateMu hold time.
	callSlot *semaphore.Weighted

	stateMu        sync.Mutex
	state          State
	currentModel   string
	modelLoadedAt  time.Time
	modelByteSize  uint64
	activeSessions int
	lastActivity   time.Time
	errorMessage   string
	concurrencyCap int

	metrics metrics.Recorder
}

// Snapshot is an immutable, externally-safe copy of a Worker's state.
type Snapshot struct {
	DeviceID       string
	State          State
	CurrentModel   string
	ModelLoadedAt  time.Time
	ModelByteSize  uint64
	ActiveSessions int
	LastActivity   time.Time
	ErrorMessage   string
}

func newWorker(deviceID string, transport ipc.Transport, concurrencyCap int, rec metrics.Recorder) *Worker {
	if concurrencyCap < 1 {
		concurrencyCap = 1
	}
	if rec == nil {
		rec = metrics.Stub{}
	}
	return &Worker{
		DeviceID:       deviceID,
		transport:      transport,
		callSlot:       semaphore.NewWeighted(int64(concurrencyCap)),
		state:          StateUninitialized,
		concurrencyCap: concurrencyCap,
		lastActivity:   time.Now(),
		metrics:        rec,
	}
}

func (w *Worker) snapshot() Snapshot {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return Snapshot{
		DeviceID:       w.DeviceID,
		State:          w.state,
		CurrentModel:   w.currentModel,
		ModelLoadedAt:  w.modelLoadedAt,
		ModelByteSize:  w.modelByteSize,
		ActiveSessions: w.activeSessions,
		LastActivity:   w.lastActivity,
		ErrorMessage:   w.errorMessage,
	}
}

func (w *Worker) setState(s State) {
	w.stateMu.Lock()
	w.state = s
	w.lastActivity = time.Now()
	w.stateMu.Unlock()
	w.metrics.WorkerState(w.DeviceID, s.String())
}

func (w *Worker) setError(msg string) {
	w.stateMu.Lock()
	w.state = StateError
	w.errorMessage = msg
	w.lastActivity = time.Now()
	w.stateMu.Unlock()
	w.metrics.WorkerState(w.DeviceID, StateError.String())
}

func (w *Worker) readyState() (State, string) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state, w.currentModel
}

// setModel records a successful load.
func (w *Worker) setModel(modelID string, byteSize uint64) {
	w.stateMu.Lock()
	w.currentModel = modelID
	w.modelLoadedAt = time.Now()
	w.modelByteSize = byteSize
	w.state = StateReady
	w.lastActivity = time.Now()
	w.stateMu.Unlock()
	w.metrics.WorkerState(w.DeviceID, StateReady.String())
}

// clearModel records a successful unload.
func (w *Worker) clearModel() {
	w.stateMu.Lock()
	w.currentModel = ""
	w.modelLoadedAt = time.Time{}
	w.modelByteSize = 0
	if w.state != StateError {
		w.state = StateReady
	}
	state := w.state
	w.lastActivity = time.Now()
	w.stateMu.Unlock()
	w.metrics.WorkerState(w.DeviceID, state.String())
}

func (w *Worker) incSessions() {
	w.stateMu.Lock()
	w.activeSessions++
	w.state = StateBusy
	w.lastActivity = time.Now()
	w.stateMu.Unlock()
	w.metrics.WorkerState(w.DeviceID, StateBusy.String())
}

// decSessions decrements the active-session count on any terminal
// transition and returns the worker to Ready(model) if no sessions remain
// and it is not in Error.
func (w *Worker) decSessions() {
	w.stateMu.Lock()
	if w.activeSessions > 0 {
		w.activeSessions--
	}
	if w.activeSessions == 0 && w.state != StateError && w.state != StateDisposed {
		w.state = StateReady
	}
	state := w.state
	w.lastActivity = time.Now()
	w.stateMu.Unlock()
	w.metrics.WorkerState(w.DeviceID, state.String())
}

// call runs req through the worker's transport, acquiring the call slot
// for the duration. Transport failures mark the worker Error; application
// failures leave it as-is.
func (w *Worker) call(ctx context.Context, req ipc.Request) (ipc.Response, error) {
	if err := w.callSlot.Acquire(ctx, 1); err != nil {
		return ipc.Response{}, err
	}
	defer w.callSlot.Release(1)

	resp, err := w.transport.Call(ctx, req)
	if err != nil && errors.Is(err, ipc.ErrTransportFailure) {
		w.setError(fmt.Sprintf("transport failure during %s: %v", req.MessageType, err))
	}
	return resp, err
}

// ErrWorkerMissing is returned for operations against an unknown GPU id.
var ErrWorkerMissing = errors.New("pool: worker missing")

// ErrWorkerNotReady is returned when a load or inference call targets a
// worker that is neither Ready nor Busy, or an inference call targets a
// worker with no model loaded.
var ErrWorkerNotReady = errors.New("pool: worker not ready")

// ErrLoadFailed wraps a failed load_model call.
var ErrLoadFailed = errors.New("pool: load failed")
