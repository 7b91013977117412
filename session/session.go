// Package session implements the Inference Session Manager: one state
// machine per inference job, driven by its own task, reporting progress
// and honoring best-effort cancellation.
//
// Grounded on server/sched_processing.go's per-request goroutine shape
// (a request is handed to a runner and its outcome is reported back
// through a channel) and server/sched_types.go's LlmRequest bookkeeping
// (created-at/used timestamps, a per-request context.CancelFunc) —
// re-purposed here from per-generation LLM requests to per-job SDXL
// sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sdxlforge/orchestrator/cache"
)

// State is a Session's lifecycle state.
type State int

const (
	StatePending State = iota
	StatePreprocessing
	StateRunning
	StatePostprocessing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePreprocessing:
		return "preprocessing"
	case StateRunning:
		return "running"
	case StatePostprocessing:
		return "postprocessing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the three sticky terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Timing is the per-phase timestamp breakdown for a Session.
type Timing struct {
	Queued           time.Time
	PreprocessStart  time.Time
	RunStart         time.Time
	PostprocessStart time.Time
	Completed        time.Time
}

// Request is the caller-supplied description of an inference job: a
// model id plus an opaque parameter map.
type Request struct {
	ModelSpec   cache.Spec // model to run; Type selects placement when DeviceID is empty
	DeviceID    string     // optional; when empty, find_best_available chooses
	MessageType string     // ipc message type, e.g. ipc.MessageGenerateSDXLEnhanced
	Payload     map[string]any
}

// Session is one logical inference job. Fields are written by the
// session's own owning task, and by Manager.Cancel when it marks the
// session Cancelled; the mutex here is a deliberate tightening of
// a single-writer, atomic-state-field discipline down to a plain
// per-session lock, since Go gives us cheap correct mutual exclusion
// without needing separate atomics per field.
type Session struct {
	ID       string
	ModelID  string
	DeviceID string

	mu        sync.Mutex
	state     State
	progress  int
	err       string
	artifacts []string
	result    map[string]any
	timing    Timing

	cancel context.CancelFunc
}

// Snapshot is an immutable, externally-safe copy of a Session's fields.
type Snapshot struct {
	ID        string
	ModelID   string
	DeviceID  string
	State     State
	Progress  int
	Error     string
	Artifacts []string
	Result    map[string]any
	Timing    Timing
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.ID,
		ModelID:   s.ModelID,
		DeviceID:  s.DeviceID,
		State:     s.state,
		Progress:  s.progress,
		Error:     s.err,
		Artifacts: append([]string(nil), s.artifacts...),
		Result:    s.result,
		Timing:    s.timing,
	}
}

// setState transitions the session, clamping progress forward: progress
// is reported as a monotonic scalar in [0,100] and may never decrease.
// Terminal states are sticky: once set, further calls are no-ops.
func (s *Session) setState(state State, progress int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	if progress > s.progress {
		s.progress = progress
	}
	switch state {
	case StatePreprocessing:
		s.timing.PreprocessStart = at
	case StateRunning:
		s.timing.RunStart = at
	case StatePostprocessing:
		s.timing.PostprocessStart = at
	case StateCompleted, StateFailed, StateCancelled:
		s.timing.Completed = at
	}
}

func (s *Session) fail(msg string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateFailed
	s.err = msg
	s.timing.Completed = at
}

func (s *Session) complete(result map[string]any, artifacts []string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateCompleted
	s.progress = 100
	s.result = result
	s.artifacts = artifacts
	s.timing.Completed = at
}

// tryCancel marks the session Cancelled if it is not already terminal,
// returning whether it actually transitioned. Cancel is idempotent: a
// no-op returning false once the session is terminal.
func (s *Session) tryCancel(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = StateCancelled
	s.timing.Completed = at
	return true
}

var (
	ErrSessionNotFound   = errors.New("session: not found")
	ErrNoAvailableWorker = errors.New("session: no available worker")
)
