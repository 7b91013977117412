package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/ipc"
	"github.com/sdxlforge/orchestrator/metrics"
)

// pooler is the slice of pool.Pool the Session Manager depends on,
// narrowed to an interface so tests can exercise Manager without a real
// Pool/device/cache stack — the Session Manager asks the Pool for a
// placement decision and to run inference.
type pooler interface {
	FindBestAvailable(modelType cache.ModelType) (string, bool)
	LoadModel(ctx context.Context, deviceID string, spec cache.Spec) (cache.LoadReport, error)
	CleanupMemory(ctx context.Context, deviceID string) error
	RunInference(ctx context.Context, deviceID, sessionID, messageType string, payload map[string]any) (ipc.Response, error)
}

// Manager owns the Session map and drives each Session's execution task.
// Its mutex protects only map structure; each Session guards its own
// fields.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	pool        pooler
	hardTimeout time.Duration // overall per-session deadline, default 10m
	metrics     metrics.Recorder
}

// New builds a Manager bound to pool. hardTimeout of 0 uses the default
// of 10 minutes. rec defaults to metrics.Stub{} when nil.
func New(pool pooler, hardTimeout time.Duration, rec metrics.Recorder) *Manager {
	if hardTimeout == 0 {
		hardTimeout = 10 * time.Minute
	}
	if rec == nil {
		rec = metrics.Stub{}
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		pool:        pool,
		hardTimeout: hardTimeout,
		metrics:     rec,
	}
}

// Create validates placement (explicit device, or find_best_available),
// ensures the model is loaded there, allocates a session id, inserts a
// Pending record and schedules the execution task — returning
// immediately, before the job runs.
func (m *Manager) Create(ctx context.Context, req Request) (Snapshot, error) {
	deviceID := req.DeviceID
	if deviceID == "" {
		id, ok := m.pool.FindBestAvailable(req.ModelSpec.Type)
		if !ok {
			return Snapshot{}, fmt.Errorf("model type %s: %w", req.ModelSpec.Type, ErrNoAvailableWorker)
		}
		deviceID = id
	}

	if _, err := m.pool.LoadModel(ctx, deviceID, req.ModelSpec); err != nil {
		return Snapshot{}, fmt.Errorf("session: ensuring model loaded on %s: %w", deviceID, err)
	}

	sess := &Session{
		ID:       uuid.NewString(),
		ModelID:  req.ModelSpec.ID,
		DeviceID: deviceID,
		state:    StatePending,
	}
	sess.timing.Queued = time.Now()

	execCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.execute(execCtx, sess, req)

	return sess.snapshot(), nil
}

// execute runs the Preprocessing -> Running -> Postprocessing ->
// Completed pipeline for sess on its own goroutine — each Session
// executes on its own task.
func (m *Manager) execute(ctx context.Context, sess *Session, req Request) {
	defer sess.cancel()

	ctx, cancelTimeout := context.WithTimeout(ctx, m.hardTimeout)
	defer cancelTimeout()

	modelType := string(req.ModelSpec.Type)

	sess.setState(StatePreprocessing, 10, time.Now())
	if err := m.pool.CleanupMemory(ctx, sess.DeviceID); err != nil {
		slog.Warn("advisory cleanup_memory before session failed, proceeding anyway",
			"session", sess.ID, "device", sess.DeviceID, "error", err)
	}

	sess.setState(StateRunning, 50, time.Now())
	resp, err := m.pool.RunInference(ctx, sess.DeviceID, sess.ID, req.MessageType, req.Payload)
	if err != nil {
		sess.fail(err.Error(), time.Now())
		m.metrics.SessionFailed(modelType, "inference")
		return
	}

	sess.setState(StatePostprocessing, 90, time.Now())
	completedAt := time.Now()
	sess.complete(resp.Payload, extractArtifacts(resp.Payload), completedAt)
	m.metrics.SessionCompleted(modelType, completedAt.Sub(sess.timing.Queued).Seconds())
}

// extractArtifacts best-effort pulls a list of output paths out of an
// opaque worker reply — output artifacts are file paths or inlined bytes.
// Workers that don't use either key are still recorded via Result; this
// is a convenience projection, not the source of truth.
func extractArtifacts(payload map[string]any) []string {
	for _, key := range []string{"image_paths", "output_paths", "artifacts"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Cancel sets sess to Cancelled if it is non-terminal and signals its
// execution task's cancellation token, aborting any in-flight IPC call.
// Idempotent: returns false for an unknown or already-terminal session.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	cancelled := sess.tryCancel(time.Now())
	if cancelled {
		sess.cancel()
	}
	return cancelled
}

// Status returns a snapshot of one session.
func (m *Manager) Status(sessionID string) (Snapshot, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return sess.snapshot(), nil
}

// List returns every known session, ordered by session id. Intended
// for operator/debug views, not the hot path.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	sessions := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		ids = append(ids, id)
		sessions[id] = s
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, sessions[id].snapshot())
	}
	return out
}
