package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/ipc"
	"github.com/sdxlforge/orchestrator/metrics"
)

// fakeRecorder is a minimal metrics.Recorder double that records which
// outcome methods fired, so the execution pipeline's metrics calls can be
// asserted without a real Prometheus registry.
type fakeRecorder struct {
	metrics.Stub
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (f *fakeRecorder) SessionCompleted(modelType string, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, modelType)
}

func (f *fakeRecorder) SessionFailed(modelType, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, modelType+":"+reason)
}

func (f *fakeRecorder) snapshot() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...), append([]string(nil), f.failed...)
}

// fakePool is a minimal pooler double: it records calls and lets tests
// script RunInference's outcome per call, so execution-pipeline behavior
// can be tested without a real worker pool.
type fakePool struct {
	bestAvailable   string
	bestAvailableOK bool

	loadErr error

	runDelay time.Duration
	runResp  ipc.Response
	runErr   error

	cleanupCalls int
	runCalls     int
}

func (f *fakePool) FindBestAvailable(modelType cache.ModelType) (string, bool) {
	return f.bestAvailable, f.bestAvailableOK
}

func (f *fakePool) LoadModel(ctx context.Context, deviceID string, spec cache.Spec) (cache.LoadReport, error) {
	return cache.LoadReport{ModelID: spec.ID, DeviceID: deviceID}, f.loadErr
}

func (f *fakePool) CleanupMemory(ctx context.Context, deviceID string) error {
	f.cleanupCalls++
	return nil
}

func (f *fakePool) RunInference(ctx context.Context, deviceID, sessionID, messageType string, payload map[string]any) (ipc.Response, error) {
	f.runCalls++
	if f.runDelay > 0 {
		select {
		case <-time.After(f.runDelay):
		case <-ctx.Done():
			return ipc.Response{}, ctx.Err()
		}
	}
	return f.runResp, f.runErr
}

func waitForState(t *testing.T, m *Manager, id string, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := m.Status(id)
		require.NoError(t, err)
		if snap.State == want || snap.State.Terminal() {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state %s, last seen %s", want, snap.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreateUsesFindBestAvailableWhenDeviceUnset(t *testing.T) {
	pool := &fakePool{bestAvailable: "gpu_0", bestAvailableOK: true, runResp: ipc.Response{Success: true, Payload: map[string]any{}}}
	m := New(pool, time.Second, nil)

	snap, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.NoError(t, err)
	require.Equal(t, "gpu_0", snap.DeviceID)

	waitForState(t, m, snap.ID, StateCompleted)
}

func TestCreateFailsWhenNoWorkerAvailable(t *testing.T) {
	pool := &fakePool{bestAvailableOK: false}
	m := New(pool, time.Second, nil)

	_, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.ErrorIs(t, err, ErrNoAvailableWorker)
}

func TestExecutePipelineReachesCompleted(t *testing.T) {
	pool := &fakePool{
		bestAvailable: "gpu_0", bestAvailableOK: true,
		runResp: ipc.Response{Success: true, Payload: map[string]any{"image_paths": []any{"/out/1.png"}}},
	}
	m := New(pool, time.Second, nil)

	snap, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.NoError(t, err)

	final := waitForState(t, m, snap.ID, StateCompleted)
	require.Equal(t, StateCompleted, final.State)
	require.Equal(t, 100, final.Progress)
	require.Equal(t, []string{"/out/1.png"}, final.Artifacts)
	require.Equal(t, 1, pool.cleanupCalls)
	require.False(t, final.Timing.Completed.Before(final.Timing.Queued))
}

func TestExecuteRecordsSessionCompletedMetric(t *testing.T) {
	pool := &fakePool{
		bestAvailable: "gpu_0", bestAvailableOK: true,
		runResp: ipc.Response{Success: true, Payload: map[string]any{}},
	}
	rec := &fakeRecorder{}
	m := New(pool, time.Second, rec)

	snap, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.NoError(t, err)
	waitForState(t, m, snap.ID, StateCompleted)

	completed, failed := rec.snapshot()
	require.Equal(t, []string{"base"}, completed)
	require.Empty(t, failed)
}

func TestExecuteTransitionsToFailedOnRunInferenceError(t *testing.T) {
	pool := &fakePool{
		bestAvailable: "gpu_0", bestAvailableOK: true,
		runErr: errors.New("transport closed"),
	}
	m := New(pool, time.Second, nil)

	snap, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.NoError(t, err)

	final := waitForState(t, m, snap.ID, StateFailed)
	require.Equal(t, StateFailed, final.State)
	require.Contains(t, final.Error, "transport closed")
}

func TestExecuteRecordsSessionFailedMetric(t *testing.T) {
	pool := &fakePool{
		bestAvailable: "gpu_0", bestAvailableOK: true,
		runErr: errors.New("transport closed"),
	}
	rec := &fakeRecorder{}
	m := New(pool, time.Second, rec)

	snap, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.NoError(t, err)
	waitForState(t, m, snap.ID, StateFailed)

	completed, failed := rec.snapshot()
	require.Empty(t, completed)
	require.Equal(t, []string{"base:inference"}, failed)
}

func TestCancelInFlightTransitionsToCancelled(t *testing.T) {
	pool := &fakePool{
		bestAvailable: "gpu_0", bestAvailableOK: true,
		runDelay: 200 * time.Millisecond,
		runResp:  ipc.Response{Success: true, Payload: map[string]any{}},
	}
	m := New(pool, 5*time.Second, nil)

	snap, err := m.Create(context.Background(), Request{ModelSpec: cache.Spec{ID: "sdxl-base", Type: cache.TypeBase}})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	ok := m.Cancel(snap.ID)
	require.True(t, ok)

	final := waitForState(t, m, snap.ID, StateCancelled)
	require.Equal(t, StateCancelled, final.State)

	require.False(t, m.Cancel(snap.ID), "cancelling an already-terminal session must return false")
}

func TestCancelUnknownSessionReturnsFalse(t *testing.T) {
	pool := &fakePool{}
	m := New(pool, time.Second, nil)
	require.False(t, m.Cancel("does-not-exist"))
}

func TestStatusUnknownSessionReturnsNotFound(t *testing.T) {
	pool := &fakePool{}
	m := New(pool, time.Second, nil)
	_, err := m.Status("does-not-exist")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
