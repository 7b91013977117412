package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sdxlforge/orchestrator/cache"
	"github.com/sdxlforge/orchestrator/device"
	"github.com/sdxlforge/orchestrator/ipc"
	"github.com/sdxlforge/orchestrator/metrics"
)

// Launcher starts (and can later dispose) the transport bound to one
// device. Production wiring uses a subprocess-per-GPU stdio transport;
// tests inject a fake. Grounded on llm/server_runner.go's StartRunner:
// resolve a binary, set its environment, hand back something callable.
type Launcher interface {
	Launch(ctx context.Context, d device.Device) (ipc.Transport, error)
}

// Pool is the Worker Pool Manager. Its mutex protects only the workers
// map's structure (insert/lookup/range) — every Worker's own state lives
// behind that Worker's stateMu, so status reads for one GPU never wait on
// another GPU's in-flight call.
type Pool struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	devices  *device.Registry
	cache    *cache.Cache
	launcher Launcher
	metrics  metrics.Recorder

	defaultConcurrency int
}

// New builds a Pool bound to the given registry, cache and launcher. rec
// defaults to metrics.Stub{} when nil.
func New(devices *device.Registry, c *cache.Cache, launcher Launcher, defaultConcurrency int, rec metrics.Recorder) *Pool {
	if defaultConcurrency < 1 {
		defaultConcurrency = 1
	}
	if rec == nil {
		rec = metrics.Stub{}
	}
	return &Pool{
		workers:            make(map[string]*Worker),
		devices:            devices,
		cache:              c,
		launcher:           launcher,
		metrics:            rec,
		defaultConcurrency: defaultConcurrency,
	}
}

// Initialize enumerates devices, seeds the registry and launches one
// Worker per device. Enumeration failure is fatal; an individual launch
// failure leaves that worker in the Error state instead of aborting the
// whole pool — the fleet runs degraded rather than refusing to start.
func (p *Pool) Initialize(ctx context.Context, enumerator device.Enumerator) error {
	devices, err := enumerator.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("pool: device enumeration: %w", err)
	}
	p.devices.Seed(devices)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range devices {
		w := newWorker(d.ID, nil, p.defaultConcurrency, p.metrics)
		p.workers[d.ID] = w

		transport, err := p.launcher.Launch(ctx, d)
		if err != nil {
			w.setError(fmt.Sprintf("launch failed: %v", err))
			slog.Error("worker launch failed", "device", d.ID, "error", err)
			continue
		}
		w.transport = transport

		if err := transport.Initialize(ctx); err != nil {
			w.setError(fmt.Sprintf("handshake failed: %v", err))
			slog.Error("worker handshake failed", "device", d.ID, "error", err)
			continue
		}
		w.setState(StateReady)
	}
	return nil
}

func (p *Pool) worker(deviceID string) (*Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[deviceID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", deviceID, ErrWorkerMissing)
	}
	return w, nil
}

// LoadModel ensures spec is cached, pins it onto deviceID's worker, and
// sends a load_model IPC call. If the worker already holds a different
// model, it is unloaded first; a failed auto-unload is logged and the
// load proceeds anyway — auto-unload is best-effort and never blocks the
// new load.
func (p *Pool) LoadModel(ctx context.Context, deviceID string, spec cache.Spec) (cache.LoadReport, error) {
	w, err := p.worker(deviceID)
	if err != nil {
		return cache.LoadReport{}, err
	}
	state, current := w.readyState()
	if state != StateReady && state != StateBusy {
		return cache.LoadReport{}, fmt.Errorf("device %s in state %s: %w", deviceID, state, ErrWorkerNotReady)
	}

	if current != "" && current != spec.ID {
		if _, err := p.UnloadModel(ctx, deviceID); err != nil {
			slog.Warn("auto-unload before load failed, proceeding anyway",
				"device", deviceID, "current_model", current, "error", err)
		}
	}

	entry, err := p.cache.Cache(ctx, spec, false)
	if err != nil {
		return cache.LoadReport{}, fmt.Errorf("pool: caching %s: %w", spec.ID, err)
	}

	report, err := p.cache.LoadToGPU(entry.ID, deviceID)
	if err != nil {
		return cache.LoadReport{}, fmt.Errorf("pool: pinning %s to %s: %w", entry.ID, deviceID, err)
	}

	_, err = w.call(ctx, ipc.Request{
		MessageType: ipc.MessageLoadModel,
		Payload: map[string]any{
			"model_id":   entry.ID,
			"model_path": entry.Path,
			"model_type": string(entry.Type),
		},
	})
	if err != nil {
		p.cache.Release(entry.ID, deviceID)
		return cache.LoadReport{}, fmt.Errorf("%s on %s: %w: %w", entry.ID, deviceID, ErrLoadFailed, err)
	}

	w.setModel(entry.ID, entry.ByteSize)
	return report, nil
}

// UnloadModel sends unload_model to deviceID's worker and releases the
// cached entry's residency there. Returns false if the worker had no
// model loaded.
func (p *Pool) UnloadModel(ctx context.Context, deviceID string) (bool, error) {
	w, err := p.worker(deviceID)
	if err != nil {
		return false, err
	}

	_, current := w.readyState()
	if current == "" {
		return false, nil
	}

	_, err = w.call(ctx, ipc.Request{MessageType: ipc.MessageUnloadModel, Payload: map[string]any{"model_id": current}})
	if err != nil {
		return false, fmt.Errorf("unloading %s from %s: %w", current, deviceID, err)
	}

	p.cache.Release(current, deviceID)
	w.clearModel()
	return true, nil
}

// RunInference routes an opaque payload to deviceID's worker as one of
// the inference-family message types, tracking the worker's active
// session count around the call.
func (p *Pool) RunInference(ctx context.Context, deviceID, sessionID, messageType string, payload map[string]any) (ipc.Response, error) {
	w, err := p.worker(deviceID)
	if err != nil {
		return ipc.Response{}, err
	}

	state, model := w.readyState()
	if state != StateReady && state != StateBusy {
		return ipc.Response{}, fmt.Errorf("device %s in state %s: %w", deviceID, state, ErrWorkerNotReady)
	}
	if model == "" {
		return ipc.Response{}, fmt.Errorf("device %s has no model loaded: %w", deviceID, ErrWorkerNotReady)
	}

	w.incSessions()
	defer w.decSessions()

	return w.call(ctx, ipc.Request{MessageType: messageType, SessionID: sessionID, Payload: payload})
}

// CleanupMemory asks deviceID's worker to free whatever it can without
// unloading its resident model.
func (p *Pool) CleanupMemory(ctx context.Context, deviceID string) error {
	w, err := p.worker(deviceID)
	if err != nil {
		return err
	}
	_, err = w.call(ctx, ipc.Request{MessageType: ipc.MessageCleanup})
	return err
}

// WorkerStatus is one row of PoolStatus.
type WorkerStatus struct {
	Snapshot
	Device device.Device
}

// PoolStatus returns a per-worker snapshot plus its matching Device
// record. Each worker's fields are read independently, so the overall
// slice is not a single atomic point-in-time view across workers — only
// each individual row is internally consistent.
func (p *Pool) PoolStatus() []WorkerStatus {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)

	out := make([]WorkerStatus, 0, len(ids))
	for _, id := range ids {
		p.mu.RLock()
		w := p.workers[id]
		p.mu.RUnlock()
		d, _ := p.devices.Get(id)
		out = append(out, WorkerStatus{Snapshot: w.snapshot(), Device: d})
	}
	return out
}

// FindBestAvailable implements the placement algorithm:
// among Ready workers with no resident model, pick the one with the
// largest AvailableVRAM, breaking ties by ascending device id. Failing
// that, fall back to a Ready worker already holding a resident model of
// modelType. Returns ("", false) rather than blocking when nothing
// qualifies.
func (p *Pool) FindBestAvailable(modelType cache.ModelType) (string, bool) {
	p.mu.RLock()
	snaps := make(map[string]Snapshot, len(p.workers))
	for id, w := range p.workers {
		snaps[id] = w.snapshot()
	}
	p.mu.RUnlock()

	type candidate struct {
		id   string
		vram uint64
	}
	var empty []candidate
	var warm []string

	for id, snap := range snaps {
		if snap.State != StateReady {
			continue
		}
		d, ok := p.devices.Get(id)
		if !ok {
			continue
		}
		if snap.CurrentModel == "" {
			empty = append(empty, candidate{id, d.AvailableVRAM})
			continue
		}
		entry := p.cache.Get(snap.CurrentModel)
		if entry != nil && entry.Type == modelType {
			warm = append(warm, id)
		}
	}

	if len(empty) > 0 {
		sort.Slice(empty, func(i, j int) bool {
			if empty[i].vram != empty[j].vram {
				return empty[i].vram > empty[j].vram
			}
			return empty[i].id < empty[j].id
		})
		return empty[0].id, true
	}

	if len(warm) > 0 {
		sort.Strings(warm)
		return warm[0], true
	}

	return "", false
}

// LoadSuite caches every configured component of spec (delegating to the
// cache's own partial-success semantics) and pins each successfully
// cached component onto deviceID, independently of its siblings.
func (p *Pool) LoadSuite(ctx context.Context, deviceID string, spec cache.SuiteSpec) cache.SuiteCacheReport {
	report := p.cache.CacheSuite(ctx, spec)
	for i, comp := range report.Components {
		if comp.Err != nil || comp.Entry == nil {
			continue
		}
		if _, err := p.cache.LoadToGPU(comp.ModelID, deviceID); err != nil {
			report.Components[i].Err = err
		}
	}
	return report
}

// BatchLoadResult is one device's outcome from BatchLoad.
type BatchLoadResult struct {
	DeviceID string
	Err      error
}

// BatchLoad loads spec onto every device in deviceIDs, in parallel when
// parallel is true. Each device's outcome is independent; the aggregate
// is reported as a slice rather than a single error so "succeeded on 2 of
// 3 GPUs" is representable. Fan-out uses a plain errgroup.Group as a
// goroutine-per-device join, the way parser/files.go fans out per-file
// digest work — each goroutine only ever returns nil since its result is
// recorded in results[i], not in the group's own error.
func (p *Pool) BatchLoad(ctx context.Context, deviceIDs []string, spec cache.Spec, parallel bool) []BatchLoadResult {
	results := make([]BatchLoadResult, len(deviceIDs))

	load := func(i int) {
		_, err := p.LoadModel(ctx, deviceIDs[i], spec)
		results[i] = BatchLoadResult{DeviceID: deviceIDs[i], Err: err}
	}

	if !parallel {
		for i := range deviceIDs {
			load(i)
		}
		return results
	}

	var g errgroup.Group
	for i := range deviceIDs {
		g.Go(func() error {
			load(i)
			return nil
		})
	}
	g.Wait()
	return results
}

// AnySucceeded reports whether at least one BatchLoadResult succeeded.
func AnySucceeded(results []BatchLoadResult) bool {
	for _, r := range results {
		if r.Err == nil {
			return true
		}
	}
	return false
}
