package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdxlforge/orchestrator/metrics"
)

// fakeRecorder is a minimal metrics.Recorder double recording cache byte
// gauges and eviction reasons, so the Cache's metrics calls can be
// asserted without a real Prometheus registry.
type fakeRecorder struct {
	metrics.Stub
	mu      sync.Mutex
	bytes   []float64
	evicted []string
}

func (f *fakeRecorder) CacheBytesInUse(total float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes = append(f.bytes, total)
}

func (f *fakeRecorder) ModelEvicted(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, reason)
}

func (f *fakeRecorder) snapshot() (bytes []float64, evicted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.bytes...), append([]string(nil), f.evicted...)
}

// fakeLoader reports a fixed size per path without touching the
// filesystem, so tests can exercise multi-gigabyte budget math cheaply.
type fakeLoader struct {
	sizes   map[string]uint64
	missing map[string]bool
}

func (f fakeLoader) Stage(ctx context.Context, path string) (uint64, error) {
	if f.missing[path] {
		return 0, ErrFileMissing
	}
	size, ok := f.sizes[path]
	if !ok {
		return 0, ErrFileMissing
	}
	return size, nil
}

func newTestCache(t *testing.T, budget uint64, sizes map[string]uint64) *Cache {
	t.Helper()
	c := New(Config{BudgetBytes: budget}, fakeLoader{sizes: sizes}, nil)
	return c
}

const gibSize = uint64(1) << 30

func TestCacheIdempotentRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 100*gibSize, map[string]uint64{"/models/base.safetensors": 6 * gibSize})

	entry, err := c.Cache(ctx, Spec{ID: "sdxl-base", Path: "/models/base.safetensors", Type: TypeBase}, false)
	require.NoError(t, err)
	require.Equal(t, 6*gibSize, entry.ByteSize)
	require.True(t, c.IsCached("sdxl-base"))

	require.True(t, c.Uncache("sdxl-base"))
	require.False(t, c.IsCached("sdxl-base"))

	// Two successive uncache calls return {true, false}.
	require.False(t, c.Uncache("sdxl-base"))
}

func TestCacheForceFalseDoesNotReload(t *testing.T) {
	ctx := context.Background()
	calls := 0
	loader := loaderFunc(func(ctx context.Context, path string) (uint64, error) {
		calls++
		return 6 * gibSize, nil
	})
	c := New(Config{BudgetBytes: 100 * gibSize}, loader, nil)

	_, err := c.Cache(ctx, Spec{ID: "sdxl-base", Path: "/models/base.safetensors"}, false)
	require.NoError(t, err)
	_, err = c.Cache(ctx, Spec{ID: "sdxl-base", Path: "/models/base.safetensors"}, false)
	require.NoError(t, err)

	require.Equal(t, 1, calls, "force=false must not re-stage an already cached model")
}

func TestCacheForceReloadSameSizeDoesNotTriggerEviction(t *testing.T) {
	// Budget exactly fits one 6GB model. A force=true reload of that same
	// model at the same size must not count its own existing bytes
	// against the budget it already occupies.
	ctx := context.Background()
	sizes := map[string]uint64{"/models/base.safetensors": 6 * gibSize}
	c := newTestCache(t, 6*gibSize, sizes)

	_, err := c.Cache(ctx, Spec{ID: "sdxl-base", Path: "/models/base.safetensors"}, false)
	require.NoError(t, err)

	_, err = c.Cache(ctx, Spec{ID: "sdxl-base", Path: "/models/base.safetensors"}, true)
	require.NoError(t, err)
	require.Equal(t, 6*gibSize, c.TotalBytes())
}

func TestCacheFileMissing(t *testing.T) {
	c := newTestCache(t, 100*gibSize, nil)
	_, err := c.Cache(context.Background(), Spec{ID: "x", Path: "/nope"}, false)
	require.ErrorIs(t, err, ErrFileMissing)
}

func TestLoadToGPUAndReleaseLeavesEntryIntact(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 100*gibSize, map[string]uint64{"/models/base.safetensors": 6 * gibSize})
	entry, err := c.Cache(ctx, Spec{ID: "sdxl-base", Path: "/models/base.safetensors"}, false)
	require.NoError(t, err)

	_, err = c.LoadToGPU(entry.ID, "gpu_0")
	require.NoError(t, err)

	got := c.Get("sdxl-base")
	require.Contains(t, got.ResidentDevices, "gpu_0")

	c.Release("sdxl-base", "gpu_0")
	got = c.Get("sdxl-base")
	require.NotContains(t, got.ResidentDevices, "gpu_0")
	require.True(t, c.IsCached("sdxl-base"), "releasing residency must not uncache the entry")
}

func TestLoadToGPUUnknownModel(t *testing.T) {
	c := newTestCache(t, 100*gibSize, nil)
	_, err := c.LoadToGPU("missing", "gpu_0")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBudgetEnforcementEvictsOldestNonResident(t *testing.T) {
	// Budget 10GB, three 4GB models A, B, C cached sequentially. C's
	// insertion evicts A (oldest, non-resident).
	ctx := context.Background()
	sizes := map[string]uint64{
		"/a": 4 * gibSize,
		"/b": 4 * gibSize,
		"/c": 4 * gibSize,
	}
	c := newTestCache(t, 10*gibSize, sizes)

	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	_, err := c.Cache(ctx, Spec{ID: "A", Path: "/a"}, false)
	require.NoError(t, err)
	fakeNow = fakeNow.Add(time.Minute)

	_, err = c.Cache(ctx, Spec{ID: "B", Path: "/b"}, false)
	require.NoError(t, err)
	fakeNow = fakeNow.Add(time.Minute)

	_, err = c.Cache(ctx, Spec{ID: "C", Path: "/c"}, false)
	require.NoError(t, err)

	require.False(t, c.IsCached("A"))
	require.True(t, c.IsCached("B"))
	require.True(t, c.IsCached("C"))
	require.Equal(t, 8*gibSize, c.TotalBytes())
}

func TestBudgetEvictionRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	sizes := map[string]uint64{"/a": 4 * gibSize, "/b": 4 * gibSize, "/c": 4 * gibSize}
	rec := &fakeRecorder{}
	c := New(Config{BudgetBytes: 10 * gibSize}, fakeLoader{sizes: sizes}, rec)

	_, err := c.Cache(ctx, Spec{ID: "A", Path: "/a"}, false)
	require.NoError(t, err)
	_, err = c.Cache(ctx, Spec{ID: "B", Path: "/b"}, false)
	require.NoError(t, err)
	_, err = c.Cache(ctx, Spec{ID: "C", Path: "/c"}, false)
	require.NoError(t, err)

	bytes, evicted := rec.snapshot()
	require.NotEmpty(t, bytes)
	require.Equal(t, []string{"budget"}, evicted)
}

func TestBudgetExceededWhenNothingEvictable(t *testing.T) {
	ctx := context.Background()
	sizes := map[string]uint64{"/a": 4 * gibSize, "/b": 8 * gibSize}
	c := newTestCache(t, 10*gibSize, sizes)

	entryA, err := c.Cache(ctx, Spec{ID: "A", Path: "/a"}, false)
	require.NoError(t, err)
	_, err = c.LoadToGPU(entryA.ID, "gpu_0") // pin A so it can't be evicted

	require.NoError(t, err)

	_, err = c.Cache(ctx, Spec{ID: "B", Path: "/b"}, false)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	require.True(t, c.IsCached("A"))
	require.False(t, c.IsCached("B"))
}

func TestCleanupNeverEvictsResidentEntries(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 100*gibSize, map[string]uint64{"/a": 1 * gibSize})
	c.idleEvict = time.Millisecond

	entry, err := c.Cache(ctx, Spec{ID: "A", Path: "/a"}, false)
	require.NoError(t, err)
	_, err = c.LoadToGPU(entry.ID, "gpu_0")
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(time.Hour) }
	n := c.Cleanup(ctx)
	require.Equal(t, 0, n)
	require.True(t, c.IsCached("A"))
}

func TestCleanupEvictsStaleNonResident(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, 100*gibSize, map[string]uint64{"/a": 1 * gibSize})
	c.idleEvict = time.Minute

	_, err := c.Cache(ctx, Spec{ID: "A", Path: "/a"}, false)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n := c.Cleanup(ctx)
	require.Equal(t, 1, n)
	require.False(t, c.IsCached("A"))
}

func TestCacheSuitePartialSuccess(t *testing.T) {
	ctx := context.Background()
	sizes := map[string]uint64{
		"/base.safetensors": 6 * gibSize,
		"/vae.safetensors":  1 * gibSize,
	}
	c := newTestCache(t, 100*gibSize, sizes)

	report := c.CacheSuite(ctx, SuiteSpec{
		Name:    "mysuite",
		Base:    "/base.safetensors",
		VAE:     "/vae.safetensors",
		Refiner: "/missing-refiner.safetensors",
	})

	require.Error(t, report.Err())
	require.True(t, c.IsCached("sdxl_mysuite_base"))
	require.True(t, c.IsCached("sdxl_mysuite_vae"))
	require.False(t, c.IsCached("sdxl_mysuite_refiner"))
}

func TestSuitesDerivedView(t *testing.T) {
	ctx := context.Background()
	sizes := map[string]uint64{"/base.safetensors": 6 * gibSize, "/vae.safetensors": 1 * gibSize}
	c := newTestCache(t, 100*gibSize, sizes)

	c.CacheSuite(ctx, SuiteSpec{Name: "mysuite", Base: "/base.safetensors", VAE: "/vae.safetensors"})

	suites := c.Suites()
	require.Len(t, suites, 1)
	require.Equal(t, "mysuite", suites[0].Name)
	require.False(t, suites[0].LoadedOnDevice("gpu_0"))

	c.LoadToGPU("sdxl_mysuite_base", "gpu_0")
	c.LoadToGPU("sdxl_mysuite_vae", "gpu_0")
	suites = c.Suites()
	require.True(t, suites[0].LoadedOnDevice("gpu_0"))
}

func TestClassifyBySize(t *testing.T) {
	cases := []struct {
		size uint64
		want HeuristicClass
	}{
		{6 * gibSize, HeuristicBase},
		{3 * gibSize, HeuristicGeneric},
		{800 * mib, HeuristicVAE},
		{200 * mib, HeuristicGeneric},
		{10 * mib, HeuristicAdapter},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, classifyBySize(tc.size))
	}
}

type loaderFunc func(ctx context.Context, path string) (uint64, error)

func (f loaderFunc) Stage(ctx context.Context, path string) (uint64, error) { return f(ctx, path) }
