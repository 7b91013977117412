package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsStubWhenDisabled(t *testing.T) {
	r := New(false)
	_, ok := r.(Stub)
	require.True(t, ok)

	// Stub methods must be safe to call with zero values.
	r.SessionStarted("sdxl-base")
	r.SessionCompleted("sdxl-base", 1.5)
	r.SessionFailed("sdxl-base", "timeout")
	r.ModelLoaded("gpu_0", 1<<30)
	r.ModelEvicted("budget")
	r.CacheBytesInUse(1 << 30)
	r.WorkerState("gpu_0", "ready")
}

func TestNewReturnsLiveWhenEnabled(t *testing.T) {
	r := New(true)
	live, ok := r.(*Live)
	require.True(t, ok)

	live.SessionStarted("sdxl-base")
	live.SessionStarted("sdxl-base")
	require.Equal(t, float64(2), testutil.ToFloat64(live.sessionsStarted.WithLabelValues("sdxl-base")))

	live.ModelEvicted("budget")
	require.Equal(t, float64(1), testutil.ToFloat64(live.modelsEvicted.WithLabelValues("budget")))

	live.CacheBytesInUse(42)
	require.Equal(t, float64(42), testutil.ToFloat64(live.cacheBytesInUse))

	live.WorkerState("gpu_0", "ready")
	require.Equal(t, float64(1), testutil.ToFloat64(live.workerState.WithLabelValues("gpu_0", "ready")))
}
