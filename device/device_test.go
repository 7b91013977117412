package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistrySeedAndGet(t *testing.T) {
	r := NewRegistry()
	r.Seed([]Device{
		{ID: "gpu_0", Name: "A100", TotalVRAM: 40 << 30, AvailableVRAM: 40 << 30, Available: true},
		{ID: "gpu_1", Name: "A100", TotalVRAM: 40 << 30, AvailableVRAM: 40 << 30, Available: true},
	})

	d, ok := r.Get("gpu_0")
	require.True(t, ok)
	require.Equal(t, uint64(40<<30), d.TotalVRAM)

	_, ok = r.Get("gpu_9")
	require.False(t, ok)

	require.Equal(t, []string{"gpu_0", "gpu_1"}, idsOf(r.List()))
}

func TestRegistryUpdateAvailableVRAM(t *testing.T) {
	r := NewRegistry()
	r.Seed([]Device{{ID: "gpu_0", Name: "A100", TotalVRAM: 40 << 30, AvailableVRAM: 40 << 30, Available: true}})

	require.NoError(t, r.UpdateAvailableVRAM("gpu_0", 10<<30, true))
	d, _ := r.Get("gpu_0")
	require.Equal(t, uint64(10<<30), d.AvailableVRAM)
	require.Equal(t, uint64(40<<30), d.TotalVRAM, "total VRAM must not change on a live update")

	err := r.UpdateAvailableVRAM("gpu_missing", 0, false)
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestStaticEnumeratorDefaultsAvailableVRAM(t *testing.T) {
	e := StaticEnumerator{Devices: []Device{{ID: "gpu_0", Name: "A100", TotalVRAM: 24 << 30}}}
	devices, err := e.Enumerate(nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, uint64(24<<30), devices[0].AvailableVRAM)
	require.True(t, devices[0].Available)
}

func TestParseNvidiaSMILine(t *testing.T) {
	d, err := parseNvidiaSMILine("0, NVIDIA A100-SXM4-40GB, 40960, 39000, 535.104.05, 8.0")
	require.NoError(t, err)
	require.Equal(t, "gpu_0", d.ID)
	require.Equal(t, "NVIDIA A100-SXM4-40GB", d.Name)
	require.Equal(t, uint64(40960)*1024*1024, d.TotalVRAM)
	require.Equal(t, 8, d.Capabilities.ComputeMajor)
	require.Equal(t, 0, d.Capabilities.ComputeMinor)

	_, err = parseNvidiaSMILine("not enough fields")
	require.Error(t, err)
}

func idsOf(devices []Device) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return ids
}
