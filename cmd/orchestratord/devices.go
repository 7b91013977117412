package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sdxlforge/orchestrator/device"
)

// parseStaticDevices parses FORGE_STATIC_DEVICES's
// "id:name:total_vram_bytes,id:name:total_vram_bytes,..." shape into a
// Device list for device.StaticEnumerator. There is no driver probing in
// this core, so the static list is the expected production path.
func parseStaticDevices(raw string) ([]device.Device, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("no devices configured")
	}

	var devices []device.Device
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.SplitN(entry, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed device entry %q, want id:name:total_vram_bytes", entry)
		}
		totalVRAM, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("device %q: invalid total_vram_bytes: %w", fields[0], err)
		}
		devices = append(devices, device.Device{
			ID:        fields[0],
			Name:      fields[1],
			TotalVRAM: totalVRAM,
		})
	}
	return devices, nil
}
