package device

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Enumerator discovers the Device set available at startup. Grounded on
// discover/runner_discovery.go's GPUDevices bootstrap: run once, cache,
// return the same shape every time it's asked again.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// StaticEnumerator returns a fixed device list supplied by configuration.
// This is the expected production path: the operator tier knows which
// GPUs exist and how much VRAM each has, since the core itself never
// probes hardware.
type StaticEnumerator struct {
	Devices []Device
}

func (s StaticEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	out := make([]Device, len(s.Devices))
	copy(out, s.Devices)
	for i := range out {
		if out[i].AvailableVRAM == 0 {
			out[i].AvailableVRAM = out[i].TotalVRAM
		}
		out[i].Available = true
	}
	return out, nil
}

// ProcEnumerator shells out to nvidia-smi for environments without a
// static device list, e.g. first-run bootstrap. Grounded on the
// subprocess-invocation idiom in llm/server_runner.go's StartRunner and
// x/imagegen/server.go's NewServer: resolve a binary, run it, parse its
// stdout, never trust it blindly.
type ProcEnumerator struct {
	// Binary defaults to "nvidia-smi" if empty.
	Binary string
}

func (p ProcEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	bin := p.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}

	cmd := exec.CommandContext(ctx, bin,
		"--query-gpu=index,name,memory.total,memory.free,driver_version,compute_cap",
		"--format=csv,noheader,nounits")

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi enumeration: %w", err)
	}

	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d, err := parseNvidiaSMILine(line)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("nvidia-smi output: %w", err)
	}

	return devices, nil
}

func parseNvidiaSMILine(line string) (Device, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 6 {
		return Device{}, fmt.Errorf("unexpected nvidia-smi line %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	index := fields[0]
	name := fields[1]

	totalMiB, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Device{}, fmt.Errorf("parsing memory.total: %w", err)
	}
	freeMiB, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return Device{}, fmt.Errorf("parsing memory.free: %w", err)
	}

	major, minor := parseComputeCap(fields[5])

	return Device{
		ID:            fmt.Sprintf("gpu_%s", index),
		Name:          name,
		TotalVRAM:     totalMiB * 1024 * 1024,
		AvailableVRAM: freeMiB * 1024 * 1024,
		Available:     true,
		Capabilities: Capabilities{
			ComputeMajor:  major,
			ComputeMinor:  minor,
			DriverVersion: fields[4],
		},
	}, nil
}

func parseComputeCap(s string) (major, minor int) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	return major, minor
}
