package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/sdxlforge/orchestrator/device"
	"github.com/sdxlforge/orchestrator/envconfig"
	"github.com/sdxlforge/orchestrator/ipc"
)

// ProcessLauncherConfig configures how a worker subprocess is started.
// Grounded on llm/server_runner.go's StartRunner argument list and
// x/imagegen/server.go's NewServer: an interpreter, a script, and an
// environment assembled per target device.
type ProcessLauncherConfig struct {
	// InterpreterPath is the Python binary, e.g. "python3" or a venv path.
	InterpreterPath string
	// ScriptPath is the worker entrypoint script.
	ScriptPath string
	// Transport selects "stdio" or "http".
	Transport string
	// HTTPBasePort is the first port used for http transport workers; each
	// subsequent device gets BasePort+index.
	HTTPBasePort int
	// StartupTimeout bounds how long HTTP workers get to come up.
	StartupTimeout time.Duration
}

// ProcessLauncher spawns one worker subprocess per device and wraps it in
// the configured Transport. It is the production Launcher; tests use a
// fake that skips the subprocess entirely.
type ProcessLauncher struct {
	cfg       ProcessLauncherConfig
	httpIndex int
}

// NewProcessLauncher builds a ProcessLauncher from cfg.
func NewProcessLauncher(cfg ProcessLauncherConfig) *ProcessLauncher {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &ProcessLauncher{cfg: cfg}
}

// Launch starts the worker process bound to d and returns a ready-to-use
// (but not yet Initialize'd) Transport.
func (l *ProcessLauncher) Launch(ctx context.Context, d device.Device) (ipc.Transport, error) {
	switch l.cfg.Transport {
	case "", "stdio":
		return l.launchStdio(d)
	case "http":
		return l.launchHTTP(ctx, d)
	default:
		return nil, fmt.Errorf("pool: unknown transport %q", l.cfg.Transport)
	}
}

func (l *ProcessLauncher) launchStdio(d device.Device) (ipc.Transport, error) {
	cmd := exec.Command(l.cfg.InterpreterPath, l.cfg.ScriptPath, "--device", d.ID)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%s", cudaVisibleDevicesFor(d.ID)))
	setPlatformProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: worker stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: worker stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: starting worker for %s: %w", d.ID, err)
	}

	logLine := func(line string) {
		slog.Info("worker stderr", "device", d.ID, "line", line)
	}
	return ipc.NewStdioTransport(cmd, stdin, stdout, stderr, logLine), nil
}

func (l *ProcessLauncher) launchHTTP(ctx context.Context, d device.Device) (ipc.Transport, error) {
	var port int
	if l.cfg.HTTPBasePort == 0 {
		p, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("pool: picking a port for %s: %w", d.ID, err)
		}
		port = p
	} else {
		port = l.cfg.HTTPBasePort + l.httpIndex
		l.httpIndex++
	}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(l.cfg.InterpreterPath, l.cfg.ScriptPath,
		"--device", d.ID, "--port", strconv.Itoa(port), "--bind", "127.0.0.1")
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%s", cudaVisibleDevicesFor(d.ID)))
	setPlatformProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: starting worker for %s: %w", d.ID, err)
	}

	transport := ipc.NewHTTPTransport(baseURL)
	if err := transport.WaitUntilRunning(ctx, l.cfg.StartupTimeout); err != nil {
		_ = killProcess(cmd)
		return nil, fmt.Errorf("pool: worker for %s never came up: %w", d.ID, err)
	}
	return transport, nil
}

// cudaVisibleDevicesFor picks the CUDA_VISIBLE_DEVICES value for a
// worker subprocess bound to deviceID: envconfig.CudaVisibleDevices(),
// when an operator has set one, overrides the default per-device index
// derivation for every worker alike.
func cudaVisibleDevicesFor(deviceID string) string {
	if v := envconfig.CudaVisibleDevices(); v != "" {
		return v
	}
	return deviceIndex(deviceID)
}

func deviceIndex(deviceID string) string {
	const prefix = "gpu_"
	if len(deviceID) > len(prefix) && deviceID[:len(prefix)] == prefix {
		return deviceID[len(prefix):]
	}
	return deviceID
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// freePort is a test/bootstrap helper for picking an ephemeral port when
// no explicit HTTPBasePort is configured.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
