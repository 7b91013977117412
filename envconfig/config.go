// Package envconfig centralizes every environment-variable-driven
// setting the orchestrator reads at startup: one getter function per
// variable, defaults baked in, nothing read more than once per call
// (cheap enough to call directly from hot paths without caching).
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Host returns the bind address for the northbound HTTP API.
// Configurable via FORGE_HOST. Default: http://127.0.0.1:8080
func Host() *url.URL {
	defaultPort := "8080"

	s := strings.TrimSpace(Var("FORGE_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	if !ok {
		scheme, hostport = "http", s
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port)}
}

// AllowedOrigins returns the CORS origins the HTTP API accepts, plus
// localhost defaults so a co-located dashboard always works out of the
// box. Configurable via FORGE_ORIGINS (comma separated).
func AllowedOrigins() (origins []string) {
	if s := Var("FORGE_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}
	for _, origin := range []string{"localhost", "127.0.0.1"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}

// LogLevel returns the configured log verbosity.
// Configurable via FORGE_LOG_LEVEL. 0/false=info (default), 1/true=debug, 2=trace.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("FORGE_LOG_LEVEL"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// CacheBudgetBytes is the shared-RAM model cache's total byte budget.
// Configurable via FORGE_CACHE_BUDGET_BYTES. Default: 48 GiB.
var CacheBudgetBytes = Uint64("FORGE_CACHE_BUDGET_BYTES", 48<<30)

// CacheIdleEviction is the age after which a non-resident cache entry
// becomes eligible for Cleanup. Configurable via
// FORGE_CACHE_IDLE_EVICTION (Go duration string, e.g.
// "24h"), falling back to seconds if unparseable as a duration. Default:
// 24 hours.
func CacheIdleEviction() time.Duration {
	if s := Var("FORGE_CACHE_IDLE_EVICTION"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
		slog.Warn("invalid FORGE_CACHE_IDLE_EVICTION, using default", "value", s)
	}
	return 24 * time.Hour
}

// WorkerInterpreterPath is the Python interpreter used to launch worker
// subprocesses. Configurable via FORGE_WORKER_INTERPRETER_PATH. Default:
// "python3".
var WorkerInterpreterPath = StringWithDefault("FORGE_WORKER_INTERPRETER_PATH", "python3")

// WorkerScriptPath is the worker entrypoint script. Configurable via
// FORGE_WORKER_SCRIPT_PATH.
var WorkerScriptPath = StringWithDefault("FORGE_WORKER_SCRIPT_PATH", "worker/main.py")

// WorkerTransport selects the IPC transport: "stdio" or "http".
// Configurable via FORGE_WORKER_TRANSPORT.
var WorkerTransport = StringWithDefault("FORGE_WORKER_TRANSPORT", "stdio")

// WorkerHTTPBasePort is the first port allocated to http-transport
// workers when FORGE_WORKER_TRANSPORT=http. Configurable via
// FORGE_WORKER_HTTP_BASE_PORT. 0 means pick an ephemeral port per worker.
var WorkerHTTPBasePort = Uint("FORGE_WORKER_HTTP_BASE_PORT", 0)

// IPCInactivityTimeoutSeconds overrides the default inactivity timeout in
// the deadlines used for inference calls. Configurable via
// FORGE_IPC_INACTIVITY_TIMEOUT_SEC. 0 means use the transport's built-in
// default. Neither transport enforces the inactivity timeout.
var IPCInactivityTimeoutSeconds = Uint64("FORGE_IPC_INACTIVITY_TIMEOUT_SEC", 0)

// IPCHardTimeoutSeconds overrides the default hard timeout applied to
// inference calls. Configurable via FORGE_IPC_HARD_TIMEOUT_SEC. 0 means
// use the transport's built-in default.
var IPCHardTimeoutSeconds = Uint64("FORGE_IPC_HARD_TIMEOUT_SEC", 0)

// SessionDefaultConcurrencyPerWorker is the number of concurrent
// sessions a worker accepts before new sessions queue. Configurable via
// FORGE_SESSION_CONCURRENCY. Default: 1 (strict FIFO serialization).
var SessionDefaultConcurrencyPerWorker = Uint("FORGE_SESSION_CONCURRENCY", 1)

// MetricsEnabled toggles the Prometheus /metrics endpoint. Configurable
// via FORGE_METRICS_ENABLED.
var MetricsEnabled = Bool("FORGE_METRICS_ENABLED")

// DeviceDiscoveryMode selects how the device registry is seeded at
// startup: "static" (read from FORGE_STATIC_DEVICES) or any other value,
// e.g. "nvidia-smi" (shell out and parse). Configurable via
// FORGE_DEVICE_DISCOVERY.
var DeviceDiscoveryMode = StringWithDefault("FORGE_DEVICE_DISCOVERY", "static")

// StaticDevices is the comma-separated "id:name:total_vram_bytes" triples
// consumed when DeviceDiscoveryMode is "static". Configurable via
// FORGE_STATIC_DEVICES.
var StaticDevices = String("FORGE_STATIC_DEVICES")

// Var returns an environment variable with surrounding quotes and
// whitespace stripped.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
