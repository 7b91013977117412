// config_utils.go holds the generic environment-variable getter
// machinery, shared by config.go and config_features.go.
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a function reading k as a bool, falling back to
// the caller-supplied default when unset or unparseable.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				slog.Warn("invalid environment variable, using default", "key", k, "value", s, "default", defaultValue)
				return defaultValue
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a function reading k as a bool, defaulting to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String returns a function reading s as a raw string.
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// StringWithDefault returns a function reading k as a string, falling
// back to defaultValue when unset.
func StringWithDefault(k, defaultValue string) func() string {
	return func() string {
		if s := Var(k); s != "" {
			return s
		}
		return defaultValue
	}
}

// Uint returns a function reading key as a uint, defaulting to
// defaultValue when unset or unparseable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a function reading key as a uint64, defaulting to
// defaultValue when unset or unparseable.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar pairs a variable's name, current value and a human description,
// for AsMap/Values introspection (e.g. a `version`/`config` CLI command).
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration knob this package exposes, with its
// live value and a one-line description.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"FORGE_HOST":                      {"FORGE_HOST", Host(), "bind address for the northbound HTTP API"},
		"FORGE_ORIGINS":                   {"FORGE_ORIGINS", AllowedOrigins(), "comma separated list of allowed CORS origins"},
		"FORGE_LOG_LEVEL":                 {"FORGE_LOG_LEVEL", LogLevel(), "log verbosity: 0/false=info, 1/true=debug, 2=trace"},
		"FORGE_CACHE_BUDGET_BYTES":        {"FORGE_CACHE_BUDGET_BYTES", CacheBudgetBytes(), "shared-RAM model cache budget, in bytes"},
		"FORGE_CACHE_IDLE_EVICTION":       {"FORGE_CACHE_IDLE_EVICTION", CacheIdleEviction(), "age after which a non-resident cache entry is evicted"},
		"FORGE_WORKER_INTERPRETER_PATH":   {"FORGE_WORKER_INTERPRETER_PATH", WorkerInterpreterPath(), "python interpreter used to launch worker subprocesses"},
		"FORGE_WORKER_SCRIPT_PATH":        {"FORGE_WORKER_SCRIPT_PATH", WorkerScriptPath(), "path to the worker entrypoint script"},
		"FORGE_WORKER_TRANSPORT":          {"FORGE_WORKER_TRANSPORT", WorkerTransport(), "worker IPC transport: stdio or http"},
		"FORGE_WORKER_HTTP_BASE_PORT":     {"FORGE_WORKER_HTTP_BASE_PORT", WorkerHTTPBasePort(), "first port allocated to http-transport workers"},
		"FORGE_IPC_INACTIVITY_TIMEOUT_SEC": {"FORGE_IPC_INACTIVITY_TIMEOUT_SEC", IPCInactivityTimeoutSeconds(), "inactivity timeout, in seconds, for inference calls (not enforced by either transport)"},
		"FORGE_IPC_HARD_TIMEOUT_SEC":      {"FORGE_IPC_HARD_TIMEOUT_SEC", IPCHardTimeoutSeconds(), "absolute ceiling, in seconds, on any single inference IPC call"},
		"FORGE_SESSION_CONCURRENCY":       {"FORGE_SESSION_CONCURRENCY", SessionDefaultConcurrencyPerWorker(), "default concurrent sessions accepted per worker"},
		"FORGE_METRICS_ENABLED":           {"FORGE_METRICS_ENABLED", MetricsEnabled(), "expose Prometheus metrics on the HTTP API"},
		"FORGE_DEVICE_DISCOVERY":          {"FORGE_DEVICE_DISCOVERY", DeviceDiscoveryMode(), "device enumeration mode: static or nvidia-smi"},
		"FORGE_STATIC_DEVICES":            {"FORGE_STATIC_DEVICES", StaticDevices(), "id:name:total_vram_bytes triples used when discovery mode is static"},

		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}
}

// Values flattens AsMap down to name -> stringified value, for logging
// the effective configuration once at startup.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
