// config_features.go holds optional feature flags and host-environment
// passthrough variables that don't fit config.go's core settings.
package envconfig

// =============================================================================
// Feature flags
// =============================================================================

var (
	// AutoBalanceEnabled gates whether the pool's advisory auto_balance
	// pass runs on a timer; the operation itself is always callable on
	// demand regardless of this flag.
	AutoBalanceEnabled = BoolWithDefault("FORGE_AUTO_BALANCE_ENABLED")

	// SuiteValidationStrict rejects suite_cache calls in which a
	// component file's size-based classification doesn't match the class
	// expected for its suite role (cache.ValidateSuite). When unset, no
	// such check runs.
	SuiteValidationStrict = Bool("FORGE_SUITE_VALIDATION_STRICT")

	// BatchLoadParallel controls whether batch_load fans out across GPUs
	// concurrently by default.
	BatchLoadParallel = BoolWithDefault("FORGE_BATCH_LOAD_PARALLEL")
)

// =============================================================================
// GPU visibility passthrough
// =============================================================================

var (
	// CudaVisibleDevices, when set, overrides the pool's launcher's default
	// per-worker CUDA_VISIBLE_DEVICES value (normally derived from the
	// device id itself) with this fixed string for every worker subprocess
	// it starts. Meant for containerized deployments where the container
	// runtime has already pre-filtered which physical GPUs are visible, so
	// the orchestrator's own device ids no longer line up with CUDA
	// indices (pool.ProcessLauncher).
	CudaVisibleDevices = String("CUDA_VISIBLE_DEVICES")
)
