// Package constants centralizes the default values and environment
// variable names the npurt core reads at startup.
package constants

// Environment variable names recognised by the core.
const (
	EnvDriverAddress  = "DRIVER_ADDRESS"
	EnvCoreGroupSizes = "CORE_GROUP_SIZES"
	EnvShmMap         = "SHM_MAP"
	EnvProfileDir     = "PROFILE_DIR"
)

// Default configuration values.
const (
	// DefaultDriverAddress is used when DRIVER_ADDRESS is unset.
	DefaultDriverAddress = "unix:/run/driver.sock"

	// MaxNumCores bounds the device manager's device array and the
	// CORE_GROUP_SIZES grammar's integer ranges.
	MaxNumCores = 64

	// DefaultOptDeviceSize is the fallback opt_device_size hint used when
	// building the default grouping policy.
	DefaultOptDeviceSize = 1

	// DefaultMaxNumDuplicates is the fallback advisory duplicate count
	// used when building the default grouping policy.
	DefaultMaxNumDuplicates = 1

	// LoadChunkSize bounds a single artifact upload chunk (1 MiB, per the
	// driver's streaming load header).
	LoadChunkSize = 1 << 20

	// DefaultPerModelTimeoutSeconds is the per-request driver-side
	// execution timeout stamped on every loaded model.
	DefaultPerModelTimeoutSeconds = 10

	// StaticMaxInFlight is max_in_flight for a model with no dynamic
	// batch axis.
	StaticMaxInFlight = 1

	// DynamicMaxInFlight is max_in_flight for a model with at least one
	// dynamic batch axis.
	DynamicMaxInFlight = 4
)
