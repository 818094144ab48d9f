package npurt

import "github.com/accelrt/npurt/internal/constants"

// Re-exported defaults; see internal/constants for the full set consumed
// by the policy grammar, the device manager and the operator.
const (
	DefaultDriverAddress    = constants.DefaultDriverAddress
	MaxNumCores             = constants.MaxNumCores
	LoadChunkSize           = constants.LoadChunkSize
	DefaultPerModelTimeout  = constants.DefaultPerModelTimeoutSeconds
	StaticMaxInFlight       = constants.StaticMaxInFlight
	DynamicMaxInFlight      = constants.DynamicMaxInFlight
	DefaultOptDeviceSize    = constants.DefaultOptDeviceSize
	DefaultMaxNumDuplicates = constants.DefaultMaxNumDuplicates
)
