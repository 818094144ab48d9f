// Package policy parses the CORE_GROUP_SIZES grouping policy and, failing
// that, derives a sensible default from an operator-supplied size hint.
package policy

import (
	"strconv"
	"strings"

	"github.com/accelrt/npurt/internal/constants"
	"github.com/accelrt/npurt/internal/logging"
)

// Group is one device's worth of policy: the number of cores requested
// per execution group, and how many duplicate EGs to create.
type Group struct {
	Size        int
	Multiplicity int
}

// Parse parses the grammar:
//
//	spec      := group ("," group)*
//	group     := [multiplicity "x"] size
//	multiplicity, size := integer in [0, MAX_NUM_CORES]
//
// Surrounding brackets are stripped if present. Malformed input discards
// the whole policy (returns nil, false) so the caller can fall back to
// the default policy; this mirrors the device manager's "one bad group
// poisons the policy" behavior rather than partially honoring it.
func Parse(spec string, logger *logging.Logger) ([]Group, bool) {
	if logger == nil {
		logger = logging.Default()
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, false
	}
	spec = strings.TrimPrefix(spec, "[")
	spec = strings.TrimSuffix(spec, "]")
	if spec == "" {
		return nil, false
	}

	var groups []Group
	for _, rawGroup := range strings.Split(spec, ",") {
		rawGroup = strings.TrimSpace(rawGroup)
		if rawGroup == "" {
			logger.Warn("CORE_GROUP_SIZES has an empty group", "spec", spec)
			return nil, false
		}

		multiplicity := 1
		sizePart := rawGroup
		if idx := strings.Index(rawGroup, "x"); idx >= 0 {
			multPart := strings.TrimSpace(rawGroup[:idx])
			sizePart = strings.TrimSpace(rawGroup[idx+1:])
			m, err := strconv.Atoi(multPart)
			if err != nil || m < 0 || m > constants.MaxNumCores {
				logger.Warn("CORE_GROUP_SIZES has an invalid multiplicity", "group", rawGroup)
				return nil, false
			}
			multiplicity = m
		}

		size, err := strconv.Atoi(sizePart)
		if err != nil || size < 0 || size > constants.MaxNumCores {
			logger.Warn("CORE_GROUP_SIZES has an invalid size", "group", rawGroup)
			return nil, false
		}

		groups = append(groups, Group{Size: size, Multiplicity: multiplicity})
	}

	if len(groups) == 0 {
		return nil, false
	}
	return groups, true
}

// Default builds a policy from an operator-supplied device-size hint and
// an advisory maximum duplicate count, used when CORE_GROUP_SIZES is
// absent or malformed. It spreads MaxNumCores across devices of the
// requested size and gives every device maxNumDuplicates duplicates,
// capped at the number of devices.
func Default(optDeviceSize, maxNumDuplicates int) []Group {
	if optDeviceSize <= 0 {
		optDeviceSize = constants.DefaultOptDeviceSize
	}
	if optDeviceSize > constants.MaxNumCores {
		optDeviceSize = constants.MaxNumCores
	}
	if maxNumDuplicates <= 0 {
		maxNumDuplicates = constants.DefaultMaxNumDuplicates
	}

	numDevices := constants.MaxNumCores / optDeviceSize
	if numDevices == 0 {
		numDevices = 1
	}

	duplicates := maxNumDuplicates
	if duplicates > numDevices {
		duplicates = numDevices
	}
	if duplicates < 1 {
		duplicates = 1
	}

	groups := make([]Group, 0, numDevices)
	for i := 0; i < numDevices; i++ {
		groups = append(groups, Group{Size: optDeviceSize, Multiplicity: duplicates})
	}
	return groups
}
