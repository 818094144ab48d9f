package npurt

import "time"

// ModelEntry is the state for one loaded artifact on a device: a primary
// id used to name the model externally, one sibling nn_id per execution
// group in a duplicated deployment, and the round-robin cursor used to
// spread dispatch across siblings.
type ModelEntry struct {
	PrimaryNNID uint32
	Siblings    []uint32
	Cursor      int

	ProfileEnabled bool
	Timeout        time.Duration
	MaxInFlight    int

	InputNames     []string
	InputDTypes    []string
	InputShapes    [][]int64
	InputBatchAxis []int

	OutputNames     []string
	OutputDTypes    []string
	OutputShapes    [][]int64
	OutputBatchAxis []int
}

// activeSibling returns the next sibling nn_id in round-robin order and
// advances the cursor. Callers must hold the owning device's mutex.
func (m *ModelEntry) activeSibling() uint32 {
	if len(m.Siblings) == 0 {
		return m.PrimaryNNID
	}
	nn := m.Siblings[m.Cursor]
	m.Cursor = (m.Cursor + 1) % len(m.Siblings)
	return nn
}
