package npurt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/accelrt/npurt/internal/shm"
)

func newTestOperator(t *testing.T, mock *MockDriverClient, cfg OperatorConfig) *Operator {
	t.Helper()
	m := NewDeviceManager(mock)
	dev, err := NewDevice(context.Background(), 0, mock, 1, 1, nil, nil, nil)
	require.NoError(t, err)
	m.devices = append(m.devices, dev)
	return NewOperator(m, cfg, nil, nil)
}

func floatsToBytes(rows, cols int) []byte {
	// 4 bytes per float32 element; content does not matter for these
	// tests since MockDriverClient echoes bytes back unexamined.
	data := make([]byte, rows*cols*4)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func baseCfg() OperatorConfig {
	return OperatorConfig{
		Artifact:        []byte("artifact"),
		InputNames:      []string{"x"},
		InputDTypes:     []string{"float32"},
		InputShapes:     [][]int64{{2, 8}},
		InputBatchAxis:  []int{0},
		OutputNames:     []string{"y"},
		OutputDTypes:    []string{"float32"},
		OutputShapes:    [][]int64{{2, 4}},
		OutputBatchAxis: []int{0},
		DeviceIndex:     -1,
	}
}

func TestOperatorSingleRequestNoBatching(t *testing.T) {
	mock := NewMockDriverClient()
	op := newTestOperator(t, mock, baseCfg())

	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{2, 8}, Data: floatsToBytes(2, 8)}}
	outputs, err := op.Compute(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, []int64{2, 4}, outputs[0].Shape)
	require.Equal(t, 1, mock.CallCounts()["Infer"])
	require.Equal(t, 0, mock.CallCounts()["InferPost"])
}

func TestOperatorExactMultipleBatchSplit(t *testing.T) {
	mock := NewMockDriverClient()
	op := newTestOperator(t, mock, baseCfg())

	// B=4, K=2 -> two micro-batches. Batch axis 0 on the input is a
	// dynamic batch axis, so max_in_flight=4 and both posts go out up
	// front.
	cfg := baseCfg()
	cfg.InputBatchAxis = []int{0}
	op = newTestOperator(t, mock, cfg)

	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{4, 8}, Data: floatsToBytes(4, 8)}}
	outputs, err := op.Compute(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, []int64{4, 4}, outputs[0].Shape)
	require.Equal(t, 2, mock.CallCounts()["InferPost"])
	require.Equal(t, 2, mock.CallCounts()["InferWait"])
}

func TestOperatorNonMultipleBatchSplitPads(t *testing.T) {
	mock := NewMockDriverClient()
	op := newTestOperator(t, mock, baseCfg())

	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{5, 8}, Data: floatsToBytes(5, 8)}}
	outputs, err := op.Compute(context.Background(), inputs)
	require.NoError(t, err)
	require.Equal(t, int64(5), outputs[0].Shape[0])
	require.Equal(t, 3, mock.CallCounts()["InferPost"]) // ceil(5/2) = 3 micro-batches
}

func TestOperatorShapeMismatchRejected(t *testing.T) {
	mock := NewMockDriverClient()
	op := newTestOperator(t, mock, baseCfg())

	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{2, 99}, Data: floatsToBytes(2, 99)}}
	_, err := op.Compute(context.Background(), inputs)
	require.Error(t, err)
}

// identityCfg declares identical input/output shape and dtype so the
// mock's echo is a byte-for-byte identity mapping: any divergence in the
// result can only come from the operator's own batch-split/stitch math,
// not from the mock inventing content.
func identityCfg(k int) OperatorConfig {
	return OperatorConfig{
		Artifact:        []byte("artifact"),
		InputNames:      []string{"x"},
		InputDTypes:     []string{"float32"},
		InputShapes:     [][]int64{{int64(k), 8}},
		InputBatchAxis:  []int{0},
		OutputNames:     []string{"x"},
		OutputDTypes:    []string{"float32"},
		OutputShapes:    [][]int64{{int64(k), 8}},
		OutputBatchAxis: []int{0},
		DeviceIndex:     -1,
	}
}

// markedBytes builds rows*cols float32 elements where every row's first
// byte is a distinct non-zero marker (row index + 1) and every other
// byte is zero, so a stitched result can be checked both for row
// identity (marker lands at the right offset) and for padding leakage
// (every non-marker byte stays zero).
func markedBytes(rows, cols int) []byte {
	rowSize := cols * 4
	data := make([]byte, rows*rowSize)
	for r := 0; r < rows; r++ {
		data[r*rowSize] = byte(r + 1)
	}
	return data
}

func TestOperatorBatchStitchingPreservesRowIdentity(t *testing.T) {
	mock := NewMockDriverClient()
	op := newTestOperator(t, mock, identityCfg(2))

	const b = 5 // non-multiple of k=2: exercises both stitching and pad-truncation
	input := markedBytes(b, 8)
	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{int64(b), 8}, Data: append([]byte(nil), input...)}}

	outputs, err := op.Compute(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, []int64{int64(b), 8}, outputs[0].Shape)
	require.Equal(t, input, outputs[0].Data, "stitched output must be bitwise identical to the row-for-row reconstruction, with no padding leaking through")
}

func TestOperatorSharedMemoryRoundTrip(t *testing.T) {
	mock := NewMockDriverClient()
	pool := shm.NewPool(mock, "test-session", nil)
	dev, err := NewDevice(context.Background(), 0, mock, 1, 1, pool, nil, nil)
	require.NoError(t, err)

	m := NewDeviceManager(mock)
	m.devices = append(m.devices, dev)
	op := NewOperator(m, identityCfg(2), nil, nil)

	const b = 4 // exact multiple of k=2, pipelined across two posts
	input := markedBytes(b, 8)
	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{int64(b), 8}, Data: append([]byte(nil), input...)}}

	outputs, err := op.Compute(context.Background(), inputs)
	require.NoError(t, err)
	require.Equal(t, input, outputs[0].Data)

	counts := mock.CallCounts()
	require.Greater(t, counts["ShmMap"], 0, "operator must drive inference through the shared-memory pool, not only inline transport")
}

func TestOperatorInlineTransportWhenNoSharedMemory(t *testing.T) {
	mock := NewMockDriverClient()
	op := newTestOperator(t, mock, baseCfg())
	require.Nil(t, op.shmPool())

	inputs := []Tensor{{Name: "x", DType: "float32", Shape: []int64{2, 8}, Data: floatsToBytes(2, 8)}}
	_, err := op.Compute(context.Background(), inputs)
	require.NoError(t, err)
	require.Equal(t, 0, mock.CallCounts()["ShmMap"])
}
