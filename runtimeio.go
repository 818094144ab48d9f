package npurt

import "github.com/accelrt/npurt/internal/driverclient"

// Tensor is the narrow, framework-agnostic stand-in for the enclosing
// graph framework's tensor container (explicitly out of scope per the
// external-collaborators list): a name, a dtype tag, a shape, and raw
// row-major bytes.
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}

// elemSize returns the per-element byte width for the dtypes this core
// needs to reason about when slicing along the batch axis.
func elemSize(dtype string) int64 {
	switch dtype {
	case "float64", "int64", "uint64":
		return 8
	case "float32", "int32", "uint32":
		return 4
	case "float16", "int16", "uint16":
		return 2
	case "int8", "uint8", "bool":
		return 1
	default:
		return 4
	}
}

// rowBytes returns the byte width of one row (everything but the leading
// dimension) of t.
func rowBytes(shape []int64, dtype string) int64 {
	n := int64(1)
	for _, d := range shape[1:] {
		n *= d
	}
	return n * elemSize(dtype)
}

// RuntimeIO is the per-request descriptor bundling a microbatch's wire
// representation with the driver cookie used to reap it later.
type RuntimeIO struct {
	PrimaryNNID uint32
	Wire        *driverclient.WireIO
	Cookie      uint64
}

// sliceRows returns a Tensor referencing rows [start, start+numRows) of t
// along the leading dimension. The returned Data aliases t.Data; callers
// must not mutate it.
func sliceRows(t Tensor, start, numRows int) Tensor {
	rb := rowBytes(t.Shape, t.DType)
	shape := append([]int64(nil), t.Shape...)
	shape[0] = int64(numRows)
	return Tensor{
		Name:  t.Name,
		DType: t.DType,
		Shape: shape,
		Data:  t.Data[int64(start)*rb : int64(start+numRows)*rb],
	}
}

// padRows builds a fresh K-row tensor: the first availRows rows copied
// from t starting at start, the remaining rows zero-filled.
func padRows(t Tensor, start, availRows, k int) Tensor {
	rb := rowBytes(t.Shape, t.DType)
	shape := append([]int64(nil), t.Shape...)
	shape[0] = int64(k)
	data := make([]byte, int64(k)*rb)
	copy(data, t.Data[int64(start)*rb:int64(start+availRows)*rb])
	return Tensor{Name: t.Name, DType: t.DType, Shape: shape, Data: data}
}

// stitchRows copies numRows rows of src into dst starting at row start.
func stitchRows(dst Tensor, src Tensor, start, numRows int) {
	rb := rowBytes(dst.Shape, dst.DType)
	copy(dst.Data[int64(start)*rb:int64(start+numRows)*rb], src.Data[:int64(numRows)*rb])
}

// zeroTensor allocates a tensor of the given shape/dtype with numRows
// substituted for the leading dimension, all bytes zero.
func zeroTensor(name, dtype string, shape []int64, numRows int) Tensor {
	out := append([]int64(nil), shape...)
	out[0] = int64(numRows)
	rb := rowBytes(out, dtype)
	return Tensor{Name: name, DType: dtype, Shape: out, Data: make([]byte, int64(numRows)*rb)}
}
