package npurt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/accelrt/npurt/internal/constants"
	"github.com/accelrt/npurt/internal/driverclient"
	"github.com/accelrt/npurt/internal/logging"
	"github.com/accelrt/npurt/internal/shm"
)

// OperatorConfig carries the attributes consumed from the enclosing
// graph framework at construction: the compiled artifact and the
// expected input/output metadata. Compute validates incoming tensors
// against InputShapes/InputBatchAxis and stitches results according to
// OutputShapes/OutputBatchAxis.
type OperatorConfig struct {
	OpName   string // used to mangle profile artifact filenames
	Artifact []byte
	GraphDef []byte // serialised subgraph; only used for profile dumps

	InputNames     []string
	InputDTypes    []string
	InputShapes    [][]int64
	InputBatchAxis []int

	OutputNames     []string
	OutputDTypes    []string
	OutputShapes    [][]int64
	OutputBatchAxis []int

	// OptDeviceSize and MaxNumDuplicates are this operator's hints for
	// the device manager's default grouping policy. They only take
	// effect if this operator's ApplyForDevice call is the one that
	// triggers the manager's lazy initialization; a manager already
	// initialised (by an earlier operator, or by env-derived
	// CORE_GROUP_SIZES) ignores them.
	OptDeviceSize    int
	MaxNumDuplicates int
	DeviceIndex      int
	ProfileEnabled   bool
}

// outputSlot is one pipeline position's worth of reusable output
// buffers, preallocated once in lazyInit and reused across every
// Compute call: shared memory backed when the pool is valid, falling
// back to inline wire transport otherwise. Ownership of a slot at any
// moment is arbitrated by the operator's admission semaphore, whose
// slot indices this type is keyed by.
type outputSlot struct {
	bufs []*shm.SharedMemoryBuffer // nil entry i means output i is transported inline
}

// Operator is the per-graph-node stateful handler (C8): it drives one
// compiled model across its lifetime, splitting oversized requests into
// fixed-size micro-batches and pipelining them through the claimed
// device's infer_post/infer_wait pair.
type Operator struct {
	manager *DeviceManager

	cfg OperatorConfig

	mu          sync.Mutex
	initialized bool
	device      *Device
	primaryNNID uint32
	maxInFlight int
	timeout     time.Duration
	sem         *admissionSemaphore
	outputSlots []outputSlot
	artifact    []byte

	profileDir string
	profileSeq atomic.Uint64

	logger  *logging.Logger
	metrics *Metrics
}

// NewOperator constructs an uninitialised operator; the device claim and
// artifact load happen lazily on the first Compute call.
func NewOperator(manager *DeviceManager, cfg OperatorConfig, logger *logging.Logger, metrics *Metrics) *Operator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Operator{
		manager:  manager,
		cfg:      cfg,
		artifact: cfg.Artifact,
		logger:   logger,
		metrics:  metrics,
	}
}

func hasDynamicBatchAxis(batchAxis []int) bool {
	for _, a := range batchAxis {
		if a == 0 {
			return true
		}
	}
	return false
}

// lazyInit claims a device, uploads the artifact, preallocates the
// pipeline's reusable output buffers, builds the admission semaphore,
// and arms the profiler hook. Runs under op.mu so concurrent first calls
// to Compute only initialise once.
func (op *Operator) lazyInit(ctx context.Context) error {
	if op.initialized {
		return nil
	}

	dev, err := op.manager.ApplyForDevice(ctx, op.cfg.OptDeviceSize, op.cfg.MaxNumDuplicates, op.cfg.DeviceIndex)
	if err != nil {
		return WrapError("ApplyForDevice", err)
	}

	timeout := time.Duration(constants.DefaultPerModelTimeoutSeconds) * time.Second
	dynamic := hasDynamicBatchAxis(op.cfg.InputBatchAxis) || hasDynamicBatchAxis(op.cfg.OutputBatchAxis)
	maxInFlight := constants.StaticMaxInFlight
	if dynamic {
		maxInFlight = constants.DynamicMaxInFlight
	}

	nnID, err := dev.Load(ctx, op.artifact, timeout, maxInFlight, op.cfg.ProfileEnabled)
	if err != nil {
		return WrapError("Load", err)
	}

	op.device = dev
	op.primaryNNID = nnID
	op.maxInFlight = maxInFlight
	op.timeout = timeout
	op.sem = newAdmissionSemaphore(maxInFlight)
	op.preallocateOutputSlots(ctx)

	if dir := os.Getenv(constants.EnvProfileDir); dir != "" {
		op.profileDir = dir
		op.dumpProfileArtifacts(dir)
	}

	op.artifact = nil
	op.initialized = true
	return nil
}

// preallocateOutputSlots builds op.maxInFlight sets of per-output
// buffers, one per pipeline position, each sized to the compiled
// micro-batch's output row count. Shared-memory backed when the pool is
// valid; an unallocated entry falls back to inline wire transport. These
// are never returned to the pool's free-list — they live for the
// operator's lifetime and are reused, not reallocated, on every call.
func (op *Operator) preallocateOutputSlots(ctx context.Context) {
	op.outputSlots = make([]outputSlot, op.maxInFlight)
	pool := op.shmPool()
	for s := range op.outputSlots {
		slot := outputSlot{bufs: make([]*shm.SharedMemoryBuffer, len(op.cfg.OutputNames))}
		for i := range op.cfg.OutputNames {
			size := int(rowBytes(op.cfg.OutputShapes[i], op.cfg.OutputDTypes[i]) * op.cfg.OutputShapes[i][0])
			if pool == nil || pool.Invalid() {
				continue
			}
			if buf, err := pool.Allocate(ctx, size); err == nil && buf != nil {
				slot.bufs[i] = buf
			}
		}
		op.outputSlots[s] = slot
	}
}

// dumpProfileArtifacts writes the compiled artifact and the serialised
// subgraph to dir, named per the mangled op name. Failures degrade to a
// log line; profiling is diagnostic, never load-bearing.
func (op *Operator) dumpProfileArtifacts(dir string) {
	ensureProfilerPathConfigured()
	mangled := mangleOpName(op.cfg.OpName)
	if err := os.WriteFile(filepath.Join(dir, mangled+".neff"), op.artifact, 0o644); err != nil {
		op.logger.Warn("profile dump of compiled artifact failed", "op", op.cfg.OpName, "error", err.Error())
	}
	if err := os.WriteFile(filepath.Join(dir, mangled+".pb"), op.cfg.GraphDef, 0o644); err != nil {
		op.logger.Warn("profile dump of graph def failed", "op", op.cfg.OpName, "error", err.Error())
	}
}

func mangleOpName(name string) string {
	return strings.ReplaceAll(name, "/", "+")
}

var profilerPathOnce sync.Once

// ensureProfilerPathConfigured appends the profiler toolchain's bin
// directory to PATH, once per process, the first time profiling is used.
func ensureProfilerPathConfigured() {
	profilerPathOnce.Do(func() {
		os.Setenv("PATH", os.Getenv("PATH")+":/opt/accel/bin")
	})
}

// validateShapes checks every input against the stored shape/dtype
// metadata and returns the common batch size B. Inputs whose batch axis
// is 0 (an input with no batch-axis entry counts as 0) must agree on B
// and must otherwise match the stored shape exactly; inputs with a
// non-zero batch axis must match the stored shape in full.
func (op *Operator) validateShapes(inputs []Tensor) (int, error) {
	if len(inputs) != len(op.cfg.InputShapes) {
		return 0, NewError("validateShapes", codes.InvalidArgument, "input count mismatch")
	}

	b := -1
	for i, in := range inputs {
		expected := op.cfg.InputShapes[i]
		batchAxis := 0
		if i < len(op.cfg.InputBatchAxis) {
			batchAxis = op.cfg.InputBatchAxis[i]
		}

		if len(in.Shape) != len(expected) {
			return 0, NewError("validateShapes", codes.InvalidArgument, "rank mismatch on input "+op.cfg.InputNames[i])
		}

		if batchAxis == 0 {
			for d := 1; d < len(expected); d++ {
				if in.Shape[d] != expected[d] {
					return 0, NewError("validateShapes", codes.InvalidArgument, "shape mismatch on input "+op.cfg.InputNames[i])
				}
			}
			if b == -1 {
				b = int(in.Shape[0])
			} else if int(in.Shape[0]) != b {
				return 0, NewError("validateShapes", codes.InvalidArgument, "batch size mismatch across inputs")
			}
		} else {
			for d := range expected {
				if in.Shape[d] != expected[d] {
					return 0, NewError("validateShapes", codes.InvalidArgument, "shape mismatch on non-batched input "+op.cfg.InputNames[i])
				}
			}
		}
	}

	if b == -1 {
		// No batched input: fall back to the compiled model's own size.
		b = op.compiledBatchSize()
	}
	if b <= 0 {
		return 0, NewError("validateShapes", codes.InvalidArgument, "non-positive batch size")
	}
	return b, nil
}

// compiledBatchSize returns K, the leading dimension stored for the
// first input whose batch axis is 0 (falling back to 1 if every input is
// static).
func (op *Operator) compiledBatchSize() int {
	for i, shape := range op.cfg.InputShapes {
		batchAxis := 0
		if i < len(op.cfg.InputBatchAxis) {
			batchAxis = op.cfg.InputBatchAxis[i]
		}
		if batchAxis == 0 {
			return int(shape[0])
		}
	}
	return 1
}

// Compute is the operator's single externally visible entry point: lazy
// initialisation on first call, shape validation, then either a single
// synchronous inference or a pipelined, padded, batch-split one. When
// the profiler hook is armed, the whole call is wrapped in a guarded
// subprocess per §4.5.
func (op *Operator) Compute(ctx context.Context, inputs []Tensor) ([]Tensor, error) {
	op.mu.Lock()
	if err := op.lazyInit(ctx); err != nil {
		op.mu.Unlock()
		return nil, err
	}
	device, primaryNNID, sem, profileDir := op.device, op.primaryNNID, op.sem, op.profileDir
	op.mu.Unlock()

	b, err := op.validateShapes(inputs)
	if err != nil {
		return nil, err
	}
	k := op.compiledBatchSize()

	run := func() ([]Tensor, error) {
		if b == k {
			return op.runSingle(ctx, device, primaryNNID, sem, inputs, b)
		}
		return op.runBatched(ctx, device, primaryNNID, sem, inputs, b, k)
	}
	if profileDir == "" {
		return run()
	}
	return op.runProfiled(ctx, primaryNNID, run)
}

// runProfiled spawns a profiler subprocess around one infer per §4.5's
// "guarded fork+exec+waitpid" description, using os/exec's
// Start/Wait in place of raw fork+exec+waitpid. Subprocess failures are
// logged and never propagate to the caller.
func (op *Operator) runProfiled(ctx context.Context, nnID uint32, run func() ([]Tensor, error)) ([]Tensor, error) {
	session := op.profileSeq.Add(1)
	mangled := mangleOpName(op.cfg.OpName)
	sessionFile := filepath.Join(op.profileDir, fmt.Sprintf("%s-%d-%d.ipd", mangled, nnID, session))

	cmd := exec.CommandContext(ctx, "accel-profiler", sessionFile)
	started := cmd.Start() == nil
	if !started {
		op.logger.Warn("profiler subprocess failed to start; continuing unprofiled", "op", op.cfg.OpName)
	}

	outputs, err := run()

	if started {
		if werr := cmd.Wait(); werr != nil {
			op.logger.Warn("profiler subprocess exited with error", "op", op.cfg.OpName, "error", werr.Error())
		}
	}
	return outputs, err
}

func (op *Operator) allocateOutputs(b int) []Tensor {
	outputs := make([]Tensor, len(op.cfg.OutputNames))
	for i, name := range op.cfg.OutputNames {
		dtype := op.cfg.OutputDTypes[i]
		shape := op.cfg.OutputShapes[i]
		rows := b
		if i < len(op.cfg.OutputBatchAxis) && op.cfg.OutputBatchAxis[i] != 0 {
			rows = int(shape[0])
		}
		outputs[i] = zeroTensor(name, dtype, shape, rows)
	}
	return outputs
}

// runSingle claims a pipeline slot from the admission semaphore (so its
// output buffers never alias a concurrently in-flight request's) and
// runs one synchronous infer.
func (op *Operator) runSingle(ctx context.Context, device *Device, primaryNNID uint32, sem *admissionSemaphore, inputs []Tensor, b int) ([]Tensor, error) {
	slot, err := sem.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sem.Release(slot)

	start := time.Now()
	wire, inputBufs := op.buildWireIO(ctx, inputs, &op.outputSlots[slot])
	out, err := device.Infer(ctx, primaryNNID, wire)
	op.freeInputBufs(inputBufs)
	if op.metrics != nil {
		op.metrics.RecordInfer(uint64(b), uint64(time.Since(start)), err == nil)
	}
	if err != nil {
		return nil, err
	}
	return op.wireToTensors(out, &op.outputSlots[slot], b), nil
}

func (op *Operator) runBatched(ctx context.Context, device *Device, primaryNNID uint32, sem *admissionSemaphore, inputs []Tensor, b, k int) ([]Tensor, error) {
	numBatches := (b + k - 1) / k
	outputs := op.allocateOutputs(b)

	start := 0
	for start < numBatches {
		end := start + op.maxInFlight
		if end > numBatches {
			end = numBatches
		}
		if op.metrics != nil {
			op.metrics.RecordInFlightDepth(uint32(end - start))
		}

		cookies := make([]uint64, end-start)
		slots := make([]int, end-start)
		pending := make([][]*shm.SharedMemoryBuffer, end-start)
		postedAt := make([]time.Time, end-start)
		for i := start; i < end; i++ {
			slot, err := sem.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			microBatch := op.sliceMicroBatch(inputs, i, k, b)
			wire, inputBufs := op.buildWireIO(ctx, microBatch, &op.outputSlots[slot])
			postedAt[i-start] = time.Now()
			cookie, err := device.InferPost(ctx, primaryNNID, wire)
			if err != nil {
				sem.Release(slot)
				op.freeInputBufs(inputBufs)
				return nil, err
			}
			cookies[i-start] = cookie
			slots[i-start] = slot
			pending[i-start] = inputBufs
		}

		for i := start; i < end; i++ {
			out, err := device.InferWait(ctx, cookies[i-start])
			op.freeInputBufs(pending[i-start])
			slot := slots[i-start]
			sem.Release(slot)

			rows := k
			if i == numBatches-1 {
				last := b - (numBatches-1)*k
				if last > 0 {
					rows = last
				}
			}
			if op.metrics != nil {
				op.metrics.RecordInfer(uint64(rows), uint64(time.Since(postedAt[i-start])), err == nil)
			}
			if err != nil {
				return nil, err
			}

			result := op.wireToTensors(out, &op.outputSlots[slot], rows)
			for oi := range outputs {
				if oi < len(op.cfg.OutputBatchAxis) && op.cfg.OutputBatchAxis[oi] != 0 {
					continue
				}
				stitchRows(outputs[oi], result[oi], i*k, rows)
			}
		}
		start = end
	}
	return outputs, nil
}

// sliceMicroBatch builds the i-th K-row window of a batch-split request:
// batched inputs are sliced (and the last window zero-padded), static
// inputs are passed by reference unchanged.
func (op *Operator) sliceMicroBatch(inputs []Tensor, i, k, b int) []Tensor {
	out := make([]Tensor, len(inputs))
	rowStart := i * k
	for idx, in := range inputs {
		batchAxis := 0
		if idx < len(op.cfg.InputBatchAxis) {
			batchAxis = op.cfg.InputBatchAxis[idx]
		}
		if batchAxis != 0 {
			out[idx] = in
			continue
		}
		avail := b - rowStart
		if avail >= k {
			out[idx] = sliceRows(in, rowStart, k)
		} else {
			out[idx] = padRows(in, rowStart, avail, k)
		}
	}
	return out
}

// buildWireIO converts a microbatch of Tensors into the wire shape,
// using the shared-memory pool for inputs when one is available and
// valid (falling back to inline payload otherwise, component C2
// integration, §8 scenario 6), and referencing slot's preallocated
// buffers for outputs. Returns the input buffers the caller must free
// (via freeInputBufs) only once the matching infer/infer_wait completes
// — freeing any earlier would let a concurrent allocation of the same
// size reuse the identical mapping before the driver has read it.
func (op *Operator) buildWireIO(ctx context.Context, inputs []Tensor, slot *outputSlot) (*driverclient.WireIO, []*shm.SharedMemoryBuffer) {
	wire := &driverclient.WireIO{}
	var inputBufs []*shm.SharedMemoryBuffer
	for _, t := range inputs {
		wb, buf := op.toWireBuffer(ctx, t)
		wire.Inputs = append(wire.Inputs, wb)
		if buf != nil {
			inputBufs = append(inputBufs, buf)
		}
	}
	for i, name := range op.cfg.OutputNames {
		size := rowBytes(op.cfg.OutputShapes[i], op.cfg.OutputDTypes[i]) * op.cfg.OutputShapes[i][0]
		wb := driverclient.WireBuffer{Name: name, Size: size}
		if slot.bufs[i] != nil {
			wb.MappingID = slot.bufs[i].MappingID
		}
		wire.Outputs = append(wire.Outputs, wb)
	}
	return wire, inputBufs
}

// toWireBuffer allocates a shared-memory buffer for t when the pool is
// available, copies t's bytes in, and returns the buffer alongside the
// wire descriptor so the caller can free it once the request completes.
// A nil buffer means the tensor was sent inline instead.
func (op *Operator) toWireBuffer(ctx context.Context, t Tensor) (driverclient.WireBuffer, *shm.SharedMemoryBuffer) {
	size := int64(len(t.Data))
	pool := op.shmPool()
	if pool != nil && !pool.Invalid() {
		if buf, err := pool.Allocate(ctx, len(t.Data)); err == nil && buf != nil {
			copy(buf.Data, t.Data)
			return driverclient.WireBuffer{Name: t.Name, MappingID: buf.MappingID, Size: size}, buf
		}
	}
	return driverclient.WireBuffer{Name: t.Name, Size: size, InlineData: append([]byte(nil), t.Data...)}, nil
}

// freeInputBufs returns bufs to the shared-memory pool's free-list. Must
// only be called after the driver has finished reading them (i.e. after
// the matching infer or infer_wait has returned).
func (op *Operator) freeInputBufs(bufs []*shm.SharedMemoryBuffer) {
	pool := op.shmPool()
	if pool == nil {
		return
	}
	for _, buf := range bufs {
		pool.Free(buf)
	}
}

// shmPool retrieves the device's shared-memory pool, if any, without
// exposing it as a constructor dependency the operator must track itself.
func (op *Operator) shmPool() *shm.Pool {
	if op.device == nil {
		return nil
	}
	return op.device.shmPool
}

// wireToTensors reads an inference response back into Tensors truncated
// to rows rows, matching OutputShapes/OutputDTypes by position. Reads
// from slot's shared-memory buffer when one backs output i (the driver
// wrote directly into it); otherwise falls back to io's inline payload.
func (op *Operator) wireToTensors(io *driverclient.WireIO, slot *outputSlot, rows int) []Tensor {
	out := make([]Tensor, len(op.cfg.OutputNames))
	for i, name := range op.cfg.OutputNames {
		dtype := op.cfg.OutputDTypes[i]
		shape := append([]int64(nil), op.cfg.OutputShapes[i]...)
		shape[0] = int64(rows)

		want := rowBytes(shape, dtype) * int64(rows)
		var data []byte
		if slot.bufs[i] != nil {
			data = append([]byte(nil), slot.bufs[i].Data...)
		} else if i < len(io.Outputs) {
			data = io.Outputs[i].InlineData
		}
		if int64(len(data)) < want {
			padded := make([]byte, want)
			copy(padded, data)
			data = padded
		} else if int64(len(data)) > want {
			data = data[:want]
		}
		out[i] = Tensor{Name: name, DType: dtype, Shape: shape, Data: data}
	}
	return out
}
