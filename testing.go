package npurt

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/accelrt/npurt/internal/driverclient"
)

// shmMapping is the mock's own independent mmap of a path the shared
// memory pool created: a second view onto the identical physical pages,
// letting the mock genuinely read/write shared memory the way a real
// out-of-process driver would, without any actual IPC.
type shmMapping struct {
	path string
	fd   int
	data []byte
}

// MockDriverClient is an in-memory driverclient.Client for testing
// against component C6/C7/C8 without a real driver daemon. It tracks
// method call counts for verification and supports injecting a failure
// on the next call to a named method.
type MockDriverClient struct {
	mu sync.Mutex

	nextEG      uint32
	nextNNID    uint32
	nextCookie  uint64
	nextMapping uint64

	egs     map[uint32]int            // egID -> granted cores
	models  map[uint32]uint32         // nn_id -> owning eg_id
	running map[uint32]bool           // nn_id -> started
	pending map[uint64]*driverclient.WireIO
	mapped  map[string]uint64
	mapping map[uint64]*shmMapping

	callCounts map[string]int
	failNext   map[string]error

	// RequestedCoresGrant, when set, overrides the cores granted by
	// CreateEG instead of echoing the request back.
	RequestedCoresGrant map[int]int
}

// NewMockDriverClient constructs an empty mock driver.
func NewMockDriverClient() *MockDriverClient {
	return &MockDriverClient{
		egs:        make(map[uint32]int),
		models:     make(map[uint32]uint32),
		running:    make(map[uint32]bool),
		pending:    make(map[uint64]*driverclient.WireIO),
		mapped:     make(map[string]uint64),
		mapping:    make(map[uint64]*shmMapping),
		callCounts: make(map[string]int),
		failNext:   make(map[string]error),
		nextEG:     1,
		nextNNID:   1,
		nextCookie:  1,
		nextMapping: 1,
	}
}

// FailNext arranges for the next call to method to return err instead of
// performing its normal behavior.
func (m *MockDriverClient) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[method] = err
}

func (m *MockDriverClient) takeFailure(method string) error {
	if err, ok := m.failNext[method]; ok {
		delete(m.failNext, method)
		return err
	}
	return nil
}

func (m *MockDriverClient) count(method string) {
	m.callCounts[method]++
}

// CallCounts returns the number of times each method has been invoked.
func (m *MockDriverClient) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.callCounts))
	for k, v := range m.callCounts {
		out[k] = v
	}
	return out
}

// Reset clears all call counters, injected failures, and state.
func (m *MockDriverClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmapAllLocked()
	m.egs = make(map[uint32]int)
	m.models = make(map[uint32]uint32)
	m.running = make(map[uint32]bool)
	m.pending = make(map[uint64]*driverclient.WireIO)
	m.mapped = make(map[string]uint64)
	m.mapping = make(map[uint64]*shmMapping)
	m.callCounts = make(map[string]int)
	m.failNext = make(map[string]error)
}

// unmapAllLocked munmaps and closes every shared-memory mapping the mock
// opened. Callers must hold m.mu.
func (m *MockDriverClient) unmapAllLocked() {
	for _, mapping := range m.mapping {
		unix.Munmap(mapping.data)
		unix.Close(mapping.fd)
	}
}

// IsRunning reports whether nnID is currently started.
func (m *MockDriverClient) IsRunning(nnID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[nnID]
}

func (m *MockDriverClient) Initialize(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Initialize")
	return m.takeFailure("Initialize")
}

func (m *MockDriverClient) CreateEG(ctx context.Context, requestedCores int) (uint32, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("CreateEG")
	if err := m.takeFailure("CreateEG"); err != nil {
		return 0, 0, err
	}

	granted := requestedCores
	if g, ok := m.RequestedCoresGrant[requestedCores]; ok {
		granted = g
	}

	egID := m.nextEG
	m.nextEG++
	m.egs[egID] = granted
	return egID, granted, nil
}

func (m *MockDriverClient) DestroyEG(ctx context.Context, egID uint32, fromShutdown bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("DestroyEG")
	if err := m.takeFailure("DestroyEG"); err != nil {
		return err
	}
	if _, ok := m.egs[egID]; !ok && !fromShutdown {
		return status.Error(codes.NotFound, "unknown eg")
	}
	delete(m.egs, egID)
	return nil
}

func (m *MockDriverClient) Load(ctx context.Context, egID uint32, artifact []byte, timeout time.Duration, maxInFlight int, profileEnabled bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Load")
	if err := m.takeFailure("Load"); err != nil {
		return 0, err
	}
	if _, ok := m.egs[egID]; !ok {
		return 0, status.Error(codes.NotFound, "unknown eg")
	}
	nnID := m.nextNNID
	m.nextNNID++
	m.models[nnID] = egID
	return nnID, nil
}

func (m *MockDriverClient) Unload(ctx context.Context, nnID uint32, fromShutdown bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Unload")
	if err := m.takeFailure("Unload"); err != nil {
		return err
	}
	if _, ok := m.models[nnID]; !ok && !fromShutdown {
		return status.Error(codes.NotFound, "unknown model")
	}
	delete(m.models, nnID)
	delete(m.running, nnID)
	return nil
}

func (m *MockDriverClient) Start(ctx context.Context, nnID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Start")
	if err := m.takeFailure("Start"); err != nil {
		return err
	}
	if _, ok := m.models[nnID]; !ok {
		return status.Error(codes.NotFound, "unknown model")
	}
	m.running[nnID] = true
	return nil
}

func (m *MockDriverClient) Stop(ctx context.Context, nnID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Stop")
	if err := m.takeFailure("Stop"); err != nil {
		return err
	}
	m.running[nnID] = false
	return nil
}

func (m *MockDriverClient) Infer(ctx context.Context, nnID uint32, io *driverclient.WireIO) (*driverclient.WireIO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Infer")
	if err := m.takeFailure("Infer"); err != nil {
		return nil, err
	}
	if !m.running[nnID] {
		return nil, status.Error(codes.FailedPrecondition, "model not running")
	}
	return m.echoIO(io), nil
}

func (m *MockDriverClient) InferPost(ctx context.Context, nnID uint32, io *driverclient.WireIO) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("InferPost")
	if err := m.takeFailure("InferPost"); err != nil {
		return 0, err
	}
	if !m.running[nnID] {
		return 0, status.Error(codes.FailedPrecondition, "model not running")
	}
	cookie := m.nextCookie
	m.nextCookie++
	m.pending[cookie] = m.echoIO(io)
	return cookie, nil
}

func (m *MockDriverClient) InferWait(ctx context.Context, cookie uint64) (*driverclient.WireIO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("InferWait")
	if err := m.takeFailure("InferWait"); err != nil {
		return nil, err
	}
	io, ok := m.pending[cookie]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown cookie")
	}
	delete(m.pending, cookie)
	return io, nil
}

// ShmMap genuinely opens and mmaps path — the same POSIX shared-memory
// object the pool created — giving the mock a second, independent view
// onto the identical physical pages. Writes through either mapping are
// visible through the other, so the mock can drive inference through
// the shared-memory path exactly like an out-of-process driver would,
// without any real IPC.
func (m *MockDriverClient) ShmMap(ctx context.Context, path string, prot int32, session string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ShmMap")
	if err := m.takeFailure("ShmMap"); err != nil {
		return 0, err
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return 0, status.Errorf(codes.Internal, "mock open shm object %s: %v", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return 0, status.Errorf(codes.Internal, "mock fstat shm object %s: %v", path, err)
	}
	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return 0, status.Errorf(codes.Internal, "mock mmap shm object %s: %v", path, err)
	}

	id := m.nextMapping
	m.nextMapping++
	m.mapped[path] = id
	m.mapping[id] = &shmMapping{path: path, fd: fd, data: data}
	return id, nil
}

func (m *MockDriverClient) ShmUnmap(ctx context.Context, path string, prot int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("ShmUnmap")
	if err := m.takeFailure("ShmUnmap"); err != nil {
		return err
	}
	if id, ok := m.mapped[path]; ok {
		if mapping, ok := m.mapping[id]; ok {
			unix.Munmap(mapping.data)
			unix.Close(mapping.fd)
			delete(m.mapping, id)
		}
	}
	delete(m.mapped, path)
	return nil
}

func (m *MockDriverClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count("Close")
	m.unmapAllLocked()
	return m.takeFailure("Close")
}

// readBuffer returns wb's bytes, reading through the mock's own mapping
// when wb is shared-memory backed, falling back to its inline payload
// otherwise.
func (m *MockDriverClient) readBuffer(wb driverclient.WireBuffer) []byte {
	if wb.MappingID != 0 {
		if mapping, ok := m.mapping[wb.MappingID]; ok {
			return mapping.data
		}
	}
	return wb.InlineData
}

// writeBuffer fills wb's storage with data, writing through the mock's
// mapping when wb is shared-memory backed (visible to the caller's own
// view of the identical pages without any further hand-off), or
// attaching data as InlineData otherwise. Returns the populated buffer.
func (m *MockDriverClient) writeBuffer(wb driverclient.WireBuffer, data []byte) driverclient.WireBuffer {
	if wb.MappingID != 0 {
		if mapping, ok := m.mapping[wb.MappingID]; ok {
			n := copy(mapping.data, data)
			for i := n; i < len(mapping.data); i++ {
				mapping.data[i] = 0
			}
			return wb
		}
	}
	wb.InlineData = append([]byte(nil), data...)
	return wb
}

// echoIO mirrors each input back onto its positionally corresponding
// pre-populated output descriptor (name/size/mapping already set by the
// caller), transporting through shared memory whenever the descriptor
// carries a mapping id — good enough to exercise the operator's
// batching, padding, and shared-memory plumbing without a real
// accelerator.
func (m *MockDriverClient) echoIO(io *driverclient.WireIO) *driverclient.WireIO {
	out := &driverclient.WireIO{NNID: io.NNID}
	for i, in := range io.Inputs {
		wb := driverclient.WireBuffer{Name: in.Name, Size: in.Size}
		if i < len(io.Outputs) {
			wb = io.Outputs[i]
		}
		data := m.readBuffer(in)
		out.Outputs = append(out.Outputs, m.writeBuffer(wb, data))
	}
	return out
}

var _ driverclient.Client = (*MockDriverClient)(nil)
