package npurt

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/accelrt/npurt/internal/constants"
	"github.com/accelrt/npurt/internal/driverclient"
	"github.com/accelrt/npurt/internal/logging"
	"github.com/accelrt/npurt/internal/policy"
	"github.com/accelrt/npurt/internal/shm"
)

// DeviceManager owns the process-wide set of devices carved out of the
// accelerator fleet at startup, the single driver connection they share,
// and the shared-memory pool. It is a process singleton: one manager per
// process talks to one driver daemon.
type DeviceManager struct {
	mu      sync.Mutex
	once    sync.Once
	devices []*Device
	cursor  int

	driver  driverclient.Client
	shmPool *shm.Pool
	logger  *logging.Logger
	metrics *Metrics

	sigCh   chan os.Signal
	stopSig chan struct{}
}

var (
	defaultManager     *DeviceManager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide DeviceManager. The manager itself is
// constructed eagerly, but its driver connection and devices are not:
// per §4.4, that happens lazily on the first ApplyForDevice call, which
// is what actually supplies the opt_device_size/max_num_duplicates
// hints the default grouping policy needs.
func Default(ctx context.Context) (*DeviceManager, error) {
	defaultManagerOnce.Do(func() {
		defaultManager = NewDeviceManager(nil)
	})
	return defaultManager, nil
}

// NewDeviceManager constructs a manager that has not yet dialed a driver
// or carved up devices; the first ApplyForDevice call does that. A
// non-nil driver overrides the grpc client construction and marks
// env-driven initialization as already done, since a caller supplying
// its own driver connection is also expected to seed its own devices
// via SeedDevice (tests, cmd/npurt-sim) rather than race that against
// CORE_GROUP_SIZES-derived carving.
func NewDeviceManager(driver driverclient.Client) *DeviceManager {
	m := &DeviceManager{
		driver:  driver,
		logger:  logging.Default(),
		metrics: NewMetrics(),
		sigCh:   make(chan os.Signal, 1),
		stopSig: make(chan struct{}),
	}
	if driver != nil {
		m.once.Do(func() {})
	}
	return m
}

// init reads DRIVER_ADDRESS, SHM_MAP, and CORE_GROUP_SIZES, connects to
// the driver, builds the grouping policy (falling back to optDeviceSize/
// maxNumDuplicates when CORE_GROUP_SIZES is absent or malformed), and
// carves out one Device per group. It is idempotent: only the first
// caller's hints take effect.
func (m *DeviceManager) init(ctx context.Context, optDeviceSize, maxNumDuplicates int) error {
	var err error
	m.once.Do(func() {
		err = m.initLocked(ctx, optDeviceSize, maxNumDuplicates)
	})
	return err
}

func (m *DeviceManager) initLocked(ctx context.Context, optDeviceSize, maxNumDuplicates int) error {
	address := os.Getenv(constants.EnvDriverAddress)
	if address == "" {
		address = constants.DefaultDriverAddress
	}

	shmRequested := os.Getenv(constants.EnvShmMap) != "no"

	if m.driver == nil {
		client := driverclient.NewGRPCClient(m.logger)
		if err := client.Initialize(ctx, address); err != nil {
			return WrapError("Initialize", err)
		}
		m.driver = client
	}

	if shmRequested {
		m.shmPool = shm.NewPool(m.driver, uuid.New().String(), m.logger)
	}

	groups, ok := policy.Parse(os.Getenv(constants.EnvCoreGroupSizes), m.logger)
	if !ok {
		groups = policy.Default(optDeviceSize, maxNumDuplicates)
	}

	for i, g := range groups {
		dev, err := NewDevice(ctx, i, m.driver, g.Size, g.Multiplicity, m.shmPool, m.logger, m.metrics)
		if err != nil {
			m.logger.Warn("failed to carve out device from policy group; skipping", "group", i, "error", err.Error())
			continue
		}
		m.devices = append(m.devices, dev)
	}

	if len(m.devices) == 0 {
		return NewError("init", codes.ResourceExhausted, "no devices could be carved out of the accelerator fleet")
	}

	m.installSignalHandler()
	return nil
}

// NumDevices returns how many devices the manager carved out.
func (m *DeviceManager) NumDevices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// SeedDevice appends a pre-built device to the manager. Exposed for
// callers that construct their own devices instead of going through
// init's env-derived policy parsing (simulators, tests in other
// packages).
func (m *DeviceManager) SeedDevice(dev *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, dev)
}

// ApplyForDevice claims a device for a new operator, lazily initializing
// the manager on the first call. deviceIndex < 0 round-robins across all
// devices; otherwise the caller asks for a specific index.
// optDeviceSize/maxNumDuplicates are this operator's hints for the
// default grouping policy; they are only consulted if this call happens
// to be the one that triggers initialization.
func (m *DeviceManager) ApplyForDevice(ctx context.Context, optDeviceSize, maxNumDuplicates, deviceIndex int) (*Device, error) {
	if err := m.init(ctx, optDeviceSize, maxNumDuplicates); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.devices) == 0 {
		return nil, NewError("ApplyForDevice", codes.FailedPrecondition, "device manager has no devices")
	}

	if deviceIndex >= 0 {
		if deviceIndex >= len(m.devices) {
			return nil, NewError("ApplyForDevice", codes.InvalidArgument, fmt.Sprintf("device index %d out of range [0,%d)", deviceIndex, len(m.devices)))
		}
		return m.devices[deviceIndex], nil
	}

	dev := m.devices[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.devices)
	return dev, nil
}

// installSignalHandler arranges for SIGINT/SIGTERM to run Shutdown and
// then re-raise the signal's default action so a process-level supervisor
// still observes the expected exit semantics, instead of the process
// appearing to ignore the signal.
func (m *DeviceManager) installSignalHandler() {
	signal.Notify(m.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig, ok := <-m.sigCh:
			if !ok {
				return
			}
			m.logger.Info("received shutdown signal", "signal", sig.String())
			m.Shutdown(context.Background())

			signal.Stop(m.sigCh)
			signal.Reset(sig.(syscall.Signal))
			proc, err := os.FindProcess(os.Getpid())
			if err == nil {
				proc.Signal(sig)
			}
		case <-m.stopSig:
			return
		}
	}()
}

// Shutdown tears down every device: stops and unloads every model,
// destroys every execution group, and clears the shared-memory pool.
// Safe to call more than once.
func (m *DeviceManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	devices := append([]*Device(nil), m.devices...)
	m.mu.Unlock()

	for _, dev := range devices {
		dev.Clear(ctx, true)
	}
	if m.driver != nil {
		if err := m.driver.Close(); err != nil {
			m.logger.Warn("driver connection close failed", "error", err.Error())
		}
	}

	select {
	case <-m.stopSig:
	default:
		close(m.stopSig)
	}
}
