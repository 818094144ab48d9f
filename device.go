package npurt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/accelrt/npurt/internal/driverclient"
	"github.com/accelrt/npurt/internal/logging"
	"github.com/accelrt/npurt/internal/shm"
)

// noModelRunning is the running_nn_id sentinel meaning "device idle".
const noModelRunning uint32 = 0

// Device owns a set of execution groups and the model entries loaded onto
// them. A single mutex serialises every lifecycle transition (load,
// unload, start, stop) and the posting of inference requests; waits are
// deliberately out-of-band so a slow accelerator-side execution does not
// block the next request from being accepted.
type Device struct {
	Index int

	mu          sync.Mutex
	egs         []*ExecutionGroup
	models      map[uint32]*ModelEntry
	runningNNID uint32
	closed      bool

	driver  driverclient.Client
	shmPool *shm.Pool
	logger  *logging.Logger
	metrics *Metrics
}

// NewDevice creates a device with numDuplicates execution groups.
// numDuplicates == 1 allocates a single EG of numCoresRequested cores;
// numDuplicates > 1 allocates that many single-core EGs, one per
// duplicate, and rejects any other granted size as InvalidArgument.
func NewDevice(ctx context.Context, index int, driver driverclient.Client, numCoresRequested, numDuplicates int, shmPool *shm.Pool, logger *logging.Logger, metrics *Metrics) (*Device, error) {
	if numDuplicates <= 0 {
		numDuplicates = 1
	}
	if logger == nil {
		logger = logging.Default()
	}

	d := &Device{
		Index:   index,
		models:  make(map[uint32]*ModelEntry),
		driver:  driver,
		shmPool: shmPool,
		logger:  logger,
		metrics: metrics,
	}

	if numDuplicates == 1 {
		egID, granted, err := driver.CreateEG(ctx, numCoresRequested)
		if err != nil {
			return nil, WrapError("CreateEG", err)
		}
		d.egs = append(d.egs, &ExecutionGroup{EGID: egID, Cores: granted})
		return d, nil
	}

	for i := 0; i < numDuplicates; i++ {
		egID, granted, err := driver.CreateEG(ctx, 1)
		if err != nil {
			d.rollbackEGs(ctx)
			return nil, WrapError("CreateEG", err)
		}
		if granted != 1 {
			d.rollbackEGs(ctx)
			return nil, NewDeviceError("CreateEG", index, codes.InvalidArgument,
				fmt.Sprintf("duplicated EG granted %d cores, want 1", granted))
		}
		d.egs = append(d.egs, &ExecutionGroup{EGID: egID, Cores: granted})
	}
	return d, nil
}

func (d *Device) rollbackEGs(ctx context.Context) {
	for _, eg := range d.egs {
		if err := d.driver.DestroyEG(ctx, eg.EGID, false); err != nil {
			d.logger.Warn("rollback DestroyEG failed", "device", d.Index, "eg", eg.EGID, "error", err.Error())
		}
	}
	d.egs = nil
}

// Load uploads artifact onto every EG of the device. If only one EG is
// present the artifact is loaded once. Otherwise each EG is loaded
// independently: a failure on the first EG fails the whole load; a
// failure on any later sibling stops further loading but keeps the
// siblings already loaded (a smaller-throughput, partially duplicated
// model is still valid). A primary nn_id that collides with an existing
// model is rejected as AlreadyExists and every sibling just created is
// rolled back.
func (d *Device) Load(ctx context.Context, artifact []byte, timeout time.Duration, maxInFlight int, profileEnabled bool) (nnID uint32, err error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordLoad(uint64(len(artifact)), uint64(time.Since(start)), err == nil)
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, NewDeviceError("Load", d.Index, codes.Aborted, "device closed")
	}

	siblings := make([]uint32, 0, len(d.egs))
	for i, eg := range d.egs {
		nnID, err := d.driver.Load(ctx, eg.EGID, artifact, timeout, maxInFlight, profileEnabled)
		if err != nil {
			if i == 0 {
				return 0, WrapError("Load", err)
			}
			d.logger.Warn("partial duplication: sibling load failed, keeping earlier siblings",
				"device", d.Index, "eg", eg.EGID, "error", err.Error())
			break
		}
		siblings = append(siblings, nnID)
	}

	primary := siblings[0]
	if _, exists := d.models[primary]; exists {
		for _, nn := range siblings {
			if err := d.driver.Unload(ctx, nn, false); err != nil {
				d.logger.Warn("rollback Unload failed after id collision", "device", d.Index, "nn_id", nn, "error", err.Error())
			}
		}
		return 0, NewModelError("Load", d.Index, primary, codes.AlreadyExists, "model id collision")
	}

	d.models[primary] = &ModelEntry{
		PrimaryNNID:    primary,
		Siblings:       siblings,
		ProfileEnabled: profileEnabled,
		Timeout:        timeout,
		MaxInFlight:    maxInFlight,
	}
	return primary, nil
}

// Unload stops nnID first if it is the running model, then unloads every
// sibling and drops the entry. fromShutdown makes every step tolerant of
// already-gone state.
func (d *Device) Unload(ctx context.Context, nnID uint32, fromShutdown bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.models[nnID]
	if !ok {
		if fromShutdown {
			return nil
		}
		return NewModelError("Unload", d.Index, nnID, codes.FailedPrecondition, "unknown model")
	}

	if d.runningNNID == nnID {
		if err := d.fanOut(ctx, entry.Siblings, d.timedStop); err != nil && !fromShutdown {
			return WrapError("Stop", err)
		}
		d.runningNNID = noModelRunning
	}

	for _, nn := range entry.Siblings {
		if err := d.driver.Unload(ctx, nn, fromShutdown); err != nil && !fromShutdown {
			return WrapError("Unload", err)
		}
	}
	delete(d.models, nnID)
	return nil
}

// timedStart wraps driver.Start with latency/success recording.
func (d *Device) timedStart(ctx context.Context, nnID uint32) error {
	start := time.Now()
	err := d.driver.Start(ctx, nnID)
	if d.metrics != nil {
		d.metrics.RecordStart(uint64(time.Since(start)), err == nil)
	}
	return err
}

// timedStop wraps driver.Stop with latency/success recording.
func (d *Device) timedStop(ctx context.Context, nnID uint32) error {
	start := time.Now()
	err := d.driver.Stop(ctx, nnID)
	if d.metrics != nil {
		d.metrics.RecordStop(uint64(time.Since(start)), err == nil)
	}
	return err
}

// fanOut runs op against every id concurrently and waits for all of them,
// returning the first error observed (if any). All ids still complete
// their call even when one fails early, since tolerant teardown paths
// need every attempt made.
func (d *Device) fanOut(ctx context.Context, ids []uint32, op func(context.Context, uint32) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint32) {
			defer wg.Done()
			errs[i] = op(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// startSiblingsAllOrNothing starts every sibling of entry in parallel. If
// any start fails, the siblings that did start are stopped again so the
// "all siblings started, or none" invariant never goes observably
// partial to another caller acquiring the device mutex.
func (d *Device) startSiblingsAllOrNothing(ctx context.Context, entry *ModelEntry) error {
	var wg sync.WaitGroup
	errs := make([]error, len(entry.Siblings))
	for i, nn := range entry.Siblings {
		wg.Add(1)
		go func(i int, nn uint32) {
			defer wg.Done()
			errs[i] = d.timedStart(ctx, nn)
		}(i, nn)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		return nil
	}

	var rollback sync.WaitGroup
	for i, err := range errs {
		if err == nil {
			rollback.Add(1)
			nn := entry.Siblings[i]
			go func(nn uint32) {
				defer rollback.Done()
				if serr := d.timedStop(ctx, nn); serr != nil {
					d.logger.Warn("rollback Stop failed after partial start failure", "device", d.Index, "nn_id", nn, "error", serr.Error())
				}
			}(nn)
		}
	}
	rollback.Wait()
	return firstErr
}

// ensureRunning implements the device's model-swap scheduler (§4.3): if
// entry is already running, do nothing; otherwise stop the incumbent's
// siblings, then start entry's siblings. Callers must hold d.mu.
func (d *Device) ensureRunning(ctx context.Context, entry *ModelEntry) error {
	if d.runningNNID == entry.PrimaryNNID {
		return nil
	}

	if d.runningNNID != noModelRunning {
		if incumbent, ok := d.models[d.runningNNID]; ok {
			if err := d.fanOut(ctx, incumbent.Siblings, d.timedStop); err != nil {
				return WrapError("Stop", err)
			}
		}
		d.runningNNID = noModelRunning
	}

	if err := d.startSiblingsAllOrNothing(ctx, entry); err != nil {
		return WrapError("Start", err)
	}
	d.runningNNID = entry.PrimaryNNID
	return nil
}

// Infer runs a single synchronous inference against primaryNNID, taking
// the device mutex for the ensure-running/dispatch step and releasing it
// before the (potentially slow) driver call returns.
func (d *Device) Infer(ctx context.Context, primaryNNID uint32, io *driverclient.WireIO) (*driverclient.WireIO, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, NewDeviceError("Infer", d.Index, codes.Aborted, "device closed")
	}
	entry, ok := d.models[primaryNNID]
	if !ok {
		d.mu.Unlock()
		return nil, NewModelError("Infer", d.Index, primaryNNID, codes.FailedPrecondition, "unknown model")
	}
	if err := d.ensureRunning(ctx, entry); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	active := entry.activeSibling()
	io.NNID = active
	d.mu.Unlock()

	out, err := d.driver.Infer(ctx, active, io)
	if err != nil {
		return nil, WrapError("Infer", err)
	}
	return out, nil
}

// InferPost posts one microbatch and returns a cookie for InferWait.
// The post itself happens under the device mutex (so it serialises with
// lifecycle transitions and other posts); the wait does not.
func (d *Device) InferPost(ctx context.Context, primaryNNID uint32, io *driverclient.WireIO) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, NewDeviceError("InferPost", d.Index, codes.Aborted, "device closed")
	}
	entry, ok := d.models[primaryNNID]
	if !ok {
		return 0, NewModelError("InferPost", d.Index, primaryNNID, codes.FailedPrecondition, "unknown model")
	}
	if err := d.ensureRunning(ctx, entry); err != nil {
		return 0, err
	}
	active := entry.activeSibling()
	io.NNID = active

	cookie, err := d.driver.InferPost(ctx, active, io)
	if err != nil {
		return 0, WrapError("InferPost", err)
	}
	return cookie, nil
}

// InferWait reaps a previously posted inference. Deliberately does not
// take the device mutex: the scheduler can accept the next post while a
// prior request is still executing on the accelerator.
func (d *Device) InferWait(ctx context.Context, cookie uint64) (*driverclient.WireIO, error) {
	out, err := d.driver.InferWait(ctx, cookie)
	if err != nil {
		return nil, WrapError("InferWait", err)
	}
	return out, nil
}

// Clear sweeps the model map, stops and unloads everything tolerantly,
// destroys every EG, and clears the shared-memory pool. When called from
// the signal handler (fromGlobalState), the device is marked closed so
// subsequent calls short-circuit with Aborted instead of touching the
// driver a second time.
func (d *Device) Clear(ctx context.Context, fromGlobalState bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for nnID, entry := range d.models {
		if d.runningNNID == nnID {
			if err := d.fanOut(ctx, entry.Siblings, d.timedStop); err != nil {
				d.logger.Warn("teardown Stop failed", "device", d.Index, "nn_id", nnID, "error", err.Error())
			}
			d.runningNNID = noModelRunning
		}
		for _, nn := range entry.Siblings {
			if err := d.driver.Unload(ctx, nn, true); err != nil {
				d.logger.Warn("teardown Unload failed", "device", d.Index, "nn_id", nn, "error", err.Error())
			}
		}
		delete(d.models, nnID)
	}

	for _, eg := range d.egs {
		if err := d.driver.DestroyEG(ctx, eg.EGID, true); err != nil {
			d.logger.Warn("teardown DestroyEG failed", "device", d.Index, "eg", eg.EGID, "error", err.Error())
		}
	}
	d.egs = nil

	if d.shmPool != nil {
		d.shmPool.Clear(ctx)
	}

	if fromGlobalState {
		d.closed = true
	}
}
