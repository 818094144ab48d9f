package npurt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/accelrt/npurt/internal/driverclient"
)

var errInjected = errors.New("injected failure")

func TestDeviceLoadAndInferSingleEG(t *testing.T) {
	ctx := context.Background()
	mock := NewMockDriverClient()
	dev, err := NewDevice(ctx, 0, mock, 1, 1, nil, nil, nil)
	require.NoError(t, err)

	nnID, err := dev.Load(ctx, []byte("artifact"), 10*time.Second, 1, false)
	require.NoError(t, err)
	require.NotZero(t, nnID)

	out, err := dev.Infer(ctx, nnID, &driverclient.WireIO{Inputs: []driverclient.WireBuffer{{Name: "x", InlineData: []byte{1, 2, 3}}}})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, out.Outputs[0].InlineData)
	require.True(t, mock.IsRunning(nnID))
}

func TestDeviceDuplicatedModelRoundRobin(t *testing.T) {
	ctx := context.Background()
	mock := NewMockDriverClient()
	mock.RequestedCoresGrant = map[int]int{1: 1}
	dev, err := NewDevice(ctx, 0, mock, 1, 2, nil, nil, nil)
	require.NoError(t, err)

	nnID, err := dev.Load(ctx, []byte("artifact"), 10*time.Second, 1, false)
	require.NoError(t, err)
	entry := dev.models[nnID]
	require.Len(t, entry.Siblings, 2)

	var dispatched []uint32
	for i := 0; i < 4; i++ {
		out, err := dev.Infer(ctx, nnID, &driverclient.WireIO{})
		require.NoError(t, err)
		dispatched = append(dispatched, out.NNID)
	}
	require.Equal(t, []uint32{entry.Siblings[0], entry.Siblings[1], entry.Siblings[0], entry.Siblings[1]}, dispatched)
}

func TestDeviceModelSwapStopsIncumbentBeforeStartingNext(t *testing.T) {
	ctx := context.Background()
	mock := NewMockDriverClient()
	dev, err := NewDevice(ctx, 0, mock, 1, 1, nil, nil, nil)
	require.NoError(t, err)

	nn1, err := dev.Load(ctx, []byte("m1"), time.Second, 1, false)
	require.NoError(t, err)
	nn2, err := dev.Load(ctx, []byte("m2"), time.Second, 1, false)
	require.NoError(t, err)

	_, err = dev.Infer(ctx, nn1, &driverclient.WireIO{})
	require.NoError(t, err)
	require.True(t, mock.IsRunning(nn1))

	_, err = dev.Infer(ctx, nn2, &driverclient.WireIO{})
	require.NoError(t, err)
	require.False(t, mock.IsRunning(nn1))
	require.True(t, mock.IsRunning(nn2))
}

func TestDeviceLoadFirstEGFailureFailsWhole(t *testing.T) {
	ctx := context.Background()
	mock := NewMockDriverClient()
	dev, err := NewDevice(ctx, 0, mock, 1, 1, nil, nil, nil)
	require.NoError(t, err)

	mock.FailNext("Load", errInjected)
	_, err = dev.Load(ctx, []byte("artifact"), time.Second, 1, false)
	require.Error(t, err)
}

// failSecondLoadDriver fails exactly the second call to Load, so the
// first sibling loads cleanly and the second does not.
type failSecondLoadDriver struct {
	*MockDriverClient
	loadCalls int
}

func (f *failSecondLoadDriver) Load(ctx context.Context, egID uint32, artifact []byte, timeout time.Duration, maxInFlight int, profileEnabled bool) (uint32, error) {
	f.loadCalls++
	if f.loadCalls == 2 {
		return 0, errInjected
	}
	return f.MockDriverClient.Load(ctx, egID, artifact, timeout, maxInFlight, profileEnabled)
}

func TestDeviceLoadPartialDuplicationTolerated(t *testing.T) {
	ctx := context.Background()
	driver := &failSecondLoadDriver{MockDriverClient: NewMockDriverClient()}
	dev, err := NewDevice(ctx, 0, driver, 1, 2, nil, nil, nil)
	require.NoError(t, err)

	nnID, loadErr := dev.Load(ctx, []byte("artifact"), time.Second, 1, false)
	require.NoError(t, loadErr)
	entry := dev.models[nnID]
	require.Len(t, entry.Siblings, 1)
}

func TestDeviceInferPostWaitDoesNotHoldMutexAcrossWait(t *testing.T) {
	ctx := context.Background()
	mock := NewMockDriverClient()
	dev, err := NewDevice(ctx, 0, mock, 1, 1, nil, nil, nil)
	require.NoError(t, err)
	nnID, err := dev.Load(ctx, []byte("artifact"), time.Second, 1, false)
	require.NoError(t, err)

	cookie1, err := dev.InferPost(ctx, nnID, &driverclient.WireIO{Inputs: []driverclient.WireBuffer{{Name: "a"}}})
	require.NoError(t, err)
	cookie2, err := dev.InferPost(ctx, nnID, &driverclient.WireIO{Inputs: []driverclient.WireBuffer{{Name: "b"}}})
	require.NoError(t, err)
	require.NotEqual(t, cookie1, cookie2)

	_, err = dev.InferWait(ctx, cookie1)
	require.NoError(t, err)
	_, err = dev.InferWait(ctx, cookie2)
	require.NoError(t, err)
}

func TestDeviceClearTearsDownEverything(t *testing.T) {
	ctx := context.Background()
	mock := NewMockDriverClient()
	dev, err := NewDevice(ctx, 0, mock, 1, 1, nil, nil, nil)
	require.NoError(t, err)
	nnID, err := dev.Load(ctx, []byte("artifact"), time.Second, 1, false)
	require.NoError(t, err)
	_, err = dev.Infer(ctx, nnID, &driverclient.WireIO{})
	require.NoError(t, err)

	dev.Clear(ctx, true)
	require.Empty(t, dev.models)
	require.Empty(t, dev.egs)

	_, err = dev.Infer(ctx, nnID, &driverclient.WireIO{})
	require.Error(t, err)
	require.True(t, IsCode(err, codes.Aborted))
}
