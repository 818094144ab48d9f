package npurt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, numDevices int) *DeviceManager {
	t.Helper()
	mock := NewMockDriverClient()
	m := NewDeviceManager(mock)
	for i := 0; i < numDevices; i++ {
		dev, err := NewDevice(context.Background(), i, mock, 1, 1, nil, nil, nil)
		require.NoError(t, err)
		m.devices = append(m.devices, dev)
	}
	return m
}

func TestManagerApplyForDeviceRoundRobin(t *testing.T) {
	m := newTestManager(t, 3)

	var indices []int
	for i := 0; i < 6; i++ {
		dev, err := m.ApplyForDevice(context.Background(), 0, 0, -1)
		require.NoError(t, err)
		indices = append(indices, dev.Index)
	}
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, indices)
}

func TestManagerApplyForDeviceExplicitIndex(t *testing.T) {
	m := newTestManager(t, 3)

	dev, err := m.ApplyForDevice(context.Background(), 0, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 2, dev.Index)
}

func TestManagerApplyForDeviceOutOfRange(t *testing.T) {
	m := newTestManager(t, 2)

	_, err := m.ApplyForDevice(context.Background(), 0, 0, 5)
	require.Error(t, err)
}

func TestManagerApplyForDeviceNoDevices(t *testing.T) {
	m := newTestManager(t, 0)

	_, err := m.ApplyForDevice(context.Background(), 0, 0, -1)
	require.Error(t, err)
}

func TestManagerShutdownIsIdempotent(t *testing.T) {
	m := newTestManager(t, 2)

	m.Shutdown(context.Background())
	require.NotPanics(t, func() { m.Shutdown(context.Background()) })
}
