package doppler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-doppler/doppler/device"
	"github.com/dreamer-doppler/doppler/store"
)

type fakeProbe struct{}

func (fakeProbe) Enumerate() (device.DeviceInfo, error) {
	return device.DeviceInfo{IsUnifiedMemory: true}, nil
}

func TestEngineInitDeviceAssignsUnifiedTier(t *testing.T) {
	e := New(store.NewMem(), nil, fakeProbe{}, 1)
	caps, err := e.InitDevice()
	require.NoError(t, err)
	require.Equal(t, device.TierUnified, caps.Tier)
}

func TestLoadModelWithoutSourceOrLocalManifestFails(t *testing.T) {
	e := New(store.NewMem(), nil, fakeProbe{}, 1)
	_, err := e.InitDevice()
	require.NoError(t, err)

	_, err = e.LoadModel(context.Background(), "missing-model", LoadOptions{})
	require.Error(t, err)
}

func TestLoadModelRequiresInitDeviceFirst(t *testing.T) {
	e := New(store.NewMem(), nil, fakeProbe{}, 1)
	_, err := e.LoadModel(context.Background(), "anything", LoadOptions{})
	require.Error(t, err)
}

func TestListAndDeleteModel(t *testing.T) {
	mem := store.NewMem()
	require.NoError(t, mem.Open("m1"))
	require.NoError(t, mem.SaveManifest("m1", []byte(`{}`)))

	e := New(mem, nil, fakeProbe{}, 1)
	ids, err := e.ListModels()
	require.NoError(t, err)
	require.Contains(t, ids, "m1")

	require.NoError(t, e.DeleteModel("m1"))
	ids, err = e.ListModels()
	require.NoError(t, err)
	require.NotContains(t, ids, "m1")
}

func TestStorageReport(t *testing.T) {
	e := New(store.NewMem(), nil, fakeProbe{}, 1)
	report, err := e.StorageReport()
	require.NoError(t, err)
	require.GreaterOrEqual(t, report.AvailableBytes, int64(0))
}

func TestEngineClose(t *testing.T) {
	e := New(store.NewMem(), nil, fakeProbe{}, 1)
	_, err := e.InitDevice()
	require.NoError(t, err)
	e.Close()
}
