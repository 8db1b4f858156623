package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/qdaflash/qda"
)

func TestLoadMissingFileYieldsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.Devices)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")

	s, err := Load(path)
	require.NoError(t, err)

	dd := qda.DeviceDescriptor{IDVendor: 0x1234, IDProduct: 0x5678}
	id := qda.InterfaceDescriptor{NumAltSettings: 2, Attributes: 0x0B, DetachTimeout: 255, TransferSize: 1024}
	s.Remember("/dev/ttyUSB0", 115200, dd, id)

	require.NoError(t, s.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)

	p, ok := reloaded.Lookup("/dev/ttyUSB0")
	require.True(t, ok)
	assert.Equal(t, 115200, p.Baud)
	assert.Equal(t, uint16(0x1234), p.IDVendor)
	assert.Equal(t, uint8(2), p.NumAltSettings)
	assert.Equal(t, uint16(1024), p.TransferSize)

	_, ok = reloaded.Lookup("/dev/ttyUSB1")
	assert.False(t, ok)
}

func TestDefaultPathEndsInExpectedSuffix(t *testing.T) {
	assert.Contains(t, DefaultPath(), filepath.Join(".qdaflash", "devices.yaml"))
}
