// Package config persists a small device-profile store: the last-seen
// USB descriptors and baud rate for each serial device path a caller
// has previously queried. The qdaflash command records into it on
// `list` only; no command reads it back, so upload and download always
// query the descriptors live. This has no equivalent in the original
// tool, which read nothing but command-line flags; it is pure
// convenience plumbing layered on top of the facade.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/doismellburning/qdaflash/qda"
)

// DeviceProfile is one remembered device's descriptor snapshot.
type DeviceProfile struct {
	Baud            int    `yaml:"baud"`
	IDVendor        uint16 `yaml:"id_vendor"`
	IDProduct       uint16 `yaml:"id_product"`
	NumAltSettings  uint8  `yaml:"num_alt_settings"`
	Attributes      uint8  `yaml:"attributes"`
	DetachTimeoutMs uint16 `yaml:"detach_timeout_ms"`
	TransferSize    uint16 `yaml:"transfer_size"`
}

// Store is the on-disk document: a map from serial device path (e.g.
// "/dev/ttyUSB0") to its last-seen profile.
type Store struct {
	Devices map[string]DeviceProfile `yaml:"devices"`
}

// Load reads a Store from path. A missing file is not an error; it
// yields an empty Store ready to be populated and saved.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{Devices: map[string]DeviceProfile{}}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var s Store
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if s.Devices == nil {
		s.Devices = map[string]DeviceProfile{}
	}
	return &s, nil
}

// Save writes s to path, creating parent directories as needed.
func (s *Store) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Remember records dev's descriptor snapshot for device path under
// baud.
func (s *Store) Remember(device string, baud int, dd qda.DeviceDescriptor, id qda.InterfaceDescriptor) {
	if s.Devices == nil {
		s.Devices = map[string]DeviceProfile{}
	}
	s.Devices[device] = DeviceProfile{
		Baud:            baud,
		IDVendor:        dd.IDVendor,
		IDProduct:       dd.IDProduct,
		NumAltSettings:  id.NumAltSettings,
		Attributes:      id.Attributes,
		DetachTimeoutMs: id.DetachTimeout,
		TransferSize:    id.TransferSize,
	}
}

// Lookup returns the remembered profile for device, if any.
func (s *Store) Lookup(device string) (DeviceProfile, bool) {
	p, ok := s.Devices[device]
	return p, ok
}

// DefaultPath returns the conventional profile store location,
// ~/.qdaflash/devices.yaml, falling back to a relative path if the
// home directory can't be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".qdaflash/devices.yaml"
	}
	return filepath.Join(home, ".qdaflash", "devices.yaml")
}
