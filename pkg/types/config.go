package types

import "errors"

// Config holds backend selection and parameters for Store.Attach and the
// client facade.
type Config struct {
	Backend string `json:"backend" yaml:"backend"`
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// RemoteURL is the base URL of the remote authority. Empty means the
	// client runs purely offline; the sync engine reports not connected.
	RemoteURL string `json:"remote_url" yaml:"remote_url"`

	// DeviceName and DeviceType describe this installation when it
	// registers itself.
	DeviceName string `json:"device_name" yaml:"device_name"`
	DeviceType string `json:"device_type" yaml:"device_type"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Config validation errors.
var (
	ErrBackendEmpty      = errors.New("backend must not be empty")
	ErrBackendUnknown    = errors.New("unknown backend")
	ErrDeviceTypeUnknown = errors.New("unknown device type")
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
}

var knownDeviceTypes = map[string]bool{
	DeviceTypeDesktop: true,
	DeviceTypeLaptop:  true,
	DeviceTypeMobile:  true,
	DeviceTypeTablet:  true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.DeviceType != "" && !knownDeviceTypes[c.DeviceType] {
		return ErrDeviceTypeUnknown
	}
	return nil
}
