package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:   "valid sqlite config",
			config: Config{Backend: BackendSQLite, DataDir: "/tmp/rolodex"},
		},
		{
			name:   "device type accepted",
			config: Config{Backend: BackendSQLite, DeviceType: DeviceTypeLaptop},
		},
		{
			name:    "empty backend",
			config:  Config{},
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown backend",
			config:  Config{Backend: "etcd"},
			wantErr: ErrBackendUnknown,
		},
		{
			name:    "unknown device type",
			config:  Config{Backend: BackendSQLite, DeviceType: "toaster"},
			wantErr: ErrDeviceTypeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
