// Package config loads the library configuration from config.yaml with
// environment overrides, creating a default file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/rolodex/internal/paths"
	"github.com/mesh-intelligence/rolodex/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeyBackend    = "backend"
	cfgKeyDataDir    = "data_dir"
	cfgKeyRemoteURL  = "remote_url"
	cfgKeyDeviceName = "device_name"
	cfgKeyDeviceType = "device_type"

	defaultBackend    = types.BackendSQLite
	defaultDeviceType = types.DeviceTypeDesktop
)

// defaultConfigYAML is written to config.yaml on first run.
const defaultConfigYAML = `# Rolodex configuration

# Backend selection
backend: sqlite

# Data directory (optional; defaults to $(CWD)/.rolodex-db)
# data_dir:

# Base URL of the remote sync authority. Leave unset to run purely offline.
# remote_url:

# How this installation registers itself.
# device_name:
# device_type: desktop
`

// Load reads config.yaml from the resolved config directory, applies
// ROLODEX_* environment overrides, and returns the assembled Config. The
// config directory and a default config.yaml are created on first run; a
// missing file is not an error.
func Load(configDirOverride string) (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(configDirOverride)
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve config dir: %w", err)
	}

	v, err := loadViper(configDir)
	if err != nil {
		return types.Config{}, err
	}

	dataDir, err := paths.ResolveDataDir("", v.GetString(cfgKeyDataDir))
	if err != nil {
		return types.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := types.Config{
		Backend:    v.GetString(cfgKeyBackend),
		DataDir:    dataDir,
		RemoteURL:  v.GetString(cfgKeyRemoteURL),
		DeviceName: v.GetString(cfgKeyDeviceName),
		DeviceType: v.GetString(cfgKeyDeviceType),
	}
	if cfg.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceName = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// loadViper reads config.yaml from configDir using Viper, creating the
// directory and a default file first.
func loadViper(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeyBackend, defaultBackend)
	v.SetDefault(cfgKeyDeviceType, defaultDeviceType)
	v.SetEnvPrefix("ROLODEX")
	v.AutomaticEnv()
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Missing config.yaml is not an error.
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// ensureDefaultConfigFile creates a default config.yaml if the file does not
// exist in the config directory.
func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
