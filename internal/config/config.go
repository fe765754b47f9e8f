// Package config holds the persisted client configuration and the
// Curve25519 key type shared by the tunnel core.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultConfigDir is the system-wide config directory for floegate.
const DefaultConfigDir = "/etc/floegate"

// secretsFileName is the name of the secrets file within the config
// directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for the floegate client. It is
// persisted as TOML at DefaultConfigPath, with secret fields split into a
// tighter-permissioned secrets file.
type Config struct {
	Portal PortalConfig `toml:"portal"`
	Device DeviceConfig `toml:"device"`
	DNS    DNSConfig    `toml:"dns"`
}

// PortalConfig identifies the control-plane portal.
type PortalConfig struct {
	// URL is the WSS URL of the portal's client channel.
	URL string `toml:"url"`

	// Token is the service-account or device token obtained during
	// enrolment. Stored in the secrets file.
	Token string `toml:"token,omitempty"`

	// DeviceID is this device's identifier, assigned by the portal at
	// first connect.
	DeviceID string `toml:"device_id,omitempty"`
}

// DeviceConfig identifies this device within the account.
type DeviceConfig struct {
	// Name is a human-readable name for this device.
	Name string `toml:"name"`

	// PrivateKey is the Noise static private key. Stored in the secrets
	// file, base64 via Key.UnmarshalText.
	PrivateKey Key `toml:"private_key"`
}

// DNSConfig controls the stub resolver.
type DNSConfig struct {
	// UpstreamResolvers overrides the system resolvers used for
	// non-resource queries. Empty means use the host's configuration.
	UpstreamResolvers []string `toml:"upstream_resolvers,omitempty"`
}

// configFile is the TOML shape of config.toml (world-readable, no
// secrets).
type configFile struct {
	Portal portalConfigFile `toml:"portal"`
	Device deviceConfigFile `toml:"device"`
	DNS    DNSConfig        `toml:"dns"`
}

type portalConfigFile struct {
	URL      string `toml:"url"`
	DeviceID string `toml:"device_id,omitempty"`
}

type deviceConfigFile struct {
	Name string `toml:"name"`
}

// secretsFile is the TOML shape of secrets.toml (0600).
type secretsFile struct {
	Portal portalSecretsFile `toml:"portal"`
	Device deviceSecretsFile `toml:"device"`
}

type portalSecretsFile struct {
	Token string `toml:"token,omitempty"`
}

type deviceSecretsFile struct {
	PrivateKey Key `toml:"private_key"`
}

// DefaultConfig returns a Config with defaults; portal and device
// identity are filled in by `floegate up` on first run.
func DefaultConfig() *Config {
	return &Config{}
}

// DefaultConfigPath returns the path of config.toml.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the path of secrets.toml.
func DefaultSecretsPath() (string, error) {
	return filepath.Join(DefaultConfigDir, secretsFileName), nil
}

// Load reads the config and, if present, overlays the secrets file next
// to it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var file configFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{
		Portal: PortalConfig{URL: file.Portal.URL, DeviceID: file.Portal.DeviceID},
		Device: DeviceConfig{Name: file.Device.Name},
		DNS:    file.DNS,
	}

	secretsPath := filepath.Join(filepath.Dir(path), secretsFileName)
	secretsData, err := os.ReadFile(secretsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("reading secrets: %w", err)
	}

	var secrets secretsFile
	if err := toml.Unmarshal(secretsData, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets: %w", err)
	}
	cfg.Portal.Token = secrets.Portal.Token
	cfg.Device.PrivateKey = secrets.Device.PrivateKey

	return cfg, nil
}

// Save writes config.toml and secrets.toml, creating the directory if
// needed. Secrets get 0600.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var buf bytes.Buffer
	file := configFile{
		Portal: portalConfigFile{URL: cfg.Portal.URL, DeviceID: cfg.Portal.DeviceID},
		Device: deviceConfigFile{Name: cfg.Device.Name},
		DNS:    cfg.DNS,
	}
	if err := toml.NewEncoder(&buf).Encode(&file); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	buf.Reset()
	secrets := secretsFile{
		Portal: portalSecretsFile{Token: cfg.Portal.Token},
		Device: deviceSecretsFile{PrivateKey: cfg.Device.PrivateKey},
	}
	if err := toml.NewEncoder(&buf).Encode(&secrets); err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}
	secretsPath := filepath.Join(filepath.Dir(path), secretsFileName)
	if err := os.WriteFile(secretsPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing secrets: %w", err)
	}
	return nil
}

// Validate checks that the fields required to run are present.
func (c *Config) Validate() error {
	if c.Portal.URL == "" {
		return errors.New("portal.url is required")
	}
	if c.Device.PrivateKey.IsZero() {
		return errors.New("device.private_key is required; run `floegate genkey` first")
	}
	return nil
}
