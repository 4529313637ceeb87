package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the supervisor configuration, loaded from YAML.
type Config struct {
	// BlockDevice backs the /state journal.
	BlockDevice struct {
		Path      string `yaml:"path"`
		BlockSize int    `yaml:"block_size"`
	} `yaml:"block_device"`

	// UpdateInbox is watched for arriving system-set archives.
	UpdateInbox string `yaml:"update_inbox"`

	// PublisherKey is the pinned update-signing key, hex encoded.
	PublisherKey string `yaml:"publisher_key"`

	// TimesliceNsec overrides the scheduler timeslice when non-zero.
	TimesliceNsec uint64 `yaml:"timeslice_nsec"`

	// InitImage, when set, is loaded and spawned as the first task.
	InitImage string `yaml:"init_image"`

	// HealthDelaySec is how long after boot the pending slot is confirmed
	// healthy. Zero disables automatic confirmation.
	HealthDelaySec int `yaml:"health_delay_sec"`

	// Development switches the logger to console output.
	Development bool `yaml:"development"`
}

// LoadConfig reads and validates the YAML config at path. A missing path
// yields the zero config, which runs with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read config %q", path)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, pkgerrors.Wrapf(err, "parse config %q", path)
	}
	return cfg, nil
}

// HealthDelay is the configured confirmation delay.
func (c *Config) HealthDelay() time.Duration {
	return time.Duration(c.HealthDelaySec) * time.Second
}

// PinnedKey decodes the configured publisher key.
func (c *Config) PinnedKey() (ed25519.PublicKey, error) {
	if c.PublisherKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.PublisherKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, pkgerrors.New("publisher_key: want 64 hex chars")
	}
	return ed25519.PublicKey(raw), nil
}
