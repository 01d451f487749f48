package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable, versioned view of a loaded configuration.
// Callers must not mutate Config.
type Snapshot struct {
	Version  string
	LoadedAt time.Time
	Source   string
	Config   *Config
}

// NewSnapshot versions cfg by the hash of its encoded form
func NewSnapshot(cfg *Config, source string) (*Snapshot, error) {
	data, err := cfg.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode config for versioning: %w", err)
	}
	sum := sha256.Sum256(data)
	return &Snapshot{
		Version:  hex.EncodeToString(sum[:8]),
		LoadedAt: time.Now().UTC(),
		Source:   source,
		Config:   cfg,
	}, nil
}

// Holder publishes the current snapshot to concurrent readers
type Holder struct {
	path    string
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// Load reads the configuration at path (or the default locations) into a new Holder
func Load(path string) (*Holder, error) {
	h := &Holder{
		path:   path,
		logger: slog.Default().With("component", "config"),
	}
	if _, err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// NewHolder wraps an already built configuration
func NewHolder(cfg *Config) (*Holder, error) {
	snap, err := NewSnapshot(cfg, "")
	if err != nil {
		return nil, err
	}
	h := &Holder{logger: slog.Default().With("component", "config")}
	h.current.Store(snap)
	return h, nil
}

// Current returns the active snapshot
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Reload re-reads the configuration and swaps it in when it is valid.
// It reports whether the version changed.
func (h *Holder) Reload() (bool, error) {
	cfg, source, err := loadConfig(h.path)
	if err != nil {
		return false, err
	}
	snap, err := NewSnapshot(cfg, source)
	if err != nil {
		return false, err
	}

	prev := h.current.Load()
	if prev != nil && prev.Version == snap.Version {
		return false, nil
	}
	h.current.Store(snap)

	if prev != nil {
		h.logger.Info("Configuration reloaded", "previous_version", prev.Version, "version", snap.Version, "source", source)
	}
	return true, nil
}
