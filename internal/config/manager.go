package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/relaymesh/plansolve/internal/controlplane"
)

// Manager adapts the file-backed config loader to controlplane.ConfigManager.
// Apply never hot-swaps the running gateway's config: plansolve has no
// per-component reload hooks, so every apply reports RestartRequired.
type Manager struct {
	path string
}

var _ controlplane.ConfigManager = (*Manager)(nil)

// NewManager returns a Manager reading/writing the config file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// ConfigSnapshot returns the on-disk config contents and a content hash.
func (m *Manager) ConfigSnapshot(ctx context.Context) (controlplane.ConfigSnapshot, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return controlplane.ConfigSnapshot{}, fmt.Errorf("read config: %w", err)
	}
	sum := sha256.Sum256(raw)
	return controlplane.ConfigSnapshot{
		Path: m.path,
		Raw:  string(raw),
		Hash: hex.EncodeToString(sum[:]),
	}, nil
}

// ConfigSchema returns the JSON Schema for the Config struct.
func (m *Manager) ConfigSchema(ctx context.Context) ([]byte, error) {
	return JSONSchema()
}

// ApplyConfig validates raw against the current schema and, if baseHash no
// longer matches the on-disk file, reports a conflict as a warning rather
// than overwriting concurrent edits. On success the file is rewritten but
// the running process is not reloaded: RestartRequired is always true.
func (m *Manager) ApplyConfig(ctx context.Context, raw string, baseHash string) (*controlplane.ConfigApplyResult, error) {
	current, err := m.ConfigSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	var warnings []string
	if baseHash != "" && baseHash != current.Hash {
		warnings = append(warnings, "base_hash does not match the file on disk; applying anyway")
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(raw), 0o644); err != nil {
		return nil, fmt.Errorf("write candidate config: %w", err)
	}
	if _, err := Load(tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("candidate config invalid: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return nil, fmt.Errorf("replace config file: %w", err)
	}

	return &controlplane.ConfigApplyResult{
		Applied:         true,
		RestartRequired: true,
		Warnings:        warnings,
	}, nil
}
