// Package store defines the persistence boundary for portals and gateway
// settings, with in-memory and JSON file implementations. The SQLite
// implementation lives in package database.
package store

import (
	"context"
	"sync"

	"macreplay/work/config"
	"macreplay/work/types"
)

// PortalStore is the durable record of portals and settings. Implementations
// must be safe for concurrent use and must return values the caller may
// mutate freely.
type PortalStore interface {
	GetPortals(ctx context.Context) ([]types.Portal, error)
	SavePortals(ctx context.Context, portals []types.Portal) error
	GetSettings(ctx context.Context) (config.Settings, error)
	SaveSettings(ctx context.Context, settings config.Settings) error
}

// Memory is a PortalStore held entirely in memory.
type Memory struct {
	mu       sync.RWMutex
	portals  []types.Portal
	settings config.Settings
	saves    int
}

// NewMemory returns a Memory store seeded with portals and settings.
func NewMemory(portals []types.Portal, settings config.Settings) *Memory {
	return &Memory{portals: clonePortals(portals), settings: settings}
}

func (m *Memory) GetPortals(ctx context.Context) ([]types.Portal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clonePortals(m.portals), nil
}

func (m *Memory) SavePortals(ctx context.Context, portals []types.Portal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portals = clonePortals(portals)
	m.saves++
	return nil
}

func (m *Memory) GetSettings(ctx context.Context) (config.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings, nil
}

func (m *Memory) SaveSettings(ctx context.Context, settings config.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return nil
}

// Saves reports how many times SavePortals has been called.
func (m *Memory) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func clonePortals(in []types.Portal) []types.Portal {
	out := make([]types.Portal, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}
