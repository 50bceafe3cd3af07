// Package management implements the Management node: the Agent
// registry, task scheduling, and media pre/post-processing pipelines
// (spec §4.7-4.9).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package management

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
)

// entry is one registered Agent's bookkeeping: the latest handshake
// information plus the latest performance report.
type entry struct {
	info agentmodel.AgentInformation
	perf agentmodel.Performance
}

// vramEntry is a row of the cached sorted-by-idle-vram index.
type vramEntry struct {
	ID       uuid.UUID
	IdleVRAM int64
}

// AgentManager is the in-memory registry of Agents keyed by UUID, plus a
// cached ascending-by-idle-VRAM index refreshed on the internal_timestamp
// cadence. Reads take the reader lock; add/remove/refresh take the
// writer lock, grounded on the registry-with-RWMutex idiom used
// throughout the examples' xaction registries.
type AgentManager struct {
	mu      sync.RWMutex
	agents  map[uuid.UUID]*entry
	sorted  []vramEntry
}

func NewAgentManager() *AgentManager {
	return &AgentManager{agents: make(map[uuid.UUID]*entry)}
}

func (m *AgentManager) Add(id uuid.UUID, info agentmodel.AgentInformation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[id] = &entry{info: info}
	m.refreshLocked()
}

func (m *AgentManager) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	m.refreshLocked()
}

func (m *AgentManager) Get(id uuid.UUID) (agentmodel.AgentInformation, agentmodel.Performance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	if !ok {
		return agentmodel.AgentInformation{}, agentmodel.Performance{}, false
	}
	return e.info, e.perf, true
}

func (m *AgentManager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// UpdatePerformance records the latest telemetry for id and refreshes the
// sorted index since idle_vram may have changed.
func (m *AgentManager) UpdatePerformance(id uuid.UUID, perf agentmodel.Performance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.agents[id]; ok {
		e.perf = perf
		m.refreshLocked()
	}
}

// SortedByVRAM returns a snapshot of the cached ascending-idle-VRAM
// index. Callers must re-check an Agent's live idle_ram before assigning
// against it — the snapshot can be stale by up to internal_timestamp.
func (m *AgentManager) SortedByVRAM() []vramEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]vramEntry, len(m.sorted))
	copy(out, m.sorted)
	return out
}

// FilterByVRAM returns entries with idle_vram >= threshold, ascending.
func (m *AgentManager) FilterByVRAM(threshold int64) []vramEntry {
	all := m.SortedByVRAM()
	i := sort.Search(len(all), func(i int) bool { return all[i].IdleVRAM >= threshold })
	out := make([]vramEntry, len(all)-i)
	copy(out, all[i:])
	return out
}

// Refresh recomputes the sorted index; intended to be called on the
// internal_timestamp ticker in addition to the implicit refresh that
// follows every Add/Remove/UpdatePerformance.
func (m *AgentManager) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshLocked()
}

func (m *AgentManager) refreshLocked() {
	m.sorted = m.sorted[:0]
	for id, e := range m.agents {
		idle := agentmodel.ResidualOf(e.info, e.perf)
		m.sorted = append(m.sorted, vramEntry{ID: id, IdleVRAM: int64(idle.VRAM)})
	}
	sort.Slice(m.sorted, func(i, j int) bool { return m.sorted[i].IdleVRAM < m.sorted[j].IdleVRAM })
}

// IdleRAM returns the latest reported idle RAM for id, used by
// TaskManager to re-check a candidate before committing an assignment.
func (m *AgentManager) IdleRAM(id uuid.UUID) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	if !ok {
		return 0, false
	}
	return int64(agentmodel.ResidualOf(e.info, e.perf).RAM), true
}

// IdleVRAM returns the latest reported idle VRAM for id, used by an idle
// Agent to size what it can steal via TaskManager.Steal.
func (m *AgentManager) IdleVRAM(id uuid.UUID) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.agents[id]
	if !ok {
		return 0, false
	}
	return int64(agentmodel.ResidualOf(e.info, e.perf).VRAM), true
}
