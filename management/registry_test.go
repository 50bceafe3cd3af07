package management_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/management"
)

func TestAddSortsByIdleVRAM(t *testing.T) {
	m := management.NewAgentManager()
	a, b := uuid.New(), uuid.New()

	m.Add(a, agentmodel.AgentInformation{TotalVRAM: 8_000_000_000})
	m.Add(b, agentmodel.AgentInformation{TotalVRAM: 4_000_000_000})
	m.UpdatePerformance(a, agentmodel.Performance{VRAMUsed: 1_000_000_000})
	m.UpdatePerformance(b, agentmodel.Performance{VRAMUsed: 1_000_000_000})

	sorted := m.SortedByVRAM()
	if len(sorted) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sorted))
	}
	if sorted[0].ID != b {
		t.Fatalf("expected b (lower idle vram) first")
	}
}

func TestFilterByVRAMAscendingThreshold(t *testing.T) {
	m := management.NewAgentManager()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	m.Add(a, agentmodel.AgentInformation{TotalVRAM: 1_000})
	m.Add(b, agentmodel.AgentInformation{TotalVRAM: 5_000})
	m.Add(c, agentmodel.AgentInformation{TotalVRAM: 10_000})

	filtered := m.FilterByVRAM(4_000)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 candidates >= threshold, got %d", len(filtered))
	}
	if filtered[0].ID != b {
		t.Fatalf("expected ascending order starting at b")
	}
}

func TestRemoveDropsFromIndex(t *testing.T) {
	m := management.NewAgentManager()
	a := uuid.New()
	m.Add(a, agentmodel.AgentInformation{TotalVRAM: 1_000})
	if m.Size() != 1 {
		t.Fatal("expected size 1")
	}
	m.Remove(a)
	if m.Size() != 0 {
		t.Fatal("expected size 0 after remove")
	}
	if len(m.SortedByVRAM()) != 0 {
		t.Fatal("expected empty sorted index after remove")
	}
}
