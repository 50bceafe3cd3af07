package monitor_test

import (
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/monitor"
)

func TestMonitorProducesSamples(t *testing.T) {
	m := monitor.New(20 * time.Millisecond)
	m.Start()
	defer m.Stop()

	deadline := time.After(2 * time.Second)
	for {
		s := m.Latest()
		if !s.Taken.IsZero() {
			if s.RAMTotalMB == 0 {
				t.Fatal("expected non-zero RAM total on any real host")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first sample")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRegistryExposesGauges(t *testing.T) {
	m := monitor.New(time.Second)
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) != 5 {
		t.Fatalf("expected 5 registered metric families, got %d", len(mfs))
	}
}
