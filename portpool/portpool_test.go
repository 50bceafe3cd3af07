package portpool_test

import (
	"testing"

	"github.com/dalaw2/visiogrid/portpool"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	p := portpool.New(20000, 20003)
	if p.Available() != 3 {
		t.Fatalf("expected 3 available, got %d", p.Available())
	}
	a, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("allocated same port twice")
	}
	p.Free(a)
	if p.Available() != 2 {
		t.Fatalf("expected 2 available after free, got %d", p.Available())
	}
}

func TestExhaustedRangeErrors(t *testing.T) {
	p := portpool.New(20000, 20001)
	if _, err := p.Allocate(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Allocate(); err == nil {
		t.Fatal("expected error on exhausted pool")
	}
}

func TestFreeUnallocatedIsNoop(t *testing.T) {
	p := portpool.New(20000, 20001)
	p.Free(20000)
	if p.Available() != 1 {
		t.Fatalf("expected unchanged pool, got %d available", p.Available())
	}
}

func TestEmptyRange(t *testing.T) {
	p := portpool.New(20000, 20000)
	if _, err := p.Allocate(); err == nil {
		t.Fatal("expected error on empty range")
	}
}
