// Package portpool allocates the dedicated TCP ports handed out to
// newly provisioned DataChannels, spec §4.10.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package portpool

import (
	"sync"

	"github.com/dalaw2/visiogrid/cmn/cos"
)

// Pool hands out ports from a fixed [start, end) range. Allocation and
// release are O(1); the critical section is a handful of instructions,
// never held across I/O.
type Pool struct {
	mu     sync.Mutex
	start  int
	end    int
	free   []int
	inUse  map[int]bool
}

func New(start, end int) *Pool {
	p := &Pool{start: start, end: end, inUse: make(map[int]bool)}
	for port := start; port < end; port++ {
		p.free = append(p.free, port)
	}
	return p
}

// Allocate returns the next available port, or an error when the range
// is exhausted.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, cos.ErrSystem(nil, "portpool: no available port in range [%d, %d)", p.start, p.end)
	}
	n := len(p.free) - 1
	port := p.free[n]
	p.free = p.free[:n]
	p.inUse[port] = true
	return port, nil
}

// Free returns a port to the pool. Freeing a port not currently
// allocated is a no-op.
func (p *Pool) Free(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inUse[port] {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
