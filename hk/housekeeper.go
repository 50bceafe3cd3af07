// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/dalaw2/visiogrid/cmn/mono"
)

const NameSuffix = ".hk"

// request is one registered callback and when it is next due. f returns
// the delay until the next invocation; returning <= 0 unregisters it.
type request struct {
	f         func() time.Duration
	name      string
	due       int64 // mono.NanoTime
	heapIndex int
}

type reqHeap []*request

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return h[i].due < h[j].due }
func (h reqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}
func (h *reqHeap) Push(x any) {
	r := x.(*request)
	r.heapIndex = len(*h)
	*h = append(*h, r)
}
func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIndex = -1
	*h = old[:n-1]
	return r
}

// Housekeeper runs one background task that wakes for the soonest due
// callback, invokes it, and reschedules it by the duration it returns.
type Housekeeper struct {
	mu      sync.Mutex
	byName  map[string]*request
	heap    reqHeap
	wake    chan struct{}
	started chan struct{}
	once    sync.Once
}

var DefaultHK = New()

func New() *Housekeeper {
	return &Housekeeper{
		byName:  make(map[string]*request),
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
	}
}

// TestInit resets the DefaultHK scheduler; intended for test bootstrap.
func TestInit() { DefaultHK = New() }

func WaitStarted() { <-DefaultHK.started }

func Reg(name string, f func() time.Duration, initial ...time.Duration) {
	DefaultHK.Reg(name, f, initial...)
}
func Unreg(name string)             { DefaultHK.Unreg(name) }
func UnregIf(name string, f func()) { DefaultHK.UnregIf(name, f) }

// Reg schedules f to run immediately (or after the optional initial
// delay), then again after each duration f itself returns.
func (hk *Housekeeper) Reg(name string, f func() time.Duration, initial ...time.Duration) {
	var delay time.Duration
	if len(initial) > 0 {
		delay = initial[0]
	}
	r := &request{f: f, name: name, due: mono.NanoTime() + int64(delay)}

	hk.mu.Lock()
	if old, ok := hk.byName[name]; ok {
		hk.removeLocked(old)
	}
	hk.byName[name] = r
	heap.Push(&hk.heap, r)
	hk.mu.Unlock()

	hk.signal()
}

// Unreg removes a registered callback; a no-op if not registered.
func (hk *Housekeeper) Unreg(name string) {
	hk.mu.Lock()
	if r, ok := hk.byName[name]; ok {
		hk.removeLocked(r)
	}
	hk.mu.Unlock()
}

// UnregIf unregisters name and, if it was registered, invokes f.
func (hk *Housekeeper) UnregIf(name string, f func()) {
	hk.mu.Lock()
	r, ok := hk.byName[name]
	if ok {
		hk.removeLocked(r)
	}
	hk.mu.Unlock()
	if ok && f != nil {
		f()
	}
}

func (hk *Housekeeper) removeLocked(r *request) {
	delete(hk.byName, r.name)
	if r.heapIndex >= 0 {
		heap.Remove(&hk.heap, r.heapIndex)
	}
}

func (hk *Housekeeper) signal() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until stopped; it never returns on its own,
// so callers spawn it as `go hk.DefaultHK.Run()`.
func (hk *Housekeeper) Run() {
	hk.once.Do(func() { close(hk.started) })
	for {
		d, ready := hk.next()
		if ready == nil {
			select {
			case <-hk.wake:
				continue
			case <-time.After(d):
				continue
			}
		}

		next := ready.f()

		hk.mu.Lock()
		if next <= 0 {
			hk.removeLocked(ready)
		} else {
			ready.due = mono.NanoTime() + int64(next)
			if ready.heapIndex >= 0 {
				heap.Fix(&hk.heap, ready.heapIndex)
			}
		}
		hk.mu.Unlock()
	}
}

// next returns the soonest-due request if it is already due, else the
// wait duration until it becomes due (or a long idle sleep if empty).
func (hk *Housekeeper) next() (time.Duration, *request) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	if len(hk.heap) == 0 {
		return time.Minute, nil
	}
	top := hk.heap[0]
	now := mono.NanoTime()
	if top.due <= now {
		return 0, top
	}
	return time.Duration(top.due - now), nil
}
