package xchan

import (
	"github.com/dalaw2/visiogrid/wire"
)

// packetQueue is the unbounded multi-producer/single-consumer queue the
// design notes call for: every demultiplexed queue has exactly one
// producer (the channel's receive goroutine) and every packet is small
// (file chunks are rate-limited by ack, not queued wholesale), so growth
// is safe and back-pressure already lives on the socket read. Do not
// replace this with a bounded channel.
//
// Out is exported so protocol code can `select` on it directly alongside
// timers and stop signals instead of only ever blocking on Pop.
type packetQueue struct {
	Out   chan wire.Packet
	in    chan wire.Packet
	pumpC chan struct{}
}

func newPacketQueue() *packetQueue {
	q := &packetQueue{
		Out:   make(chan wire.Packet),
		in:    make(chan wire.Packet, 64), // producer-side slack; pump never blocks push for long
		pumpC: make(chan struct{}),
	}
	go q.pump()
	return q
}

// pump implements a dynamically-growing buffer between an unbounded
// producer and a single consumer reading Out, by buffering in a plain
// slice and only ever sending when both a pending item and a ready
// receiver exist.
func (q *packetQueue) pump() {
	defer close(q.Out)
	var buf []wire.Packet
	for {
		if len(buf) == 0 {
			p, ok := <-q.in
			if !ok {
				return
			}
			buf = append(buf, p)
			continue
		}
		select {
		case p, ok := <-q.in:
			if !ok {
				// drain remaining buffered items before closing Out
				for _, item := range buf {
					q.Out <- item
				}
				return
			}
			buf = append(buf, p)
		case q.Out <- buf[0]:
			buf = buf[1:]
		}
	}
}

func (q *packetQueue) Push(p wire.Packet) { q.in <- p }

// Pop blocks until a packet is available or the queue is closed, in which
// case ok is false — the caller treats this as channel disconnection.
func (q *packetQueue) Pop() (p wire.Packet, ok bool) {
	p, ok = <-q.Out
	return
}

func (q *packetQueue) Close() { close(q.in) }
