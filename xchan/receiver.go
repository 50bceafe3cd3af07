package xchan

import (
	"sync"

	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/wire"
)

// Receiver owns the read half of a SocketStream, demultiplexing incoming
// packets into one queue per recognized kind. Unrecognized-for-this-
// channel packets are logged and dropped. EOF on the socket is not an
// error: it transitions the channel to "closed" by closing every queue;
// downstream Pop()s then observe ok=false.
type Receiver struct {
	stream   *wire.SocketStream
	queues   map[wire.PacketType]*packetQueue
	stopCh   chan struct{}
	wg       sync.WaitGroup
	name     string
	closeErr error
	mu       sync.Mutex
}

func newReceiver(stream *wire.SocketStream, name string, kinds []wire.PacketType) *Receiver {
	r := &Receiver{
		stream: stream,
		queues: make(map[wire.PacketType]*packetQueue, len(kinds)),
		stopCh: make(chan struct{}),
		name:   name,
	}
	for _, k := range kinds {
		r.queues[k] = newPacketQueue()
	}
	r.wg.Add(1)
	go r.receiveLoop()
	return r
}

// Queue returns the demultiplexed queue for a recognized kind, or nil if
// this channel side never expects that kind (a programmer error to call
// Pop on).
func (r *Receiver) Queue(kind wire.PacketType) *packetQueue { return r.queues[kind] }

func (r *Receiver) receiveLoop() {
	defer r.wg.Done()
	defer r.closeAll(nil)
	for {
		p, err := r.stream.Receive()
		if err != nil {
			r.mu.Lock()
			r.closeErr = err
			r.mu.Unlock()
			return
		}
		q, ok := r.queues[p.Type]
		if !ok {
			nlog.Warningf("%s: dropping unrecognized packet %s", r.name, p.Type)
			continue
		}
		q.Push(p)
	}
}

func (r *Receiver) closeAll(error) {
	for _, q := range r.queues {
		q.Close()
	}
}

// Disconnect closes every demultiplexed queue and signals the receive
// task; the underlying socket read is also torn down so the goroutine
// unblocks immediately rather than waiting for a peer-initiated EOF.
func (r *Receiver) Disconnect() {
	select {
	case <-r.stopCh:
		return
	default:
		close(r.stopCh)
	}
	r.stream.Close()
	r.wg.Wait()
}

// Err returns the read error that stopped the receive loop, if any. After
// Disconnect this is the error from reading the closed socket, not nil.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}
