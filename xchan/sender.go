// Package xchan implements ControlChannel and DataChannel: each wraps one
// socket, splitting it into a Sender and a Receiver plus a background send
// task and receive task, per spec §4.2.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package xchan

import (
	"sync"

	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/wire"
)

// Sender owns the write half of a SocketStream. Send pushes onto an
// unbounded queue; a background goroutine drains it and writes to the
// socket — decoupling protocol logic (which just calls Send) from socket
// I/O (one write per queued packet). Do not collapse Sender back into
// something that writes synchronously: multiple pending protocol steps
// share one connection and must not block each other on a slow write.
type Sender struct {
	stream *wire.SocketStream
	queue  *packetQueue
	stopCh chan struct{}
	wg     sync.WaitGroup
	name   string
}

func newSender(stream *wire.SocketStream, name string) *Sender {
	s := &Sender{
		stream: stream,
		queue:  newPacketQueue(),
		stopCh: make(chan struct{}),
		name:   name,
	}
	s.wg.Add(1)
	go s.sendLoop()
	return s
}

func (s *Sender) Send(p wire.Packet) { s.queue.Push(p) }

func (s *Sender) sendLoop() {
	defer s.wg.Done()
	for {
		// biased select: the stop signal is checked first via a
		// non-blocking pre-check so shutdown is observed within one
		// iteration even when the queue is also ready.
		select {
		case <-s.stopCh:
			return
		default:
		}
		select {
		case <-s.stopCh:
			return
		case p, ok := <-s.queue.Out:
			if !ok {
				return
			}
			if err := s.stream.Send(p); err != nil {
				nlog.Warningf("%s: send %s failed: %v", s.name, p.Type, err)
				return
			}
		}
	}
}

// Disconnect signals the send task via a one-shot close and shuts down
// the write half; it then waits for the send goroutine to exit.
func (s *Sender) Disconnect() {
	select {
	case <-s.stopCh:
		return // already disconnected
	default:
		close(s.stopCh)
	}
	s.stream.CloseWrite()
	s.wg.Wait()
}
