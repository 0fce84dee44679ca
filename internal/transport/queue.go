// Package transport provides swarm message transports: an in-process
// loopback bus, NATS subjects and Redis pub/sub channels. Every transport
// broadcasts to all subscribers of the topic, including the sender.
package transport

import "sync"

// inbox is an unbounded FIFO feeding an inbound channel. Publishing never
// blocks, so a handler that sends while processing cannot deadlock against
// its own inbox.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
	done   chan struct{}
	out    chan []byte
}

func newInbox() *inbox {
	in := &inbox{out: make(chan []byte), done: make(chan struct{})}
	in.cond = sync.NewCond(&in.mu)
	go in.pump()
	return in
}

func (in *inbox) push(msg []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.queue = append(in.queue, msg)
	in.cond.Signal()
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.done)
	in.cond.Signal()
}

func (in *inbox) pump() {
	defer close(in.out)
	for {
		in.mu.Lock()
		for len(in.queue) == 0 && !in.closed {
			in.cond.Wait()
		}
		if in.closed {
			in.mu.Unlock()
			return
		}
		msg := in.queue[0]
		in.queue[0] = nil
		in.queue = in.queue[1:]
		in.mu.Unlock()

		select {
		case in.out <- msg:
		case <-in.done:
			return
		}
	}
}
