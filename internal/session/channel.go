package session

import "sync"

// Artifact is a handle to one persisted audio/caption pair.
type Artifact struct {
	Sequence int
	Key      string
}

// Channel is an unbounded FIFO of artifacts with a completion flag.
// It supports one producer and one consumer; Push never blocks.
type Channel struct {
	mu     sync.Mutex
	queue  []Artifact
	done   bool
	notify chan struct{}
}

func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

func (c *Channel) Push(a Artifact) {
	c.mu.Lock()
	c.queue = append(c.queue, a)
	c.mu.Unlock()
	c.signal()
}

// MarkDone flags the end of production. It reports false if already done.
func (c *Channel) MarkDone() bool {
	c.mu.Lock()
	already := c.done
	c.done = true
	c.mu.Unlock()
	if !already {
		c.signal()
	}
	return !already
}

// Peek performs a single non-blocking check. It returns the oldest artifact without
// removing it; when the queue is empty, finished reports whether production is over.
func (c *Channel) Peek() (a Artifact, ok bool, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		return c.queue[0], true, false
	}
	return Artifact{}, false, c.done
}

// Ack removes the head once it has been delivered. It reports false when the head is
// not the given sequence, so a stale or repeated ack never drops a later artifact.
func (c *Channel) Ack(sequence int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 || c.queue[0].Sequence != sequence {
		return false
	}
	c.queue[0] = Artifact{}
	c.queue = c.queue[1:]
	return true
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Ready is signalled after a push or MarkDone. Push consumers select on it between polls.
func (c *Channel) Ready() <-chan struct{} {
	return c.notify
}

func (c *Channel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
