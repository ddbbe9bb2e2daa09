// Package refresh collapses bursts of "module graph changed" signals into a
// single re-analysis event.
package refresh

import (
	"sync"
	"time"
)

// State is the coordinator's debounce state.
type State int

const (
	// Idle means no emission is pending.
	Idle State = iota
	// Scheduled means a timer is armed and further Fire calls are absorbed.
	Scheduled
)

func (s State) String() string {
	if s == Scheduled {
		return "scheduled"
	}
	return "idle"
}

// Coordinator is a debounced broadcast trigger.
// Listeners receive an empty struct per emitted event; delivery never
// blocks, a listener whose buffer is full simply coalesces.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	delay     time.Duration
	emitted   uint64
	listeners map[chan struct{}]struct{}
}

// New returns a coordinator with a zero-delay timer.
func New() *Coordinator {
	return NewWithDelay(0)
}

// NewWithDelay returns a coordinator whose timer waits d before emitting.
func NewWithDelay(d time.Duration) *Coordinator {
	return &Coordinator{
		delay:     d,
		listeners: make(map[chan struct{}]struct{}),
	}
}

// Fire schedules an emission unless one is already pending.
func (c *Coordinator) Fire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Scheduled {
		return
	}
	c.state = Scheduled
	time.AfterFunc(c.delay, c.emit)
}

// State returns the current debounce state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emitted returns how many events have been broadcast.
func (c *Coordinator) Emitted() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

// Subscribe returns a channel that receives one value per emitted event.
// The caller must call Unsubscribe when done.
func (c *Coordinator) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (c *Coordinator) Unsubscribe(ch chan struct{}) {
	c.mu.Lock()
	_, ok := c.listeners[ch]
	delete(c.listeners, ch)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Coordinator) emit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Idle
	c.emitted++
	for ch := range c.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
