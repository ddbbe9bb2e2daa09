package cachestore

import (
	"log/slog"
	"sync"
)

type watcher struct {
	key string
	fn  func(Event)
}

// watchHub delivers events on one dispatcher goroutine, in publish order,
// outside the writer's call stack.
type watchHub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	nextID   int
	watchers map[int]watcher
	queue    []Event
	running  bool
	closed   bool
	logger   *slog.Logger
}

func newWatchHub(logger *slog.Logger) *watchHub {
	h := &watchHub{
		watchers: make(map[int]watcher),
		logger:   logger,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *watchHub) add(key string, fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.watchers[id] = watcher{key: key, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
		})
	}
}

func (h *watchHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || len(h.watchers) == 0 {
		return
	}
	h.queue = append(h.queue, ev)
	if !h.running {
		h.running = true
		go h.loop()
	}
	h.cond.Signal()
}

func (h *watchHub) close() {
	h.mu.Lock()
	h.closed = true
	h.queue = nil
	h.mu.Unlock()
	h.cond.Broadcast()
}

func (h *watchHub) loop() {
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			h.running = false
			h.mu.Unlock()
			return
		}
		ev := h.queue[0]
		h.queue = h.queue[1:]
		var targets []func(Event)
		for _, w := range h.watchers {
			if w.key == AnyKey || w.key == ev.Key {
				targets = append(targets, w.fn)
			}
		}
		h.mu.Unlock()

		for _, fn := range targets {
			h.dispatch(fn, ev)
		}
	}
}

func (h *watchHub) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("cache watcher panicked", "key", ev.Key, "panic", r)
		}
	}()
	fn(ev)
}
