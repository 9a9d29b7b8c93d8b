package engine

import "sync"

// fanout is a FIFO event queue drained by its own dispatcher goroutine, so
// the engine loop never runs or waits on listener code.
//
// Until start is called, events are held. If more than limit events are
// held, the oldest droppable one is discarded to make room. The dispatcher
// exits after the final event has been delivered.
type fanout[T any] struct {
	mu        sync.Mutex
	items     []T
	limit     int
	droppable func(T) bool
	sealed    bool
	running   bool
	dropped   int

	wake    chan struct{}
	deliver func(T)
}

func newFanout[T any](limit int, droppable func(T) bool, deliver func(T)) *fanout[T] {
	return &fanout[T]{
		limit:     limit,
		droppable: droppable,
		wake:      make(chan struct{}, 1),
		deliver:   deliver,
	}
}

// push appends ev. Once a final event has been pushed, further events are
// ignored.
func (f *fanout[T]) push(ev T, final bool) {
	f.mu.Lock()
	if f.sealed {
		f.mu.Unlock()
		return
	}
	if !f.running && f.limit > 0 && len(f.items) >= f.limit {
		f.dropOldest()
	}
	f.items = append(f.items, ev)
	if final {
		f.sealed = true
	}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// dropOldest removes the oldest droppable held event. Called with mu held.
func (f *fanout[T]) dropOldest() {
	if f.droppable == nil {
		return
	}
	for i, ev := range f.items {
		if f.droppable(ev) {
			f.items = append(f.items[:i], f.items[i+1:]...)
			f.dropped++
			return
		}
	}
}

// start launches the dispatcher once.
func (f *fanout[T]) start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	go f.run()
}

func (f *fanout[T]) run() {
	var zero T
	for {
		f.mu.Lock()
		if len(f.items) == 0 {
			sealed := f.sealed
			f.mu.Unlock()
			if sealed {
				return
			}
			<-f.wake
			continue
		}
		ev := f.items[0]
		f.items[0] = zero
		f.items = f.items[1:]
		f.mu.Unlock()

		f.deliver(ev)
	}
}

// seal stops accepting events; the dispatcher exits once the queue drains.
func (f *fanout[T]) seal() {
	f.mu.Lock()
	f.sealed = true
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// droppedCount returns the number of held events discarded so far.
func (f *fanout[T]) droppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
