package events

import (
	"sync"

	"vaultescrow/core/types"
)

const defaultFeedBuffer = 64

// Feed is an Emitter that republishes events to live subscribers. Slow
// subscribers never block emission: when a subscriber buffer is full the
// event is dropped for that subscriber and counted.
type Feed struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan *types.Event
	dropped uint64
	buffer  int
}

// NewFeed creates a feed whose subscriber channels hold buffer events. A
// non-positive buffer selects the default.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed{subs: make(map[int]chan *types.Event), buffer: buffer}
}

// Emit implements the Emitter interface.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- payload.Clone():
		default:
			f.dropped++
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function closes
// the channel and must be called once the subscriber is done.
func (f *Feed) Subscribe() (<-chan *types.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan *types.Event, f.buffer)
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if existing, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(existing)
			}
		})
	}
}

// Subscribers reports the number of live subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was
// not keeping up.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
