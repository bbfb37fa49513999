package sync

import (
	"sync"

	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// Multiplexer fans published toolbar states out to subscribers. Subscribers
// only ever care about the latest state, so a slow reader has its pending
// state replaced instead of blocking the publisher.
type Multiplexer struct {
	subs map[interface{}]subscription
	mu   sync.RWMutex
}

type subscription struct {
	id      interface{}
	channel chan model.ToolbarState
}

// NewMux creates an empty multiplexer.
func NewMux() *Multiplexer {
	return &Multiplexer{subs: map[interface{}]subscription{}}
}

// Register a subscription. con should be buffered; a buffer of one is enough.
func (r *Multiplexer) Register(id interface{}, con chan model.ToolbarState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = subscription{id: id, channel: con}
}

// Unregister a subscription
func (r *Multiplexer) Unregister(id interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Publish state to every subscription
func (r *Multiplexer) Publish(state model.ToolbarState) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subs {
		select {
		case sub.channel <- state:
			continue
		default:
		}
		// drop the stale pending state and retry once
		select {
		case <-sub.channel:
		default:
		}
		select {
		case sub.channel <- state:
		default:
		}
	}
}

// Len returns the number of subscriptions.
func (r *Multiplexer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
