package broker

import (
	"sync"

	"github.com/redis/go-redis/v9"
)

// subscriptionRegistry owns the broker's open pub/sub subscriptions.
type subscriptionRegistry struct {
	mu     sync.Mutex
	next   uint64
	subs   map[uint64]*redis.PubSub
	closed bool
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[uint64]*redis.PubSub)}
}

func (r *subscriptionRegistry) add(ps *redis.PubSub) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	r.next++
	r.subs[r.next] = ps
	return r.next, true
}

// remove closes and forgets one subscription; unknown handles are ignored.
func (r *subscriptionRegistry) remove(handle uint64) {
	r.mu.Lock()
	ps, ok := r.subs[handle]
	delete(r.subs, handle)
	r.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (r *subscriptionRegistry) closeAll() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[uint64]*redis.PubSub)
	r.closed = true
	r.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
}

func (r *subscriptionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *subscriptionRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
