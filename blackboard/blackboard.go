// Package blackboard provides the shared in-memory coordination surface the
// orchestration components publish runtime state to. It is a thread-safe
// key/value store with change subscriptions; it is not durable and holds no
// task-of-record data.
package blackboard

import (
	"reflect"
	"sync"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// Change describes one observed mutation. Deleted keys are reported with a
// nil Value.
type Change struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// subscriberBuffer is the channel depth per subscriber. A subscriber that
// falls further behind loses changes rather than blocking writers.
const subscriberBuffer = 64

// Subscription is a handle on a change feed. Receive from C; release with
// Blackboard.Unsubscribe.
type Subscription struct {
	C <-chan Change

	id  uint64
	key string // "" for all-keys subscriptions
	ch  chan Change

	// mu serializes sends against close. A notifier holds it for the
	// duration of its (non-blocking) send, so once Unsubscribe has set
	// closed under mu no send can still be in flight when ch is closed.
	mu     sync.Mutex
	closed bool
}

// Blackboard is the shared coordination store. All methods are safe for
// concurrent use. Notifications fire only when a Set actually changes the
// stored value, and are delivered outside the writer's critical section.
type Blackboard struct {
	mu     sync.RWMutex
	data   map[string]interface{}
	subs   map[string]map[uint64]*Subscription // per-key
	all    map[uint64]*Subscription
	nextID uint64

	logger core.Logger
}

// New creates an empty blackboard.
func New() *Blackboard {
	return &Blackboard{
		data:   make(map[string]interface{}),
		subs:   make(map[string]map[uint64]*Subscription),
		all:    make(map[uint64]*Subscription),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger injects the logger. Safe to call before concurrent use begins.
func (b *Blackboard) SetLogger(logger core.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Set stores value under key. Subscribers are notified only when the value
// actually changed.
func (b *Blackboard) Set(key string, value interface{}) {
	b.mu.Lock()
	prev, existed := b.data[key]
	if existed && reflect.DeepEqual(prev, value) {
		b.mu.Unlock()
		return
	}
	b.data[key] = value
	targets := b.collectTargets(key)
	b.mu.Unlock()

	b.notify(targets, Change{Key: key, Value: value, Timestamp: time.Now()})
}

// Get returns the value stored under key.
func (b *Blackboard) Get(key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok
}

// Delete removes key. Subscribers observe the deletion as a change with a
// nil value.
func (b *Blackboard) Delete(key string) {
	b.mu.Lock()
	if _, ok := b.data[key]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.data, key)
	targets := b.collectTargets(key)
	b.mu.Unlock()

	b.notify(targets, Change{Key: key, Value: nil, Timestamp: time.Now()})
}

// Snapshot returns a copy of the current contents.
func (b *Blackboard) Snapshot() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := make(map[string]interface{}, len(b.data))
	for k, v := range b.data {
		snap[k] = v
	}
	return snap
}

// Keys returns the stored key set.
func (b *Blackboard) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys
}

// Subscribe returns a feed of changes to a single key.
func (b *Blackboard) Subscribe(key string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription(key)
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]*Subscription)
	}
	b.subs[key][sub.id] = sub
	return sub
}

// SubscribeAll returns a feed of changes to every key.
func (b *Blackboard) SubscribeAll() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription("")
	b.all[sub.id] = sub
	return sub
}

// Unsubscribe releases the subscription and closes its channel.
func (b *Blackboard) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.key == "" {
		if _, ok := b.all[sub.id]; !ok {
			return
		}
		delete(b.all, sub.id)
	} else {
		keySubs := b.subs[sub.key]
		if _, ok := keySubs[sub.id]; !ok {
			return
		}
		delete(keySubs, sub.id)
		if len(keySubs) == 0 {
			delete(b.subs, sub.key)
		}
	}

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.ch)
}

func (b *Blackboard) newSubscription(key string) *Subscription {
	b.nextID++
	ch := make(chan Change, subscriberBuffer)
	return &Subscription{C: ch, id: b.nextID, key: key, ch: ch}
}

// collectTargets snapshots the subscriber channels for key. Caller holds the
// write lock.
func (b *Blackboard) collectTargets(key string) []*Subscription {
	targets := make([]*Subscription, 0, len(b.all)+len(b.subs[key]))
	for _, sub := range b.subs[key] {
		targets = append(targets, sub)
	}
	for _, sub := range b.all {
		targets = append(targets, sub)
	}
	return targets
}

// notify delivers the change without blocking. A full subscriber buffer
// drops the change; a concurrently released subscription is skipped.
func (b *Blackboard) notify(targets []*Subscription, change Change) {
	for _, sub := range targets {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- change:
		default:
			b.logger.Debug("Blackboard subscriber buffer full, dropping change", map[string]interface{}{
				"key": change.Key,
			})
		}
		sub.mu.Unlock()
	}
}
