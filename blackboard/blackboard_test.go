package blackboard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveChange(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case c := <-sub.C:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestSetGet(t *testing.T) {
	bb := New()
	bb.Set("queue_status", map[string]interface{}{"depth": 3})

	v, ok := bb.Get("queue_status")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"depth": 3}, v)

	_, ok = bb.Get("missing")
	assert.False(t, ok)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	bb := New()
	sub := bb.Subscribe("backpressure_active")
	defer bb.Unsubscribe(sub)

	bb.Set("backpressure_active", true)

	c := receiveChange(t, sub)
	assert.Equal(t, "backpressure_active", c.Key)
	assert.Equal(t, true, c.Value)
	assert.False(t, c.Timestamp.IsZero())
}

func TestSetUnchangedValueDoesNotNotify(t *testing.T) {
	bb := New()
	bb.Set("k", 42)

	sub := bb.Subscribe("k")
	defer bb.Unsubscribe(sub)

	bb.Set("k", 42)
	select {
	case c := <-sub.C:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	bb.Set("k", 43)
	c := receiveChange(t, sub)
	assert.Equal(t, 43, c.Value)
}

func TestSubscribeAllSeesEveryKey(t *testing.T) {
	bb := New()
	sub := bb.SubscribeAll()
	defer bb.Unsubscribe(sub)

	bb.Set("a", 1)
	bb.Set("b", 2)

	first := receiveChange(t, sub)
	second := receiveChange(t, sub)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{first.Key, second.Key})
}

func TestKeySubscriberIsolation(t *testing.T) {
	bb := New()
	sub := bb.Subscribe("watched")
	defer bb.Unsubscribe(sub)

	bb.Set("other", 1)
	select {
	case c := <-sub.C:
		t.Fatalf("received change for unwatched key: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteNotifiesWithNil(t *testing.T) {
	bb := New()
	bb.Set("request_r1", "queued")

	sub := bb.Subscribe("request_r1")
	defer bb.Unsubscribe(sub)

	bb.Delete("request_r1")
	c := receiveChange(t, sub)
	assert.Nil(t, c.Value)

	_, ok := bb.Get("request_r1")
	assert.False(t, ok)

	// Deleting an absent key is silent.
	bb.Delete("request_r1")
	select {
	case c := <-sub.C:
		t.Fatalf("unexpected change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bb := New()
	sub := bb.Subscribe("k")
	bb.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe must not panic.
	bb.Unsubscribe(sub)

	bb.Set("k", 1)
}

func TestSnapshotIsCopy(t *testing.T) {
	bb := New()
	bb.Set("a", 1)

	snap := bb.Snapshot()
	snap["a"] = 99
	snap["b"] = 2

	v, _ := bb.Get("a")
	assert.Equal(t, 1, v)
	_, ok := bb.Get("b")
	assert.False(t, ok)
}

func TestSlowSubscriberDoesNotBlockWriters(t *testing.T) {
	bb := New()
	sub := bb.Subscribe("k")
	defer bb.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			bb.Set("k", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}
}

func TestConcurrentUnsubscribeDuringWrites(t *testing.T) {
	bb := New()

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				bb.Set(fmt.Sprintf("writer_%d", w), i)
			}
		}(w)
	}

	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				sub := bb.SubscribeAll()
				// Drain a little, then release while writers keep sending.
				select {
				case <-sub.C:
				default:
				}
				bb.Unsubscribe(sub)
			}
		}()
	}

	time.Sleep(300 * time.Millisecond)
	close(stop)
	wg.Wait()
}
