package eventbroker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeEndpoint is a test double implementing SubscriberEndpoint over an
// in-memory channel, with liveness notification on close.
type fakeEndpoint struct {
	id string

	mu       sync.Mutex
	delivered []*Event
	watchers  []LivenessWatcher
	closed    bool
}

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{id: id}
}

func (f *fakeEndpoint) ID() string { return f.id }

func (f *fakeEndpoint) Deliver(_ context.Context, event *Event) DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return DeliveryDead
	}
	f.delivered = append(f.delivered, event)
	return DeliveryOK
}

func (f *fakeEndpoint) Watch(w LivenessWatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers = append(f.watchers, w)
}

func (f *fakeEndpoint) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

// die fires every registered watcher with a fixed token, simulating the
// endpoint terminating.
func (f *fakeEndpoint) die(token LivenessToken) {
	f.mu.Lock()
	f.closed = true
	watchers := f.watchers
	f.mu.Unlock()
	for _, w := range watchers {
		w(token)
	}
}

func testFieldMap() FieldMap {
	return FieldMap{
		"region": {Kind: KindJSONPath, Path: "region", ExpectedType: TypeString},
	}
}

func newTestWorker(t *testing.T, fm FieldMap) *Worker {
	t.Helper()
	w := NewWorker("order.created", fm, 16, time.Hour, nil)
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerRefreshAndDispatch(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub := Subscription{ID: "s1", EventType: "order.created", Constraints: []Constraint{
		{FieldName: "region", ExpectedValue: "EU"},
	}}
	<-w.RefreshSubscriptions(ep, []Subscription{sub})

	matching, _ := NewEvent("order.created", map[string]string{"region": "EU"})
	w.PushEvent(matching)

	nonMatching, _ := NewEvent("order.created", map[string]string{"region": "US"})
	w.PushEvent(nonMatching)

	stats, err := w.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	waitFor(t, func() bool { return ep.deliveredCount() == 1 })
	if stats.SubscriptionCount != 1 {
		t.Errorf("SubscriptionCount = %d, want 1", stats.SubscriptionCount)
	}
}

func TestWorkerRefreshReplacesNotMerges(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub1 := Subscription{ID: "s1", Constraints: []Constraint{{FieldName: "region", ExpectedValue: "EU"}}}
	<-w.RefreshSubscriptions(ep, []Subscription{sub1})

	sub2 := Subscription{ID: "s2", Constraints: []Constraint{{FieldName: "region", ExpectedValue: "US"}}}
	<-w.RefreshSubscriptions(ep, []Subscription{sub2})

	stats, _ := w.Stats(context.Background())
	if stats.SubscriptionCount != 1 {
		t.Fatalf("expected refresh to replace (1 sub), got %d", stats.SubscriptionCount)
	}

	event, _ := NewEvent("order.created", map[string]string{"region": "EU"})
	w.PushEvent(event)
	time.Sleep(20 * time.Millisecond)
	if ep.deliveredCount() != 0 {
		t.Error("stale subscription s1 should no longer match after replace")
	}
}

func TestWorkerRefreshEmptyClears(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub := Subscription{ID: "s1", Constraints: nil}
	<-w.RefreshSubscriptions(ep, []Subscription{sub})
	<-w.RefreshSubscriptions(ep, nil)

	stats, _ := w.Stats(context.Background())
	if stats.SubscriberCount != 0 {
		t.Fatalf("expected empty refresh to clear subscriber, got %d subscribers", stats.SubscriberCount)
	}
}

func TestWorkerRejectsSubscriptionReferencingUnknownField(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub := Subscription{ID: "s1", Constraints: []Constraint{{FieldName: "ghost", ExpectedValue: "x"}}}
	<-w.RefreshSubscriptions(ep, []Subscription{sub})

	stats, _ := w.Stats(context.Background())
	if stats.SubscriptionCount != 0 {
		t.Fatalf("expected subscription referencing unknown field to be rejected, got count %d", stats.SubscriptionCount)
	}
}

func TestWorkerReloadConfigurationMakesFieldInert(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub := Subscription{ID: "s1", Constraints: []Constraint{{FieldName: "region", ExpectedValue: "EU"}}}
	<-w.RefreshSubscriptions(ep, []Subscription{sub})

	// Drop the "region" field entirely via reload: the subscription should
	// go inert (stop matching) rather than be deleted.
	if err := w.ReloadConfiguration(context.Background(), FieldMap{}); err != nil {
		t.Fatalf("ReloadConfiguration: %v", err)
	}

	event, _ := NewEvent("order.created", map[string]string{"region": "EU"})
	w.PushEvent(event)
	time.Sleep(20 * time.Millisecond)
	if ep.deliveredCount() != 0 {
		t.Error("subscription referencing a dropped field should be inert, not matching")
	}

	stats, _ := w.Stats(context.Background())
	if stats.SubscriberCount != 1 {
		t.Error("inert subscription should still be present, not deleted, after reload")
	}

	// Restoring the field via reload should make it live again.
	if err := w.ReloadConfiguration(context.Background(), testFieldMap()); err != nil {
		t.Fatalf("ReloadConfiguration: %v", err)
	}
	w.PushEvent(event)
	waitFor(t, func() bool { return ep.deliveredCount() == 1 })
}

func TestWorkerLivenessDownPurgesSubscriptions(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub := Subscription{ID: "s1", Constraints: nil}
	<-w.RefreshSubscriptions(ep, []Subscription{sub})

	stats, _ := w.Stats(context.Background())
	if stats.SubscriberCount != 1 {
		t.Fatalf("setup: expected 1 subscriber, got %d", stats.SubscriberCount)
	}

	ep.die("sub-1:token-1")
	waitFor(t, func() bool {
		s, _ := w.Stats(context.Background())
		return s.SubscriberCount == 0
	})
}

func TestWorkerLivenessDownIgnoresStaleToken(t *testing.T) {
	w := newTestWorker(t, testFieldMap())
	ep := newFakeEndpoint("sub-1")

	sub := Subscription{ID: "s1", Constraints: nil}
	<-w.RefreshSubscriptions(ep, []Subscription{sub})

	// Simulate a stale notification from a since-replaced watch by sending a
	// liveness-down with an unrelated token directly.
	w.NotifyLivenessDown("sub-1", LivenessToken("stale-token"))
	time.Sleep(20 * time.Millisecond)

	stats, _ := w.Stats(context.Background())
	if stats.SubscriberCount != 1 {
		t.Error("stale liveness token should be ignored, subscriber should remain")
	}
}

func TestWorkerDispatchExactMatchFanIn(t *testing.T) {
	w := newTestWorker(t, testFieldMap())

	const n = 1000
	endpoints := make([]*fakeEndpoint, n)
	for i := 0; i < n; i++ {
		ep := newFakeEndpoint(idFor(i))
		endpoints[i] = ep
		region := "US"
		if i%2 == 0 {
			region = "EU"
		}
		sub := Subscription{ID: "s" + idFor(i), Constraints: []Constraint{
			{FieldName: "region", ExpectedValue: region},
		}}
		<-w.RefreshSubscriptions(ep, []Subscription{sub})
	}

	event, _ := NewEvent("order.created", map[string]string{"region": "EU"})
	w.PushEvent(event)

	waitFor(t, func() bool {
		for i := 0; i < n; i += 2 {
			if endpoints[i].deliveredCount() != 1 {
				return false
			}
		}
		return true
	})

	for i := 1; i < n; i += 2 {
		if endpoints[i].deliveredCount() != 0 {
			t.Fatalf("endpoint %d should not have received the EU event", i)
		}
	}
}

func idFor(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
