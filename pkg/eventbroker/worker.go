package eventbroker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/filtergateway/pkg/logger"
	"github.com/bitechdev/filtergateway/pkg/metrics"
)

// WorkerState is the Filter Worker's lifecycle state.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerReady
	WorkerStopping
)

// doneSignal is the one-shot rendezvous capability a refreshSubscriptions
// command's caller waits on. Close it, don't send on it.
type doneSignal chan struct{}

func newDoneSignal() doneSignal { return make(doneSignal) }

// refreshSubscriptionsCmd replaces subscriber's entire subscription set on
// this Worker with subs. An empty subs is the canonical clear operation.
type refreshSubscriptionsCmd struct {
	subscriber SubscriberEndpoint
	subs       []Subscription
	done       doneSignal
}

// reloadConfigurationCmd atomically swaps the Worker's FieldMap.
type reloadConfigurationCmd struct {
	fieldMap FieldMap
	done     chan error
}

// pushEventCmd is the ingress path: match and deliver.
type pushEventCmd struct {
	event *Event
}

// livenessDownCmd notifies the Worker that a watched endpoint died.
type livenessDownCmd struct {
	subscriberID string
	token        LivenessToken
}

// statsCmd requests a point-in-time snapshot of the Worker's state.
type statsCmd struct {
	reply chan WorkerStats
}

// WorkerStats is a point-in-time snapshot of one Filter Worker, surfaced by
// Supervisor.Stats() for the admin surface.
type WorkerStats struct {
	EventType         string
	SubscriberCount   int
	SubscriptionCount int
	FieldCount        int
}

// Worker is a per-event-type actor: it owns its subscription set and
// FieldMap exclusively, serializing every command through its mailbox. No
// state is shared across Worker boundaries except via these messages and
// the read-mostly Registry.
type Worker struct {
	eventType string
	idleTTL   time.Duration

	// initialFieldMap is the FieldMap the run loop starts with.
	initialFieldMap FieldMap

	mailbox chan interface{}
	state   atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}

	// onTerminate is invoked from the Worker's own goroutine when the
	// idle-TTL fires with zero subscriptions or Stop is called; it lets the
	// Supervisor learn
	// of the termination without the Worker calling back into it
	// synchronously (forbidden per the no-cycles rule).
	onTerminate func(eventType string)

	// referenceTokens maps subscriber ID to the token its current watch was
	// registered with, so a stale livenessDownCmd arriving after the
	// subscriber reconnected under the same ID is ignored.
	referenceTokens map[string]LivenessToken
}

// NewWorker constructs a Worker for eventType with the given initial
// FieldMap. It does not start the Worker's goroutine; call Start.
func NewWorker(eventType string, fieldMap FieldMap, mailboxSize int, idleTTL time.Duration, onTerminate func(string)) *Worker {
	w := &Worker{
		eventType:       eventType,
		idleTTL:         idleTTL,
		initialFieldMap: fieldMap,
		mailbox:         make(chan interface{}, mailboxSize),
		stopCh:          make(chan struct{}),
		stopped:         make(chan struct{}),
		onTerminate:     onTerminate,
		referenceTokens: make(map[string]LivenessToken),
	}
	w.state.Store(int32(WorkerStarting))
	return w
}

// Start runs the Worker's mailbox loop in its own goroutine.
func (w *Worker) Start() {
	go w.run()
}

// State returns the Worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Stopped returns a channel closed once the Worker's run loop has exited.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stopped
}

// Stop requests the Worker terminate; it does not wait for termination.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// RefreshSubscriptions enqueues a refresh and returns a channel that is
// closed once the Worker has applied it. Per spec this is asynchronous from
// the Supervisor's point of view; the returned signal is the rendezvous
// capability a barrier-seeking caller may wait on.
func (w *Worker) RefreshSubscriptions(subscriber SubscriberEndpoint, subs []Subscription) doneSignal {
	done := newDoneSignal()
	select {
	case w.mailbox <- refreshSubscriptionsCmd{subscriber: subscriber, subs: subs, done: done}:
	case <-w.stopCh:
		close(done)
	}
	return done
}

// ReloadConfiguration atomically swaps the Worker's FieldMap, bounded by
// ctx. Called synchronously by the Supervisor during reload_config.
func (w *Worker) ReloadConfiguration(ctx context.Context, fieldMap FieldMap) error {
	reply := make(chan error, 1)
	select {
	case w.mailbox <- reloadConfigurationCmd{fieldMap: fieldMap, done: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return ErrBrokerStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushEvent hands event to the Worker for matching. Non-blocking: if the
// mailbox is full the event is dropped and counted, never retried.
func (w *Worker) PushEvent(event *Event) {
	select {
	case w.mailbox <- pushEventCmd{event: event}:
	default:
		metrics.RecordFilterDrop(w.eventType, "mailbox_full")
		logger.Warn("filter worker %s: mailbox full, dropping event %s", w.eventType, event.ID)
	}
}

// NotifyLivenessDown tells the Worker a watched subscriber endpoint
// terminated, identified by subscriberID and the stable token its watch was
// registered with.
func (w *Worker) NotifyLivenessDown(subscriberID string, token LivenessToken) {
	select {
	case w.mailbox <- livenessDownCmd{subscriberID: subscriberID, token: token}:
	case <-w.stopCh:
	}
}

// Stats requests a snapshot of the Worker's current state.
func (w *Worker) Stats(ctx context.Context) (WorkerStats, error) {
	reply := make(chan WorkerStats, 1)
	select {
	case w.mailbox <- statsCmd{reply: reply}:
	case <-ctx.Done():
		return WorkerStats{}, ctx.Err()
	case <-w.stopCh:
		return WorkerStats{}, ErrBrokerStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return WorkerStats{}, ctx.Err()
	}
}

// run is the Worker's single-goroutine mailbox loop. Every command is
// processed one at a time in arrival order; handlers never block
// indefinitely and never call back into the Supervisor.
func (w *Worker) run() {
	defer close(w.stopped)
	defer logger.CatchPanic("filtergateway.worker.run")

	fieldMap := w.initialFieldMap
	bySubscriber := make(map[string]map[string]Subscription) // subscriberID -> subscriptionID -> Subscription
	endpoints := make(map[string]SubscriberEndpoint)          // subscriberID -> endpoint
	watched := make(map[string]bool)                          // subscriberID -> watching

	w.state.Store(int32(WorkerReady))
	metrics.UpdateWorkerCount(1)
	defer metrics.UpdateWorkerCount(-1)

	idleTimer := time.NewTimer(w.idleTTL)
	defer idleTimer.Stop()

	resetIdle := func() {
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		if len(bySubscriber) == 0 {
			idleTimer.Reset(w.idleTTL)
		}
	}

	terminate := func() {
		w.state.Store(int32(WorkerStopping))
		if w.onTerminate != nil {
			w.onTerminate(w.eventType)
		}
	}

	for {
		select {
		case raw := <-w.mailbox:
			w.handleCommand(raw, bySubscriber, endpoints, watched, &fieldMap)
			resetIdle()

		case <-idleTimer.C:
			if len(bySubscriber) == 0 {
				terminate()
				return
			}
			idleTimer.Reset(w.idleTTL)

		case <-w.stopCh:
			terminate()
			return
		}
	}
}

// handleCommand dispatches one mailbox message. fieldMapPtr lets
// reloadConfigurationCmd swap the closure-local fieldMap that the
// surrounding loop's other branches read by value each iteration.
func (w *Worker) handleCommand(
	raw interface{},
	bySubscriber map[string]map[string]Subscription,
	endpoints map[string]SubscriberEndpoint,
	watched map[string]bool,
	fieldMapPtr *FieldMap,
) {
	defer logger.CatchPanicCallback("filtergateway.worker.handleCommand", func(err any) {
		logger.Error("filter worker %s: recovered from panic handling command: %v", w.eventType, err)
	})

	switch cmd := raw.(type) {
	case refreshSubscriptionsCmd:
		w.applyRefresh(cmd, *fieldMapPtr, bySubscriber, endpoints, watched)
		close(cmd.done)

	case reloadConfigurationCmd:
		*fieldMapPtr = cmd.fieldMap
		cmd.done <- nil

	case pushEventCmd:
		w.dispatch(cmd.event, *fieldMapPtr, bySubscriber, endpoints)

	case livenessDownCmd:
		if w.referenceTokens[cmd.subscriberID] != cmd.token {
			return // stale notification for a since-reconnected endpoint
		}
		delete(bySubscriber, cmd.subscriberID)
		delete(endpoints, cmd.subscriberID)
		delete(watched, cmd.subscriberID)
		delete(w.referenceTokens, cmd.subscriberID)
		metrics.UpdateSubscriptionCount(w.eventType, countSubscriptions(bySubscriber))

	case statsCmd:
		cmd.reply <- WorkerStats{
			EventType:         w.eventType,
			SubscriberCount:   len(bySubscriber),
			SubscriptionCount: countSubscriptions(bySubscriber),
			FieldCount:        len(*fieldMapPtr),
		}
	}
}

// applyRefresh replaces subscriber's entire subscription set on this
// Worker. Subscriptions referencing a field unknown to fieldMap are
// rejected outright (spec data model invariant); this is distinct from a
// field later disappearing via reload, which makes a previously accepted
// subscription inert rather than rejecting it.
func (w *Worker) applyRefresh(
	cmd refreshSubscriptionsCmd,
	fieldMap FieldMap,
	bySubscriber map[string]map[string]Subscription,
	endpoints map[string]SubscriberEndpoint,
	watched map[string]bool,
) {
	subscriberID := cmd.subscriber.ID()

	if len(cmd.subs) == 0 {
		delete(bySubscriber, subscriberID)
		delete(endpoints, subscriberID)
		metrics.UpdateSubscriptionCount(w.eventType, countSubscriptions(bySubscriber))
		return
	}

	accepted := make(map[string]Subscription, len(cmd.subs))
	for _, sub := range cmd.subs {
		if field, bad := sub.referencesUnknownField(fieldMap); bad {
			logger.Warn("filter worker %s: rejecting subscription %s referencing unknown field %q", w.eventType, sub.ID, field)
			continue
		}
		accepted[sub.ID] = sub
	}

	prevEndpoint, wasWatching := endpoints[subscriberID]
	bySubscriber[subscriberID] = accepted
	endpoints[subscriberID] = cmd.subscriber
	metrics.UpdateSubscriptionCount(w.eventType, countSubscriptions(bySubscriber))

	// Watch whenever this is a new subscriberID, or the endpoint instance
	// changed (a reconnect under the same ID). Re-watching on reconnect and
	// overwriting referenceTokens makes any notification still in flight
	// from the replaced endpoint's watcher compare stale and get ignored —
	// the watcher always reports the token captured at registration time,
	// never whatever the endpoint itself passes in.
	if !wasWatching || prevEndpoint != cmd.subscriber {
		watched[subscriberID] = true
		token := LivenessToken(subscriberID + ":" + newWatchToken())
		w.referenceTokens[subscriberID] = token
		cmd.subscriber.Watch(func(LivenessToken) {
			w.NotifyLivenessDown(subscriberID, token)
		})
	}
}

// dispatch matches event against every subscriber's subscription set and
// delivers it to each matching subscriber exactly once.
func (w *Worker) dispatch(event *Event, fieldMap FieldMap, bySubscriber map[string]map[string]Subscription, endpoints map[string]SubscriberEndpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for subscriberID, subs := range bySubscriber {
		matched := false
		for _, sub := range subs {
			m, extractionErr := sub.matches(fieldMap, event.Payload)
			if extractionErr {
				metrics.RecordFilterDrop(w.eventType, "extraction_error")
			}
			if m {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		endpoint := endpoints[subscriberID]
		metrics.RecordFilterMatch(w.eventType)
		switch endpoint.Deliver(ctx, event) {
		case DeliveryDead:
			metrics.RecordFilterDrop(w.eventType, "dead")
		case DeliveryFull:
			metrics.RecordFilterDrop(w.eventType, "full")
		}
	}
}

func countSubscriptions(bySubscriber map[string]map[string]Subscription) int {
	n := 0
	for _, subs := range bySubscriber {
		n += len(subs)
	}
	return n
}

var watchTokenCounter atomic.Uint64

// newWatchToken produces a process-unique suffix for liveness reference
// tokens without depending on a random source: a wall-clock prefix plus an
// atomic counter that makes each token distinct.
func newWatchToken() string {
	n := watchTokenCounter.Add(1)
	return time.Now().UTC().Format("150405") + "-" + strconv.FormatUint(n, 10)
}
