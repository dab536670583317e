package eventbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bitechdev/filtergateway/pkg/logger"
	"github.com/bitechdev/filtergateway/pkg/metrics"
	"github.com/bitechdev/filtergateway/pkg/tracing"
)

// Options configures a new Supervisor.
type Options struct {
	// ExtractorSource is passed to Load at init and on every ReloadConfig.
	ExtractorSource string

	InstanceID string

	// MailboxBufferSize sizes every Worker's command mailbox.
	MailboxBufferSize int

	// WorkerIdleTTL is how long a Worker may hold zero subscriptions before
	// it terminates.
	WorkerIdleTTL time.Duration

	// ReloadDeadline bounds each per-worker reload_configuration call.
	ReloadDeadline time.Duration

	// ClusterGroup names the discovery group this Supervisor joins.
	ClusterGroup string

	// Membership backs Processes(); defaults to LocalMembership.
	Membership ClusterMembership
}

func (o *Options) applyDefaults() {
	if o.MailboxBufferSize <= 0 {
		o.MailboxBufferSize = 256
	}
	if o.WorkerIdleTTL <= 0 {
		o.WorkerIdleTTL = 10 * time.Minute
	}
	if o.ReloadDeadline <= 0 {
		o.ReloadDeadline = 5 * time.Second
	}
	if o.ClusterGroup == "" {
		o.ClusterGroup = "filtergateway-supervisors"
	}
	if o.Membership == nil {
		o.Membership = NewLocalMembership()
	}
}

// Supervisor is the per-node singleton that locates or starts Filter
// Workers, brokers subscription refreshes, reloads the extractor config,
// and monitors Worker liveness. One Supervisor runs per node and survives
// Worker deaths.
type Supervisor struct {
	opts Options

	registry *Registry

	mu          sync.RWMutex
	extractorMp ExtractorMap

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor constructs a Supervisor and performs the initial extractor
// config load. It does not join the cluster group; call Start for that.
func NewSupervisor(opts Options) (*Supervisor, error) {
	opts.applyDefaults()
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("instance ID is required")
	}

	em, err := Load(opts.ExtractorSource)
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		opts:        opts,
		registry:    NewRegistry(),
		extractorMp: em,
		stopCh:      make(chan struct{}),
	}, nil
}

// Start joins the cluster membership group. Workers are started lazily by
// RefreshSubscriptions, not here; PushEvent never starts one.
func (s *Supervisor) Start() error {
	return s.opts.Membership.Join(s.opts.ClusterGroup, s.opts.InstanceID)
}

// Stop leaves the cluster group and terminates every live Worker, waiting
// for their run loops to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	// Snapshot the Workers first: each one removes itself from the Registry
	// as it terminates, so the Registry cannot be used to wait on them.
	var workers []*Worker
	for _, t := range s.registry.EventTypes() {
		if w := s.registry.Lookup(t); w != nil {
			workers = append(workers, w)
		}
	}

	var stopErr error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		for _, w := range workers {
			w.Stop()
		}
		stopErr = s.opts.Membership.Leave()
	})

	done := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.Stopped()
		}
		close(done)
	}()

	select {
	case <-done:
		return stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// findOrStartWorker returns the live Worker for eventType, starting one
// with the current FieldMap if none is registered yet. Lazy construction:
// many declared event types may never be subscribed to or pushed.
func (s *Supervisor) findOrStartWorker(eventType string) *Worker {
	if w := s.registry.Lookup(eventType); w != nil {
		return w
	}

	s.mu.RLock()
	fieldMap := s.extractorMp.ForEventType(eventType)
	s.mu.RUnlock()

	w := NewWorker(eventType, fieldMap, s.opts.MailboxBufferSize, s.opts.WorkerIdleTTL, s.onWorkerTerminate)
	s.registry.Register(eventType, w)
	w.Start()
	logger.Info("filtergateway: started filter worker for event type %q", eventType)
	return w
}

// onWorkerTerminate is invoked from a Worker's own goroutine on idle-TTL
// expiry or shutdown. It must never call back into the Worker synchronously
// (no cycles); it only removes the Registry entry. No auto-restart — the
// next refresh or event starts a fresh Worker.
func (s *Supervisor) onWorkerTerminate(eventType string) {
	w := s.registry.Lookup(eventType)
	if w == nil {
		return
	}
	s.registry.Unregister(eventType, w)
	logger.Info("filtergateway: filter worker for event type %q terminated", eventType)
}

// RefreshSubscriptions groups newSubs by event type, finds or starts a
// Worker for each group and forwards the replacement. For every event type
// present in prevSubs but absent from newSubs, the existing Worker (if any)
// is told to clear the subscriber. Asynchronous: the Supervisor does not
// wait for any Worker's done signal itself.
func (s *Supervisor) RefreshSubscriptions(subscriber SubscriberEndpoint, newSubs, prevSubs []Subscription) {
	byType := make(map[string][]Subscription)
	for _, sub := range newSubs {
		byType[sub.EventType] = append(byType[sub.EventType], sub)
	}

	prevTypes := make(map[string]struct{})
	for _, sub := range prevSubs {
		prevTypes[sub.EventType] = struct{}{}
	}

	for eventType, subs := range byType {
		w := s.findOrStartWorker(eventType)
		w.RefreshSubscriptions(subscriber, subs)
	}

	for eventType := range prevTypes {
		if _, stillPresent := byType[eventType]; stillPresent {
			continue
		}
		if w := s.registry.Lookup(eventType); w != nil {
			w.RefreshSubscriptions(subscriber, nil)
		}
	}
}

// PushEvent locates the Worker for event.Type via the Registry and hands it
// the event. No implicit worker creation on ingress: if no Worker is
// registered, the event is dropped.
func (s *Supervisor) PushEvent(ctx context.Context, event *Event) {
	ctx, span := tracing.StartSpan(ctx, "filtergateway.push_event", attribute.String("event_type", event.Type))
	defer span.End()

	w := s.registry.Lookup(event.Type)
	if w == nil {
		metrics.RecordFilterDrop(event.Type, "no_worker")
		return
	}
	w.PushEvent(event)
}

// ReloadConfig reloads the ExtractorMap from the configured source and
// pushes the per-type FieldMap to every live Worker, bounded by
// ReloadDeadline per worker. Atomic: on any failure the prior ExtractorMap
// is preserved and ReloadConfig returns an error.
func (s *Supervisor) ReloadConfig(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "filtergateway.reload_config")
	defer span.End()

	next, err := Load(s.opts.ExtractorSource)
	if err != nil {
		logger.Error("filtergateway: reload_config failed to load: %v", err)
		return err
	}

	s.mu.RLock()
	prev := s.extractorMp
	s.mu.RUnlock()

	unionTypes := make(map[string]struct{}, len(prev)+len(next))
	for t := range prev {
		unionTypes[t] = struct{}{}
	}
	for t := range next {
		unionTypes[t] = struct{}{}
	}

	for eventType := range unionTypes {
		fm := next.ForEventType(eventType)
		if err := CheckFilterConfig(fm); err != nil {
			return err
		}
	}

	var updated []*Worker
	var updatedTypes []string
	for eventType := range unionTypes {
		w := s.registry.Lookup(eventType)
		if w == nil {
			continue
		}
		fm := next.ForEventType(eventType)
		reloadCtx, cancel := context.WithTimeout(ctx, s.opts.ReloadDeadline)
		err := w.ReloadConfiguration(reloadCtx, fm)
		cancel()
		if err != nil {
			logger.Error("filtergateway: reload_config aborted on worker %q: %v", eventType, err)
			// Put the Workers already switched back on their prior FieldMap.
			for i, uw := range updated {
				restoreCtx, restoreCancel := context.WithTimeout(context.Background(), s.opts.ReloadDeadline)
				_ = uw.ReloadConfiguration(restoreCtx, prev.ForEventType(updatedTypes[i]))
				restoreCancel()
			}
			return err
		}
		updated = append(updated, w)
		updatedTypes = append(updatedTypes, eventType)
	}

	s.mu.Lock()
	s.extractorMp = next
	s.mu.Unlock()

	return nil
}

// Processes enumerates all Supervisor endpoints in the cluster-wide group.
func (s *Supervisor) Processes() []string {
	return s.opts.Membership.Processes(s.opts.ClusterGroup)
}

// Registry exposes the Worker Registry for read-only lookups. The ingress
// adapters do not use it: they call PushEvent, which adds tracing and the
// no_worker drop metric.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// SupervisorStats is a point-in-time snapshot of the whole node, surfaced by
// the admin HTTP surface.
type SupervisorStats struct {
	InstanceID  string                 `json:"instance_id"`
	WorkerCount int                    `json:"worker_count"`
	Workers     map[string]WorkerStats `json:"workers"`
	Processes   []string               `json:"processes"`
}

// Stats gathers a WorkerStats snapshot from every live Worker.
func (s *Supervisor) Stats(ctx context.Context) SupervisorStats {
	types := s.registry.EventTypes()
	out := SupervisorStats{
		InstanceID:  s.opts.InstanceID,
		WorkerCount: len(types),
		Workers:     make(map[string]WorkerStats, len(types)),
		Processes:   s.Processes(),
	}
	for _, t := range types {
		w := s.registry.Lookup(t)
		if w == nil {
			continue
		}
		statCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		st, err := w.Stats(statCtx)
		cancel()
		if err != nil {
			continue
		}
		out.Workers[t] = st
	}
	return out
}
