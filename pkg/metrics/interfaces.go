package metrics

import (
	"net/http"
	"time"

	"github.com/bitechdev/filtergateway/pkg/logger"
)

// Provider defines the interface for metric collection. It covers the admin
// HTTP surface (request metrics) and the filter gateway's own counters and
// gauges (matches, drops, worker/subscription population).
type Provider interface {
	// RecordHTTPRequest records metrics for an admin HTTP request.
	RecordHTTPRequest(method, path, status string, duration time.Duration)

	// IncRequestsInFlight increments the in-flight requests counter.
	IncRequestsInFlight()

	// DecRequestsInFlight decrements the in-flight requests counter.
	DecRequestsInFlight()

	// RecordFilterMatch records one subscriber matched by an event of
	// eventType. It is recorded before delivery is attempted, whatever the
	// delivery outcome.
	RecordFilterMatch(eventType string)

	// RecordFilterDrop records a non-delivery for eventType. reason is one
	// of "dead", "full", "mailbox_full", "no_worker", or "extraction_error".
	RecordFilterDrop(eventType, reason string)

	// UpdateWorkerCount adjusts the live Filter Worker gauge by delta
	// (positive on start, negative on terminate).
	UpdateWorkerCount(delta int)

	// UpdateSubscriptionCount sets the current subscription count for
	// eventType to n.
	UpdateSubscriptionCount(eventType string, n int)

	// RecordPanic records a recovered panic at location.
	RecordPanic(location string)

	// Handler returns an HTTP handler for exposing metrics (e.g., /metrics endpoint)
	Handler() http.Handler
}

// globalProvider is the global metrics provider
var globalProvider Provider

// SetProvider sets the global metrics provider
func SetProvider(p Provider) {
	globalProvider = p
}

// GetProvider returns the current metrics provider
func GetProvider() Provider {
	if globalProvider == nil {
		return &NoOpProvider{}
	}
	return globalProvider
}

// RecordFilterMatch forwards to the current global provider.
func RecordFilterMatch(eventType string) { GetProvider().RecordFilterMatch(eventType) }

// RecordFilterDrop forwards to the current global provider.
func RecordFilterDrop(eventType, reason string) { GetProvider().RecordFilterDrop(eventType, reason) }

// UpdateWorkerCount forwards to the current global provider.
func UpdateWorkerCount(delta int) { GetProvider().UpdateWorkerCount(delta) }

// UpdateSubscriptionCount forwards to the current global provider.
func UpdateSubscriptionCount(eventType string, n int) {
	GetProvider().UpdateSubscriptionCount(eventType, n)
}

// NoOpProvider is a no-op implementation of Provider
type NoOpProvider struct{}

func (n *NoOpProvider) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *NoOpProvider) IncRequestsInFlight()                                                  {}
func (n *NoOpProvider) DecRequestsInFlight()                                                  {}
func (n *NoOpProvider) RecordFilterMatch(eventType string)                                   {}
func (n *NoOpProvider) RecordFilterDrop(eventType, reason string)                             {}
func (n *NoOpProvider) UpdateWorkerCount(delta int)                                           {}
func (n *NoOpProvider) UpdateSubscriptionCount(eventType string, n int)                       {}
func (n *NoOpProvider) RecordPanic(location string)                                           {}
func (n *NoOpProvider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Metrics provider not configured"))
		if err != nil {
			logger.Warn("Failed to write. %v", err)
		}
	})
}
