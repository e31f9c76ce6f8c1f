package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	serrors "github.com/solaceapp/solace-sync/internal/errors"
	"github.com/solaceapp/solace-sync/internal/tier"
	"github.com/solaceapp/solace-sync/internal/tiersync"
)

const (
	namespace = "solace"
	subsystem = "sync"
)

var (
	// SyncRequestsTotal counts requestSync calls by trigger source, before debouncing.
	SyncRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Total sync requests by trigger source.",
	}, []string{"source"})

	// SyncRunsTotal counts executed (post-debounce) sync runs.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "runs_total",
		Help:      "Total sync runs by trigger source and outcome.",
	}, []string{"source", "outcome"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "duration_seconds",
		Help:      "Sync run duration in seconds.",
		Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"source"})

	BillingQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "billing_queries_total",
		Help:      "Billing provider queries by result: ok or the failure kind.",
	}, []string{"result"})

	ProfileWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "profile_writes_total",
		Help:      "Profile store tier writes by result: ok or the failure kind.",
	}, []string{"result"})

	// CurrentTier is 1 for the tier last resolved by the engine and 0 otherwise.
	CurrentTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "current_tier",
		Help:      "Tier most recently resolved by the reconciliation engine.",
	}, []string{"tier"})

	// WebhookRequestsTotal counts billing webhook requests by provider, event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by provider, event type and HTTP status.",
	}, []string{"provider", "event_type", "status"})
)

func resultLabel(err error) string {
	if err != nil {
		return string(serrors.KindOf(err))
	}
	return "ok"
}

// Observer feeds engine events into the collectors above.
type Observer struct{}

var _ tiersync.Observer = Observer{}

func (Observer) SyncRequested(source tier.Source) {
	SyncRequestsTotal.WithLabelValues(string(source)).Inc()
}

func (Observer) SyncFinished(source tier.Source, outcome tiersync.Outcome, resolved tier.Tier, elapsed time.Duration) {
	SyncRunsTotal.WithLabelValues(string(source), string(outcome)).Inc()
	SyncDuration.WithLabelValues(string(source)).Observe(elapsed.Seconds())
	if resolved.Valid() {
		SetCurrentTier(resolved)
	}
}

func (Observer) BillingQueried(err error) {
	BillingQueriesTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (Observer) ProfileWritten(err error) {
	ProfileWritesTotal.WithLabelValues(resultLabel(err)).Inc()
}

// SetCurrentTier flips the current_tier gauge.
func SetCurrentTier(t tier.Tier) {
	for _, candidate := range []tier.Tier{tier.Free, tier.Premium} {
		v := 0.0
		if candidate == t {
			v = 1
		}
		CurrentTier.WithLabelValues(string(candidate)).Set(v)
	}
}

// RecordWebhook counts one webhook request.
func RecordWebhook(provider, eventType string, status int) {
	if eventType == "" {
		eventType = "unknown"
	}
	WebhookRequestsTotal.WithLabelValues(provider, eventType, statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}
