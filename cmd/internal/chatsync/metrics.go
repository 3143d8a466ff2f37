package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors. NewMetrics(nil) returns unregistered collectors.
type Metrics struct {
	Opens               *prometheus.CounterVec
	Evictions           prometheus.Counter
	Resident            prometheus.Gauge
	PagesFetched        prometheus.Counter
	PushBatches         prometheus.Counter
	LatePushes          prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	SubscriptionErrors  prometheus.Counter
	ProfileLookups      *prometheus.CounterVec
	NotifyFailures      prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "registry",
			Name:      "opens_total",
			Help:      "Conversation opens by outcome (loaded, cached, error).",
		}, []string{"outcome"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "registry",
			Name:      "evictions_total",
			Help:      "Conversation caches evicted by the residency cap.",
		}),
		Resident: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Subsystem: "registry",
			Name:      "resident_conversations",
			Help:      "Conversation caches currently resident.",
		}),
		PagesFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "pager",
			Name:      "pages_fetched_total",
			Help:      "History pages fetched from the remote store.",
		}),
		PushBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "subscriptions",
			Name:      "push_batches_total",
			Help:      "Change-feed batches applied to a cache.",
		}),
		LatePushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "subscriptions",
			Name:      "late_pushes_total",
			Help:      "Change-feed batches dropped because their conversation was closed or evicted.",
		}),
		ActiveSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "convsync",
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Live change-feed listeners.",
		}),
		SubscriptionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "subscriptions",
			Name:      "errors_total",
			Help:      "Subscriptions that entered the error state.",
		}),
		ProfileLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "profiles",
			Name:      "lookups_total",
			Help:      "Profile resolutions by result (hit, fetched, absent, failed, canceled).",
		}, []string{"result"}),
		NotifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "convsync",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Notification tasks that could not be queued.",
		}),
	}
}
