package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// RegistrationCounter returns the number of live registrations.
type RegistrationCounter interface {
	Count() int
}

// CDRDispositionCounter returns CDR counts grouped by disposition.
type CDRDispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// DroppedEventCounter reports events discarded because a consumer was full.
type DroppedEventCounter interface {
	Dropped() uint64
}

// dispositions are always reported, even at zero, so rate() works from the
// first scrape.
var dispositions = []string{"answered", "cancelled", "no_answer", "failed"}

// Collector is a prometheus.Collector that gathers accesspbx metrics at
// scrape time.
type Collector struct {
	activeCalls   ActiveCallsProvider
	registrations RegistrationCounter
	cdrs          CDRDispositionCounter
	events        DroppedEventCounter
	startTime     time.Time

	activeCallsDesc   *prometheus.Desc
	registrationsDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	eventsDroppedDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	registrations RegistrationCounter,
	cdrs CDRDispositionCounter,
	events DroppedEventCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls:   activeCalls,
		registrations: registrations,
		cdrs:          cdrs,
		events:        events,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"accesspbx_active_calls",
			"Number of calls not yet terminated or cancelled",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"accesspbx_registered_users",
			"Number of users with a live registration",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"accesspbx_calls_total",
			"Total number of finished calls (from CDR)",
			[]string{"disposition"}, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"accesspbx_events_dropped_total",
			"Events discarded because a consumer queue was full",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"accesspbx_uptime_seconds",
			"Seconds since the accesspbx process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.callsTotalDesc
	ch <- c.eventsDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.Count()),
		)
	}

	// Call volume counters by disposition.
	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count cdrs by disposition", "error", err)
		} else {
			for _, d := range dispositions {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[d]), d,
				)
			}
		}
	}

	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue,
			float64(c.events.Dropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
