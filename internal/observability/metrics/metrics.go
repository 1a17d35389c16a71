package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulingMetrics exposes counters/histograms for availability flows.
type SchedulingMetrics struct {
	slotsGenerated    *prometheus.CounterVec
	availabilityReads *prometheus.CounterVec
	bookingsTotal     *prometheus.CounterVec
	slotsBlocked      prometheus.Counter
	sweepTotal        *prometheus.CounterVec
	suggestLatency    *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		slotsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsematch",
			Subsystem: "scheduling",
			Name:      "slots_generated_total",
			Help:      "Slots generated from availability rules",
		}, []string{"outcome"}),
		availabilityReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsematch",
			Subsystem: "scheduling",
			Name:      "availability_queries_total",
			Help:      "Availability queries by cache result",
		}, []string{"result"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsematch",
			Subsystem: "scheduling",
			Name:      "booking_attempts_total",
			Help:      "Slot booking attempts by outcome",
		}, []string{"outcome"}),
		slotsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hsematch",
			Subsystem: "scheduling",
			Name:      "slots_blocked_total",
			Help:      "Slots moved to blocked by availability blocks",
		}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hsematch",
			Subsystem: "scheduling",
			Name:      "sweep_items_total",
			Help:      "Items touched by the maintenance sweep",
		}, []string{"kind"}),
		suggestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hsematch",
			Subsystem: "scheduling",
			Name:      "suggestion_latency_seconds",
			Help:      "Latency of smart suggestion requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"preferred"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.slotsGenerated, m.availabilityReads, m.bookingsTotal, m.slotsBlocked, m.sweepTotal, m.suggestLatency)
	return m
}

func (m *SchedulingMetrics) ObserveGeneration(outcome string, slots int) {
	if m == nil || slots <= 0 {
		return
	}
	m.slotsGenerated.WithLabelValues(outcome).Add(float64(slots))
}

func (m *SchedulingMetrics) ObserveQuery(result string) {
	if m == nil {
		return
	}
	m.availabilityReads.WithLabelValues(result).Inc()
}

func (m *SchedulingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveBlock(slots int) {
	if m == nil || slots <= 0 {
		return
	}
	m.slotsBlocked.Add(float64(slots))
}

func (m *SchedulingMetrics) ObserveSweep(kind string, items int) {
	if m == nil || items <= 0 {
		return
	}
	m.sweepTotal.WithLabelValues(kind).Add(float64(items))
}

func (m *SchedulingMetrics) ObserveSuggestLatency(withPreferred bool, seconds float64) {
	if m == nil {
		return
	}
	m.suggestLatency.WithLabelValues(strconv.FormatBool(withPreferred)).Observe(seconds)
}
