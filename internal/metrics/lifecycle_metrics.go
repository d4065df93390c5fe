package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LifecycleMetrics содержит метрики переходов заявок.
type LifecycleMetrics struct {
	// Счётчики операций
	ordersCreated prometheus.Counter
	transitions   *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	noops         *prometheus.CounterVec

	// Гистограммы времени выполнения
	transitionDuration *prometheus.HistogramVec

	// Геозона
	geofenceRejections prometheus.Counter
	checkinDistance    prometheus.Histogram

	// Уведомления
	outboxEnqueueFailures prometheus.Counter
}

// NewLifecycleMetrics создаёт метрики и регистрирует их в DefaultRegisterer.
func NewLifecycleMetrics() *LifecycleMetrics {
	return NewLifecycleMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLifecycleMetricsWithRegisterer регистрирует метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewLifecycleMetricsWithRegisterer(registerer prometheus.Registerer) *LifecycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LifecycleMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "repairdesk_orders_created_total",
			Help: "Total number of repair orders created",
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "repairdesk_transitions_total",
			Help: "Total number of lifecycle operations grouped by action and result class",
		}, []string{"action", "result"}),
		conflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "repairdesk_transition_conflicts_total",
			Help: "Total number of conditional writes rejected because the order changed concurrently",
		}, []string{"action"}),
		noops: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "repairdesk_transition_noops_total",
			Help: "Total number of repeated operations answered without a write",
		}, []string{"action"}),
		transitionDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "repairdesk_transition_duration_seconds",
			Help:    "Duration of lifecycle operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"action"}),
		geofenceRejections: registerCounter(registerer, prometheus.CounterOpts{
			Name: "repairdesk_geofence_rejections_total",
			Help: "Total number of check-ins rejected by the geofence",
		}),
		checkinDistance: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "repairdesk_checkin_distance_meters",
			Help:    "Distance between reported and stored coordinates on check-in",
			Buckets: []float64{5, 10, 25, 50, 100, 150, 200, 300, 500, 1000, 5000},
		}),
		outboxEnqueueFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "repairdesk_outbox_enqueue_failures_total",
			Help: "Total number of notifications that could not be written to the outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заявок.
func (m *LifecycleMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordTransition фиксирует результат операции и её длительность.
func (m *LifecycleMetrics) RecordTransition(action, result string, duration time.Duration) {
	m.transitions.WithLabelValues(action, result).Inc()
	m.transitionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordConflict увеличивает счётчик конфликтов условной записи.
func (m *LifecycleMetrics) RecordConflict(action string) {
	m.conflicts.WithLabelValues(action).Inc()
}

// RecordNoop увеличивает счётчик повторных операций без записи.
func (m *LifecycleMetrics) RecordNoop(action string) {
	m.noops.WithLabelValues(action).Inc()
}

// RecordCheckinDistance записывает расстояние при check-in.
func (m *LifecycleMetrics) RecordCheckinDistance(meters float64) {
	m.checkinDistance.Observe(meters)
}

// RecordGeofenceRejection увеличивает счётчик отказов по геозоне.
func (m *LifecycleMetrics) RecordGeofenceRejection() {
	m.geofenceRejections.Inc()
}

// RecordOutboxEnqueueFailure увеличивает счётчик неудачных записей в outbox.
func (m *LifecycleMetrics) RecordOutboxEnqueueFailure() {
	m.outboxEnqueueFailures.Inc()
}
