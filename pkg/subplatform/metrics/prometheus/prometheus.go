package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Metrics implements subplatform.Metrics using Prometheus.
type Metrics struct {
	paymentsTotal       *prometheus.CounterVec
	paymentAmount       *prometheus.HistogramVec
	statusCheckDuration *prometheus.HistogramVec
	storageOpsDuration  *prometheus.HistogramVec
	storageOpsErrors    *prometheus.CounterVec
	adminChangesTotal   *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		paymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_payments_total",
			Help:      "Total number of subscription payment attempts.",
		}, []string{"creator", "method", "success"}),

		paymentAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_payment_amount",
			Help:      "Distribution of settled payment amounts.",
			Buckets:   []float64{1, 10, 100, 1_000, 10_000, 100_000, 1_000_000},
		}, []string{"creator", "method"}),

		statusCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_status_check_duration_seconds",
			Help:      "Latency of subscription status checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"creator"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		adminChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_changes_total",
			Help:      "Total number of owner-level configuration changes.",
		}, []string{"setting", "success"}),
	}
}

func (m *Metrics) RecordPayment(creator string, tierID uint64, method subplatform.PaymentKind, amount int64, success bool) {
	m.paymentsTotal.WithLabelValues(creator, string(method), strconv.FormatBool(success)).Inc()
	if success {
		m.paymentAmount.WithLabelValues(creator, string(method)).Observe(float64(amount))
	}
}

func (m *Metrics) RecordStatusCheck(creator string, duration time.Duration) {
	m.statusCheckDuration.WithLabelValues(creator).Observe(duration.Seconds())
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordAdminChange(setting string, success bool) {
	m.adminChangesTotal.WithLabelValues(setting, strconv.FormatBool(success)).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
