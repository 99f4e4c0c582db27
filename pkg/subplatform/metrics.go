package subplatform

import "time"

// Metrics defines the interface for tracking platform operations.
type Metrics interface {
	// RecordPayment records a subscribe/renewal attempt.
	RecordPayment(creator string, tierID uint64, method PaymentKind, amount int64, success bool)

	// RecordStatusCheck records the duration of an IsActive check.
	RecordStatusCheck(creator string, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordAdminChange records an owner-level configuration change
	// (fee, grace period, whitelist, ownership).
	RecordAdminChange(setting string, success bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordPayment(creator string, tierID uint64, method PaymentKind, amount int64, success bool) {
}
func (n *NoopMetrics) RecordStatusCheck(creator string, duration time.Duration)                   {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordAdminChange(setting string, success bool)                             {}
