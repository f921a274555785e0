package quotagate

import "time"

// Metrics defines the interface for tracking limiter operations.
type Metrics interface {
	// RecordDecision records the outcome and latency of one evaluation.
	RecordDecision(feature, plan string, allowed bool, duration time.Duration)

	// RecordViolation records a detected violation by type and action.
	RecordViolation(violationType, action string)

	// RecordStoreFallback records one degradation from the shared store to
	// the in-process map.
	RecordStoreFallback(operation string)

	// RecordStoreOperation records the duration and status of a counter
	// store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)

	// RecordSinkDrop records an audit/violation event dropped because the
	// forwarding queue was full.
	RecordSinkDrop(kind string)

	// RecordAuditPurge records entries evicted by the retention sweep.
	RecordAuditPurge(count int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(feature, plan string, allowed bool, duration time.Duration) {}
func (n *NoopMetrics) RecordViolation(violationType, action string)                              {}
func (n *NoopMetrics) RecordStoreFallback(operation string)                                      {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error)  {}
func (n *NoopMetrics) RecordSinkDrop(kind string)                                                {}
func (n *NoopMetrics) RecordAuditPurge(count int)                                                {}
