package entitlement

import "time"

// Metrics defines the interface for tracking reconciliation and access decisions.
type Metrics interface {
	// RecordApply records one Apply call. outcome is an Outcome value or "error".
	RecordApply(kind, outcome string, duration time.Duration)

	// RecordKeyIssued records an API key issuance. reason is "activation" or "rotation".
	RecordKeyIssued(reason string)

	// RecordStatusTransition records a user status change caused by an event.
	RecordStatusTransition(from, to Status)

	// RecordConflict records an ownership conflict.
	RecordConflict(kind string)

	// RecordSeed records a defaults seeding attempt.
	RecordSeed(seeded bool, err error)

	// RecordAccessCheck records an access gate decision.
	RecordAccessCheck(allowed bool, reason string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordApply(kind, outcome string, duration time.Duration)                  {}
func (n *NoopMetrics) RecordKeyIssued(reason string)                                             {}
func (n *NoopMetrics) RecordStatusTransition(from, to Status)                                    {}
func (n *NoopMetrics) RecordConflict(kind string)                                                {}
func (n *NoopMetrics) RecordSeed(seeded bool, err error)                                         {}
func (n *NoopMetrics) RecordAccessCheck(allowed bool, reason string)                             {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
