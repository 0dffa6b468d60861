package settle

import "fmt"

// FailureKind is the engine's error taxonomy. Every rejected settlement
// carries a kind plus a human-readable reason, never a generic failure.
type FailureKind string

const (
	// KindMalformed: pair mismatch, non-positive amounts, bad addresses.
	// Rejected synchronously, no external calls made.
	KindMalformed FailureKind = "malformed_input"
	// KindAuth: signature does not recover to the declared signer.
	KindAuth FailureKind = "authentication_failure"
	// KindExpired: order expiry at or before submission time.
	KindExpired FailureKind = "order_expired"
	// KindAlreadyExecuted: idempotency violation, nothing dispatched.
	KindAlreadyExecuted FailureKind = "already_executed"
	// KindComplianceDenied: blocked by the active module set.
	KindComplianceDenied FailureKind = "compliance_denied"
	// KindInsufficient: balance or allowance shortfall.
	KindInsufficient FailureKind = "resource_insufficient"
	// KindExecutionFailed: dispatched, authoritative layer reports revert.
	KindExecutionFailed FailureKind = "execution_failed"
	// KindOutcomeUnknown: confirmation wait timed out or connection lost.
	// Must be resolved by re-query, never by blind retry.
	KindOutcomeUnknown FailureKind = "execution_outcome_unknown"
)

// Failure is a structured settlement rejection.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
	// TxHash is set when a transaction was dispatched before the failure
	// (execution failures and unknown outcomes), for re-query.
	TxHash string `json:"tx_hash,omitempty"`
	// ActiveModules is populated on compliance denials for audit.
	ActiveModules []string `json:"active_modules,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func failf(kind FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
