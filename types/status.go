package types

// EarmarkStatus tracks an earmark through its funding lifecycle.
type EarmarkStatus string

const (
	EarmarkInitiating EarmarkStatus = "initiating"
	EarmarkPending    EarmarkStatus = "pending"
	EarmarkReady      EarmarkStatus = "ready"
	EarmarkCompleted  EarmarkStatus = "completed"
	EarmarkCancelled  EarmarkStatus = "cancelled"
	EarmarkFailed     EarmarkStatus = "failed"
	EarmarkExpired    EarmarkStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s EarmarkStatus) Terminal() bool {
	switch s {
	case EarmarkCompleted, EarmarkCancelled, EarmarkFailed, EarmarkExpired:
		return true
	}
	return false
}

// Active is the complement of Terminal: the earmark still pins its
// invoice and its designated chain's liquidity.
func (s EarmarkStatus) Active() bool { return !s.Terminal() }

var earmarkTransitions = map[EarmarkStatus][]EarmarkStatus{
	EarmarkInitiating: {EarmarkPending, EarmarkFailed, EarmarkCancelled},
	EarmarkPending:    {EarmarkReady, EarmarkFailed, EarmarkCancelled, EarmarkExpired},
	EarmarkReady:      {EarmarkCompleted, EarmarkFailed, EarmarkCancelled, EarmarkExpired},
}

// CanTransition reports whether moving from s to next is a legal step
// of the earmark lifecycle.
func (s EarmarkStatus) CanTransition(next EarmarkStatus) bool {
	for _, allowed := range earmarkTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OperationStatus tracks a rebalance operation from broadcast to
// settlement on the destination.
type OperationStatus string

const (
	OperationPending          OperationStatus = "pending"
	OperationAwaitingCallback OperationStatus = "awaiting_callback"
	OperationCompleted        OperationStatus = "completed"
	OperationExpired          OperationStatus = "expired"
	OperationCancelled        OperationStatus = "cancelled"
)

// Terminal reports whether the operation has finished moving funds.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationExpired, OperationCancelled:
		return true
	}
	return false
}

var operationTransitions = map[OperationStatus][]OperationStatus{
	OperationPending:          {OperationAwaitingCallback, OperationCompleted, OperationExpired, OperationCancelled},
	OperationAwaitingCallback: {OperationCompleted, OperationExpired, OperationCancelled},
}

// CanTransition reports whether moving from s to next is a legal step
// of the operation lifecycle.
func (s OperationStatus) CanTransition(next OperationStatus) bool {
	for _, allowed := range operationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IntentStatus is the hub's view of an intent or invoice.
type IntentStatus string

const (
	IntentNone                IntentStatus = "NONE"
	IntentAdded               IntentStatus = "ADDED"
	IntentDepositProcessed    IntentStatus = "DEPOSIT_PROCESSED"
	IntentInvoiced            IntentStatus = "INVOICED"
	IntentSettled             IntentStatus = "SETTLED"
	IntentSettledManually     IntentStatus = "SETTLED_AND_MANUALLY_EXECUTED"
	IntentDispatched          IntentStatus = "DISPATCHED"
	IntentUnsupported         IntentStatus = "UNSUPPORTED"
	IntentUnsupportedReturned IntentStatus = "UNSUPPORTED_RETURNED"
)

// Terminal reports whether the hub will not move the intent again, so
// any earmark tied to it can be resolved.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentSettled, IntentSettledManually, IntentDispatched, IntentUnsupportedReturned:
		return true
	}
	return false
}

// Settled reports hub statuses that mean the invoice was actually paid
// out, as opposed to being returned or dropped.
func (s IntentStatus) Settled() bool {
	return s == IntentSettled || s == IntentSettledManually || s == IntentDispatched
}

// SubmissionKind distinguishes transactions broadcast directly from
// proposals queued on a multisig.
type SubmissionKind string

const (
	SubmissionOnchain  SubmissionKind = "onchain"
	SubmissionProposal SubmissionKind = "multisig-proposal"
)

// TxMemo labels each transaction emitted by a bridge adapter so the
// loops know which leg they are monitoring.
type TxMemo string

const (
	MemoApproval  TxMemo = "Approval"
	MemoUnwrap    TxMemo = "Unwrap"
	MemoWrap      TxMemo = "Wrap"
	MemoStake     TxMemo = "Stake"
	MemoRebalance TxMemo = "Rebalance"
	MemoCallback  TxMemo = "Callback"
)

// AuditEvent tags rows in the earmark audit trail.
type AuditEvent string

const (
	AuditCreated       AuditEvent = "created"
	AuditStatusChanged AuditEvent = "status_changed"
	AuditRemoved       AuditEvent = "removed"
)
