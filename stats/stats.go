// Package stats defines the metrics surface of the poller. The loops
// record through the Recorder interface; the Prometheus implementation
// lives next to it, and Nop keeps tests and dry runs silent. Exposition
// and push formatting are the binary's concern, not the core's.
package stats

import (
	"math/big"
	"time"
)

// InvalidReason classifies why an invoice was skipped by the purchase
// loop.
type InvalidReason string

const (
	ReasonInvalidFormat     InvalidReason = "InvalidFormat"
	ReasonInvalidOwner      InvalidReason = "InvalidOwner"
	ReasonInvalidAge        InvalidReason = "InvalidAge"
	ReasonDestinationXerc20 InvalidReason = "DestinationXerc20"
	ReasonTransactionFailed InvalidReason = "TransactionFailed"
)

// Recorder receives the poller's operational metrics.
type Recorder interface {
	// RecordPossibleInvoice counts an invoice seen in the hub queue.
	RecordPossibleInvoice(ticker string)
	// RecordInvalidInvoice counts an invoice skipped for a reason.
	RecordInvalidInvoice(ticker string, reason InvalidReason)
	// RecordSuccessfulPurchase counts a purchase intent submitted.
	RecordSuccessfulPurchase(ticker string, origin uint64)
	// RecordInvoicePurchaseDuration observes queue-to-purchase latency.
	RecordInvoicePurchaseDuration(d time.Duration)
	// UpdateRewards accumulates the discount captured by a purchase, in
	// canonical 18-decimal units.
	UpdateRewards(ticker string, amount *big.Int)

	// RecordRebalanceStarted counts a rebalance operation dispatched.
	RecordRebalanceStarted(bridge string, origin, destination uint64)
	// RecordRebalanceCompleted counts an operation reaching a terminal
	// status.
	RecordRebalanceCompleted(bridge string, status string)
	// RecordEarmarkStatus counts earmark lifecycle transitions.
	RecordEarmarkStatus(status string)

	// RecordGasAlert flags a chain whose native balance sits below its
	// configured threshold.
	RecordGasAlert(chain uint64, kind string, balance *big.Int)
	// RecordBalance publishes the observed balance of a ticker on a
	// chain, in canonical 18-decimal units.
	RecordBalance(ticker string, chain uint64, amount *big.Int)
	// RecordTickDuration observes one full loop tick.
	RecordTickDuration(loop string, d time.Duration)
}

// Nop discards every metric.
type Nop struct{}

func (Nop) RecordPossibleInvoice(string)                        {}
func (Nop) RecordInvalidInvoice(string, InvalidReason)          {}
func (Nop) RecordSuccessfulPurchase(string, uint64)             {}
func (Nop) RecordInvoicePurchaseDuration(time.Duration)         {}
func (Nop) UpdateRewards(string, *big.Int)                      {}
func (Nop) RecordRebalanceStarted(string, uint64, uint64)       {}
func (Nop) RecordRebalanceCompleted(string, string)             {}
func (Nop) RecordEarmarkStatus(string)                          {}
func (Nop) RecordGasAlert(uint64, string, *big.Int)             {}
func (Nop) RecordBalance(string, uint64, *big.Int)              {}
func (Nop) RecordTickDuration(string, time.Duration)            {}

var _ Recorder = Nop{}
