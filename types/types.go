// Package types holds the domain model shared by the poller loops, the
// planner and the persistence layer: invoices as reported by the hub,
// earmarks pinned to them, rebalance operations and the purchase records
// kept between ticks.
package types

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// DbpsDenominator is the fixed-point denominator for decibasis points.
// 100000 dbps == 100%.
const DbpsDenominator = 100_000

// Invoice is a settlement obligation queued on the hub. Amounts are in
// the 18-decimal canonical representation regardless of the asset's
// on-chain decimals.
type Invoice struct {
	IntentID     string         `json:"intent_id"`
	Owner        common.Address `json:"owner"`
	TickerHash   common.Hash    `json:"ticker_hash"`
	Amount       *big.Int       `json:"amount"`
	DiscountBps  uint64         `json:"discountBps"`
	Origin       uint64         `json:"origin"`
	Destinations []uint64       `json:"destinations"`
	HubStatus    IntentStatus   `json:"hub_status"`
	EnqueuedAt   time.Time      `json:"hub_invoice_enqueued_timestamp"`
}

// Age reports how long the invoice has been sitting in the hub queue.
func (inv *Invoice) Age(now time.Time) time.Duration {
	return now.Sub(inv.EnqueuedAt)
}

// Route is a directed (origin, destination, asset) triple. Asset is the
// token address on the origin chain. DestinationAsset is only set for
// swap routes where the delivered token belongs to a different family;
// the zero address means "same family on both ends".
type Route struct {
	Origin           uint64         `json:"origin"`
	Destination      uint64         `json:"destination"`
	Asset            common.Address `json:"asset"`
	DestinationAsset common.Address `json:"destination_asset,omitempty"`
}

// SameChain reports whether the route starts and ends on one chain,
// which makes it a swap rather than a bridge transfer.
func (r Route) SameChain() bool { return r.Origin == r.Destination }

// HasSwap reports whether the delivered asset differs from the sent one.
func (r Route) HasSwap() bool {
	return r.DestinationAsset != (common.Address{}) && r.DestinationAsset != r.Asset
}

func (r Route) String() string {
	return fmt.Sprintf("%d:%s->%d", r.Origin, r.Asset.Hex(), r.Destination)
}

// AssetConfig describes one token on one chain. Xerc20 assets settle
// 1:1 through their own bridge, so their invoices are never worth
// buying.
type AssetConfig struct {
	Address          common.Address
	Symbol           string
	Decimals         uint8
	TickerHash       common.Hash
	IsNative         bool
	IsXerc20         bool
	BalanceThreshold *big.Int
}

// AssetHash identifies an asset registered on a specific domain inside
// the hub's custody ledger: keccak256(tickerHash ++ uint32(domain)).
func AssetHash(ticker common.Hash, domain uint64) common.Hash {
	var buf [36]byte
	copy(buf[:32], ticker[:])
	binary.BigEndian.PutUint32(buf[32:], uint32(domain))
	return crypto.Keccak256Hash(buf[:])
}

// Earmark pins custodied liquidity on a designated chain to a single
// invoice while the rebalance operations that fund it settle.
type Earmark struct {
	ID                      uuid.UUID     `json:"id"`
	InvoiceID               string        `json:"invoiceId"`
	DesignatedPurchaseChain uint64        `json:"designatedPurchaseChain"`
	TickerHash              common.Hash   `json:"tickerHash"`
	MinAmount               *big.Int      `json:"minAmount"`
	Status                  EarmarkStatus `json:"status"`
	CreatedAt               time.Time     `json:"createdAt"`
	UpdatedAt               time.Time     `json:"updatedAt"`
}

// OperationTx records one broadcast leg of a rebalance operation, keyed
// by the chain it was sent on. Hash is a transaction hash for on-chain
// submissions and a proposal identifier for multisig proposals.
type OperationTx struct {
	Hash     string            `json:"hash"`
	Kind     SubmissionKind    `json:"kind"`
	Memo     TxMemo            `json:"memo"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RebalanceOperation is one bridge transfer (or swap leg) in flight.
// Amount is denominated in the origin asset's native decimals;
// ExpectedOutput is the planner's canonical 18-decimal estimate of what
// the destination receives; Received is filled in on completion, also
// in canonical units.
type RebalanceOperation struct {
	ID             uuid.UUID               `json:"id"`
	EarmarkID      *uuid.UUID              `json:"earmarkId,omitempty"`
	Origin         uint64                  `json:"origin"`
	Destination    uint64                  `json:"destination"`
	TickerHash     common.Hash             `json:"tickerHash"`
	Amount         *big.Int                `json:"amount"`
	ExpectedOutput *big.Int                `json:"expectedOutputAmount"`
	Received       *big.Int                `json:"received,omitempty"`
	SlippageDbps   int64                   `json:"slippage"`
	Bridge         string                  `json:"bridge"`
	Recipient      common.Address          `json:"recipient"`
	Status         OperationStatus         `json:"status"`
	Transactions   map[uint64]*OperationTx `json:"transactions"`
	IsOrphaned     bool                    `json:"isOrphaned"`
	CreatedAt      time.Time               `json:"createdAt"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// Settled is the operation's canonical 18-decimal contribution to its
// earmark: the realized amount when known, the planned estimate
// otherwise. Only completed operations count.
func (op *RebalanceOperation) Settled() *big.Int {
	if op.Status != OperationCompleted {
		return new(big.Int)
	}
	if op.Received != nil {
		return op.Received
	}
	if op.ExpectedOutput != nil {
		return op.ExpectedOutput
	}
	return new(big.Int)
}

// TxByMemo returns the recorded leg carrying the given memo, scanning
// all chains, or nil when none was recorded yet.
func (op *RebalanceOperation) TxByMemo(memo TxMemo) *OperationTx {
	for _, tx := range op.Transactions {
		if tx != nil && tx.Memo == memo {
			return tx
		}
	}
	return nil
}

// OriginTx returns the leg recorded on the operation's origin chain.
func (op *RebalanceOperation) OriginTx() *OperationTx {
	return op.Transactions[op.Origin]
}

// PurchaseParams is the shape of the intent created when buying an
// invoice: where it is created and what it must deliver.
type PurchaseParams struct {
	Origin       uint64         `json:"origin"`
	Destinations []uint64       `json:"destinations"`
	Asset        common.Address `json:"asset"`
	Amount       *big.Int       `json:"amount"`
}

// PurchaseRecord is the short-lived memory of a submitted purchase. It
// keeps the loop from double-buying an invoice while the hub catches up
// with the new intent.
type PurchaseRecord struct {
	InvoiceID  string         `json:"invoiceId"`
	TickerHash common.Hash    `json:"tickerHash"`
	Params     PurchaseParams `json:"purchase"`
	TxHash     string         `json:"transactionHash"`
	Kind       SubmissionKind `json:"transactionType"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AuditEntry is one row of the earmark audit trail: which operation
// touched the earmark and the status transition it caused.
type AuditEntry struct {
	ID         int64         `json:"id"`
	EarmarkID  uuid.UUID     `json:"earmarkId"`
	Event      AuditEvent    `json:"operation"`
	PrevStatus EarmarkStatus `json:"previousStatus,omitempty"`
	Status     EarmarkStatus `json:"newStatus"`
	Details    string        `json:"details,omitempty"`
	CreatedAt  time.Time     `json:"timestamp"`
}
