// Package bridge defines the adapter contract every rebalancing backend
// implements: quoting, minimums, building the origin transaction chain,
// destination readiness and optional destination callbacks. Concrete
// adapters live in subpackages and register themselves in a Registry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/everclear-net/mark/types"
)

// Adapter tags, used in route preferences and operation records.
const (
	TagAcross  = "across"
	TagOpStack = "optimism"
	TagZkSync  = "zksync"
	TagBinance = "binance"
	TagMeth    = "meth"
)

var (
	// ErrUnsupported means the adapter cannot serve the route at all:
	// missing deployments, unlisted asset, or wrong chain family.
	ErrUnsupported = errors.New("bridge: route not supported")
	// ErrBelowMinimum means the amount does not clear the bridge's
	// floor; planners should skip instead of retrying.
	ErrBelowMinimum = errors.New("bridge: amount below bridge minimum")
	// ErrSlippageExceeded means a quote breached the configured cap.
	ErrSlippageExceeded = errors.New("bridge: slippage exceeds configured cap")
	// ErrTransientUpstream marks recoverable upstream trouble (rate
	// limits, 5xx, timeouts) worth retrying later.
	ErrTransientUpstream = errors.New("bridge: transient upstream failure")
	// ErrCallbackNotReady means the destination callback cannot be
	// built yet; the operation stays in its current state.
	ErrCallbackNotReady = errors.New("bridge: callback not ready")
	// ErrOperationCancelled means the transfer can no longer complete
	// and the operation should move to cancelled.
	ErrOperationCancelled = errors.New("bridge: operation cancelled upstream")
)

// Tx is one memoized transaction of an adapter's plan. The memo tells
// the loops what the leg does; the final leg of every Send plan must be
// the Rebalance leg.
type Tx struct {
	Memo    types.TxMemo
	ChainID uint64
	To      common.Address
	Value   *big.Int
	Data    []byte
}

// Adapter is one bridging backend.
type Adapter interface {
	// Kind returns the adapter's registry tag.
	Kind() string

	// Quote returns the expected received amount on the destination, in
	// destination-asset native decimals, for sending amount (origin
	// decimals) over the route.
	Quote(ctx context.Context, amount *big.Int, route types.Route) (*big.Int, error)

	// Minimum returns the smallest sendable amount in origin decimals,
	// or nil when the bridge imposes no floor.
	Minimum(ctx context.Context, route types.Route) (*big.Int, error)

	// Headroom returns the safety margin in dbps subtracted from the
	// route's configured slippage cap when validating quotes.
	Headroom() int64

	// Send builds the ordered origin-side transaction chain moving
	// amount from sender to recipient over the route.
	Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route) ([]*Tx, error)

	// ReadyOnDestination reports whether funds from the origin transfer
	// identified by originReceipt have arrived (or are provable) on the
	// destination.
	ReadyOnDestination(ctx context.Context, amount *big.Int, route types.Route, originReceipt *gtypes.Receipt) (bool, error)

	// DestinationCallback builds the destination-side transaction that
	// finishes the transfer, or returns nil when none is needed.
	DestinationCallback(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (*Tx, error)

	// IsCallbackComplete reports whether the destination side needs no
	// further action.
	IsCallbackComplete(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (bool, error)
}

// Registry resolves adapters by tag.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its tag. Registering the same tag
// twice is a wiring bug and panics.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Kind()]; dup {
		panic(fmt.Sprintf("bridge: duplicate adapter %q", a.Kind()))
	}
	r.adapters[a.Kind()] = a
}

// Resolve returns the adapter for a tag.
func (r *Registry) Resolve(tag string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter %q", ErrUnsupported, tag)
	}
	return a, nil
}

// Tags lists the registered adapter tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		tags = append(tags, tag)
	}
	return tags
}

// ValidatePlan checks the structural invariant of a Send result: at
// least one leg, and the final leg must be the Rebalance transfer.
func ValidatePlan(txs []*Tx) error {
	if len(txs) == 0 {
		return errors.New("bridge: empty transaction plan")
	}
	if last := txs[len(txs)-1]; last.Memo != types.MemoRebalance {
		return fmt.Errorf("bridge: plan ends with %s, want %s", last.Memo, types.MemoRebalance)
	}
	return nil
}
