// Package planner turns invoice demand into executable operations. For
// each invoice it picks a purchase origin among the invoice's
// destinations, allocates hub-custodied liquidity across the configured
// settlement domains, and classifies every allocation against the
// declared rebalance routes: hub-netted intent splits where no route is
// declared, otherwise direct bridge, same-chain swap or swap+bridge
// legs sized under the route's slippage budget.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/types"
)

// topNDomains bounds the first allocation pass; the retry pass walks
// the full configured domain list.
const topNDomains = 7

// Operation priorities, used to break ties between plannable shapes of
// the same allocation.
const (
	PrioritySwap       = 0
	PriorityDirect     = 1
	PrioritySwapBridge = 2
	PriorityUnknown    = 3
)

var (
	// ErrNoCandidateOrigin means no invoice destination clears its
	// minimum with the current balances.
	ErrNoCandidateOrigin = errors.New("planner: no viable purchase origin")
	// ErrNothingAllocated means the chosen origin produced an empty
	// allocation.
	ErrNothingAllocated = errors.New("planner: no liquidity allocated")
)

// Leg is one adapter execution inside a planned operation. Amount is in
// the native decimals of the leg's input asset; ExpectedOutput is
// canonical 18-decimal and always positive.
type Leg struct {
	Route          types.Route
	Bridge         string
	Amount         *big.Int
	ExpectedOutput *big.Int
	// SlippageDbps is the bound the quote was checked against, after
	// subtracting the adapter's headroom.
	SlippageDbps int64
}

// Operation is one planned unit of work. Intent operations settle
// through the hub by netting and carry no adapter legs; the rest
// execute Swap (optional) then Main through bridge adapters.
type Operation struct {
	Priority int
	// Intent marks a hub-netted split: Amount of the origin asset is
	// committed as a purchase intent toward Main.Route.Destination.
	Intent bool
	Swap   *Leg
	Main   Leg
}

// Produced is the operation's canonical 18-decimal contribution.
func (op *Operation) Produced() *big.Int { return op.Main.ExpectedOutput }

// Plan is the planner's answer for one invoice.
type Plan struct {
	Origin     uint64
	Needed     *big.Int // canonical 18-dp minimum for the origin
	Produced   *big.Int // sum of operation outputs, <= Needed
	Operations []*Operation
}

// Planner plans purchases and funding operations.
type Planner struct {
	cfg     *config.Config
	bridges *bridge.Registry
	log     log.Logger
}

// New builds a planner over the declared routes and registered
// adapters.
func New(cfg *config.Config, bridges *bridge.Registry, logger log.Logger) *Planner {
	return &Planner{cfg: cfg, bridges: bridges, log: logger}
}

// PlanInvoice plans the purchase of one invoice. restrict, when
// non-zero, pins the candidate set to one origin (the tick's chosen
// origin for the ticker group). On success the snapshot's custodied and
// balance maps are decremented by what the plan consumes, so later
// invoices in the same tick see the remaining liquidity.
func (p *Planner) PlanInvoice(ctx context.Context, inv *types.Invoice, minAmounts map[uint64]*big.Int, snap *oracle.Snapshot, pending []*types.PurchaseRecord, restrict uint64) (*Plan, error) {
	candidates := p.candidateOrigins(inv, minAmounts, snap, pending, restrict)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: invoice %s", ErrNoCandidateOrigin, inv.IntentID)
	}

	// Allocate per candidate and keep the best. Candidates arrive in
	// domain-list order, so the strict > keeps the earlier origin on
	// ties.
	var (
		best       []allocation
		bestOrigin uint64
		bestTotal  = new(big.Int).Neg(big.NewInt(1))
	)
	for _, origin := range candidates {
		needed := minAmounts[origin]
		allocs, total := p.allocate(inv.TickerHash, origin, needed, snap)
		if total.Cmp(bestTotal) > 0 {
			best, bestOrigin, bestTotal = allocs, origin, total
		}
	}
	if bestTotal.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invoice %s", ErrNothingAllocated, inv.IntentID)
	}

	needed := new(big.Int).Set(minAmounts[bestOrigin])
	plan := &Plan{Origin: bestOrigin, Needed: needed, Produced: new(big.Int)}
	remaining := new(big.Int).Set(needed)
	available := new(big.Int).Set(snap.Balance(inv.TickerHash, bestOrigin))
	consumed := make(map[uint64]*big.Int)

	for _, alloc := range best {
		if remaining.Sign() <= 0 {
			break
		}
		amount := num.Min(alloc.amount, remaining)
		op, err := p.planAllocation(ctx, inv.TickerHash, bestOrigin, alloc.domain, amount, available)
		if err != nil {
			p.log.Debug("Allocation not plannable", "invoice", inv.IntentID, "origin", bestOrigin,
				"domain", alloc.domain, "amount", amount, "err", err)
			continue
		}
		plan.Operations = append(plan.Operations, op)
		plan.Produced.Add(plan.Produced, op.Produced())
		remaining.Sub(remaining, op.Produced())
		available.Sub(available, legSpend18(p.cfg, op))
		if !alloc.remainder {
			consumed[alloc.domain] = new(big.Int).Add(zeroOr(consumed[alloc.domain]), amount)
		}
	}
	if len(plan.Operations) == 0 {
		return nil, fmt.Errorf("%w: invoice %s", ErrNothingAllocated, inv.IntentID)
	}

	// Commit the consumption to the shared snapshot.
	for domain, amount := range consumed {
		cust := snap.Custodied[inv.TickerHash]
		if cust != nil && cust[domain] != nil {
			cust[domain] = new(big.Int).Sub(cust[domain], amount)
			if cust[domain].Sign() < 0 {
				cust[domain] = new(big.Int)
			}
		}
	}
	if bals := snap.Balances[inv.TickerHash]; bals != nil && bals[bestOrigin] != nil {
		spent := new(big.Int).Sub(snap.Balance(inv.TickerHash, bestOrigin), available)
		bals[bestOrigin] = new(big.Int).Sub(bals[bestOrigin], spent)
		if bals[bestOrigin].Sign() < 0 {
			bals[bestOrigin] = new(big.Int)
		}
	}
	return plan, nil
}

// candidateOrigins filters the invoice's destinations down to supported
// domains whose balance clears the per-origin minimum, excluding
// origins contended by pending purchases, preserving domain-list order.
func (p *Planner) candidateOrigins(inv *types.Invoice, minAmounts map[uint64]*big.Int, snap *oracle.Snapshot, pending []*types.PurchaseRecord, restrict uint64) []uint64 {
	contended := mapset.NewThreadUnsafeSet[uint64]()
	for _, rec := range pending {
		contended.Add(rec.Params.Origin)
	}
	dests := mapset.NewThreadUnsafeSet(inv.Destinations...)

	var out []uint64
	for _, domain := range p.cfg.SupportedSettlementDomains {
		if restrict != 0 && domain != restrict {
			continue
		}
		if !dests.Contains(domain) || contended.Contains(domain) {
			continue
		}
		min, ok := minAmounts[domain]
		if !ok || min.Sign() <= 0 {
			continue
		}
		if snap.Balance(inv.TickerHash, domain).Cmp(min) < 0 {
			continue
		}
		out = append(out, domain)
	}
	return out
}

// allocation is one (domain, amount) slice of the needed liquidity, in
// canonical 18-dp units. remainder entries are not backed by custodied
// funds.
type allocation struct {
	domain    uint64
	amount    *big.Int
	remainder bool
}

// allocate walks the configured domain list consuming custodied
// liquidity until needed is covered. The first pass stops at the top-N
// cap; if that was insufficient a single retry walks every domain. Any
// shortfall becomes a remainder allocation against the origin itself.
func (p *Planner) allocate(ticker common.Hash, origin uint64, needed *big.Int, snap *oracle.Snapshot) ([]allocation, *big.Int) {
	pass := func(limit int) ([]allocation, *big.Int) {
		var out []allocation
		total := new(big.Int)
		remaining := new(big.Int).Set(needed)
		for i, domain := range p.cfg.SupportedSettlementDomains {
			if limit > 0 && i >= limit {
				break
			}
			if domain == origin || remaining.Sign() <= 0 {
				continue
			}
			avail := snap.CustodiedAmount(ticker, domain)
			if avail.Sign() <= 0 {
				continue
			}
			take := num.Min(avail, remaining)
			out = append(out, allocation{domain: domain, amount: take})
			total.Add(total, take)
			remaining.Sub(remaining, take)
		}
		return out, total
	}

	allocs, total := pass(topNDomains)
	if total.Cmp(needed) < 0 && len(p.cfg.SupportedSettlementDomains) > topNDomains {
		allocs, total = pass(0)
	}
	if total.Cmp(needed) < 0 {
		shortfall := new(big.Int).Sub(needed, total)
		allocs = append(allocs, allocation{domain: origin, amount: shortfall, remainder: true})
		total = new(big.Int).Add(total, shortfall)
	}
	return allocs, total
}

// planAllocation turns one (origin, domain, amount) allocation into an
// operation. Declared routes between origin and domain are classified
// and the lowest-priority plannable shape wins; with no declared route
// the allocation settles as a hub-netted intent split.
func (p *Planner) planAllocation(ctx context.Context, ticker common.Hash, origin, domain uint64, amount, available *big.Int) (*Operation, error) {
	if amount.Cmp(available) > 0 {
		amount = new(big.Int).Set(available)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("planner: origin %d out of balance", origin)
	}

	var routes []*config.RouteConfig
	if origin != domain {
		for _, rc := range p.cfg.RoutesFrom(origin, ticker) {
			if rc.Destination == domain {
				routes = append(routes, rc)
			}
		}
	}
	if len(routes) == 0 {
		return p.intentSplit(ticker, origin, domain, amount)
	}

	var (
		best    *Operation
		lastErr error
	)
	for _, rc := range routes {
		op, err := p.planRoute(ctx, rc, amount, available)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || op.Priority < best.Priority {
			best = op
		}
	}
	if best == nil {
		return nil, lastErr
	}
	return best, nil
}

// intentSplit builds a hub-netted purchase split: the amount is
// committed on the origin and nets against custodied liquidity at the
// domain, producing exactly what it consumes.
func (p *Planner) intentSplit(ticker common.Hash, origin, domain uint64, amount *big.Int) (*Operation, error) {
	asset, err := p.cfg.AssetByTicker(origin, ticker)
	if err != nil {
		return nil, err
	}
	native, err := num.FromCanonical(amount, asset.Decimals)
	if err != nil {
		return nil, err
	}
	if native.Sign() <= 0 {
		return nil, fmt.Errorf("planner: split under origin precision")
	}
	// Dust truncated by the origin precision stays unproduced.
	produced, err := num.ToCanonical(native, asset.Decimals)
	if err != nil {
		return nil, err
	}
	return &Operation{
		Priority: PriorityUnknown,
		Intent:   true,
		Main: Leg{
			Route:          types.Route{Origin: origin, Destination: domain, Asset: asset.Address},
			Amount:         native,
			ExpectedOutput: produced,
		},
	}, nil
}

// planRoute classifies one declared route and plans it.
func (p *Planner) planRoute(ctx context.Context, rc *config.RouteConfig, remaining, available *big.Int) (*Operation, error) {
	route := rc.Route()
	switch {
	case route.SameChain() && route.HasSwap():
		return p.planSwap(ctx, rc, remaining, available)
	case !route.SameChain() && !route.HasSwap():
		return p.planDirect(ctx, rc, remaining, available)
	case !route.SameChain() && route.HasSwap():
		return p.planSwapBridge(ctx, rc, remaining, available)
	default:
		return nil, fmt.Errorf("%w: route %s has no plannable shape", bridge.ErrUnsupported, route)
	}
}
