package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/stats"
	"github.com/everclear-net/mark/store"
	"github.com/everclear-net/mark/types"
)

// PurchaseTick runs one pass of the purchase loop: refresh the
// inventory snapshot, reconcile past purchases against the hub, then
// walk the invoice queue per ticker buying what the inventory can
// serve.
func (s *Service) PurchaseTick(ctx context.Context) error {
	logger := s.log.New("tick", requestID())

	snap := s.oracle.Snapshot(ctx)
	s.publishBalances(snap)

	if err := s.reconcilePurchases(ctx, logger); err != nil {
		logger.Warn("Purchase reconciliation incomplete", "err", err)
	}

	invoices, err := s.hub.Invoices(ctx)
	if err != nil {
		return fmt.Errorf("fetch invoices: %w", err)
	}
	if len(invoices) == 0 {
		logger.Debug("Invoice queue empty")
		return nil
	}

	s.foldPendingSettlements(ctx, snap, invoices, logger)

	for _, group := range groupByTicker(invoices) {
		s.processTickerGroup(ctx, logger, group, snap)
	}
	return nil
}

// reconcilePurchases drops cached purchase records whose intents the
// hub has settled (or otherwise finished), freeing their invoices and
// origins for the rest of the tick.
func (s *Service) reconcilePurchases(ctx context.Context, logger log.Logger) error {
	records, err := s.cache.All()
	if err != nil {
		return err
	}
	var firstErr error
	for _, rec := range records {
		status, err := s.hub.IntentStatus(ctx, rec.InvoiceID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !status.Terminal() {
			continue
		}
		logger.Debug("Purchase settled", "invoice", rec.InvoiceID, "status", status)
		if err := s.cache.Remove(rec.InvoiceID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// foldPendingSettlements adds the hub's pending inbound settlements to
// the custodied view, so liquidity already on its way toward a domain
// counts when sizing purchases. A failed economy read leaves that
// ticker's view untouched.
func (s *Service) foldPendingSettlements(ctx context.Context, snap *oracle.Snapshot, invoices []*types.Invoice, logger log.Logger) {
	seen := make(map[common.Hash]bool)
	for _, inv := range invoices {
		if seen[inv.TickerHash] {
			continue
		}
		seen[inv.TickerHash] = true
		incoming, err := s.hub.Economy(ctx, s.cfg.Hub.Domain, inv.TickerHash)
		if err != nil {
			logger.Debug("Economy read failed", "ticker", inv.TickerHash, "err", err)
			continue
		}
		for domain, amount := range incoming {
			if snap.Custodied[inv.TickerHash] == nil {
				snap.Custodied[inv.TickerHash] = make(map[uint64]*big.Int)
			}
			cur := snap.CustodiedAmount(inv.TickerHash, domain)
			snap.Custodied[inv.TickerHash][domain] = new(big.Int).Add(cur, amount)
		}
	}
}

// tickerGroup is one ticker's slice of the queue, oldest invoice first.
type tickerGroup struct {
	ticker   common.Hash
	invoices []*types.Invoice
}

func groupByTicker(invoices []*types.Invoice) []tickerGroup {
	byTicker := make(map[common.Hash][]*types.Invoice)
	var order []common.Hash
	for _, inv := range invoices {
		if _, ok := byTicker[inv.TickerHash]; !ok {
			order = append(order, inv.TickerHash)
		}
		byTicker[inv.TickerHash] = append(byTicker[inv.TickerHash], inv)
	}
	groups := make([]tickerGroup, 0, len(order))
	for _, ticker := range order {
		group := byTicker[ticker]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].EnqueuedAt.Before(group[j].EnqueuedAt)
		})
		groups = append(groups, tickerGroup{ticker: ticker, invoices: group})
	}
	return groups
}

// processTickerGroup walks one ticker's invoices oldest-first. The
// first planned invoice binds the group to its purchase origin, so
// younger invoices cannot siphon the balance the oldest one needs.
func (s *Service) processTickerGroup(ctx context.Context, logger log.Logger, group tickerGroup, snap *oracle.Snapshot) {
	label := s.tickerLabel(group.ticker)
	pending := s.pendingForTicker(group.ticker)

	var chosenOrigin uint64
	attempted := false
	for _, inv := range group.invoices {
		s.stats.RecordPossibleInvoice(label)

		if reason, ok := s.validateInvoice(inv); !ok {
			s.stats.RecordInvalidInvoice(label, reason)
			logger.Debug("Invoice skipped", "invoice", inv.IntentID, "reason", reason)
			continue
		}

		if rec, err := s.cache.Get(inv.IntentID); err == nil && rec != nil {
			logger.Debug("Invoice already purchased", "invoice", inv.IntentID, "tx", rec.TxHash)
			continue
		}

		em, err := s.store.GetEarmarkForInvoice(ctx, inv.IntentID)
		if err == nil {
			if err := s.handleEarmarked(ctx, inv, em); err != nil {
				logger.Warn("Earmark handling failed", "invoice", inv.IntentID, "earmark", em.ID, "err", err)
			}
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Earmark lookup failed", "invoice", inv.IntentID, "err", err)
			continue
		}

		oldestUnbought := !attempted
		attempted = true

		minAmounts, err := s.hub.MinAmounts(ctx, inv.IntentID)
		if err != nil {
			logger.Warn("Min amounts unavailable", "invoice", inv.IntentID, "err", err)
			if s.cfg.ForceOldestInvoice && oldestUnbought {
				return
			}
			continue
		}

		plan, err := s.planner.PlanInvoice(ctx, inv, minAmounts, snap, pending, chosenOrigin)
		if err != nil {
			logger.Debug("Invoice not plannable", "invoice", inv.IntentID, "err", err)
			if s.cfg.ForceOldestInvoice && oldestUnbought {
				logger.Info("Holding ticker queue for oldest invoice", "invoice", inv.IntentID)
				return
			}
			continue
		}
		chosenOrigin = plan.Origin

		if err := s.dispatchPlan(ctx, inv, plan); err != nil {
			s.stats.RecordInvalidInvoice(label, stats.ReasonTransactionFailed)
			logger.Warn("Purchase dispatch failed", "invoice", inv.IntentID, "origin", plan.Origin, "err", err)
			if s.cfg.ForceOldestInvoice && oldestUnbought {
				return
			}
		}
	}
}

// validateInvoice applies the static filters: shape, self-ownership,
// minimum queue age and xERC20 destinations.
func (s *Service) validateInvoice(inv *types.Invoice) (stats.InvalidReason, bool) {
	if inv.IntentID == "" || inv.Amount == nil || inv.Amount.Sign() <= 0 || len(inv.Destinations) == 0 {
		return stats.ReasonInvalidFormat, false
	}
	if s.ownedAddress(inv.Owner) {
		return stats.ReasonInvalidOwner, false
	}
	if inv.Age(s.now()) < s.cfg.InvoiceAge() {
		return stats.ReasonInvalidAge, false
	}
	for _, dest := range inv.Destinations {
		asset, err := s.cfg.AssetByTicker(dest, inv.TickerHash)
		if err != nil {
			continue
		}
		if asset.IsXerc20 {
			return stats.ReasonDestinationXerc20, false
		}
	}
	return "", true
}

// ownedAddress reports whether addr is one of the service's own
// addresses on any chain. Buying our own invoices would only recycle
// inventory.
func (s *Service) ownedAddress(addr common.Address) bool {
	if addr == s.wallets.SignerAddress() {
		return true
	}
	for _, chain := range s.cfg.ChainIDs() {
		if addr == s.wallets.OwnerAddress(chain) {
			return true
		}
	}
	return false
}

// handleEarmarked advances an invoice that already has an active
// earmark: expire stale ones, execute the purchase when funding
// completed, otherwise leave it to the rebalance loop.
func (s *Service) handleEarmarked(ctx context.Context, inv *types.Invoice, em *types.Earmark) error {
	switch em.Status {
	case types.EarmarkReady:
		return s.purchaseFromEarmark(ctx, inv, em)
	case types.EarmarkInitiating, types.EarmarkPending:
		if s.now().Sub(em.CreatedAt) > s.cfg.EarmarkExpiry() {
			if err := s.store.UpdateEarmarkStatus(ctx, em.ID, types.EarmarkExpired, "funding window elapsed"); err != nil {
				return err
			}
			s.stats.RecordEarmarkStatus(string(types.EarmarkExpired))
			s.log.Warn("Earmark expired", "earmark", em.ID, "invoice", inv.IntentID, "age", s.now().Sub(em.CreatedAt))
			return nil
		}
		s.log.Debug("Earmark still funding", "earmark", em.ID, "invoice", inv.IntentID, "status", em.Status)
		return nil
	default:
		return nil
	}
}

// purchaseFromEarmark executes the purchase a ready earmark was funded
// for: one intent from the designated chain covering whatever the
// plan's own intent splits did not already commit.
func (s *Service) purchaseFromEarmark(ctx context.Context, inv *types.Invoice, em *types.Earmark) error {
	asset, err := s.cfg.AssetByTicker(em.DesignatedPurchaseChain, em.TickerHash)
	if err != nil {
		return err
	}
	ops, err := s.store.GetRebalanceOperationsByEarmark(ctx, em.ID)
	if err != nil {
		return err
	}
	split := new(big.Int)
	var splitTx *types.OperationTx
	for _, op := range ops {
		if op.Bridge != bridgeIntent {
			continue
		}
		split.Add(split, op.Settled())
		if splitTx == nil {
			splitTx = op.OriginTx()
		}
	}
	need := new(big.Int).Sub(em.MinAmount, split)

	var txHash string
	kind := types.SubmissionOnchain
	amount := new(big.Int)
	if need.Sign() > 0 {
		amount, err = num.FromCanonical(need, asset.Decimals)
		if err != nil {
			return err
		}
		sub, err := s.submitIntent(ctx, em.DesignatedPurchaseChain, inv.Destinations, em.TickerHash, amount)
		if err != nil {
			return fmt.Errorf("purchase intent: %w", err)
		}
		txHash, kind = sub.Hash, sub.Kind
	} else if splitTx != nil {
		// Splits covered everything; the purchase is already on chain.
		txHash, kind = splitTx.Hash, splitTx.Kind
	} else {
		return fmt.Errorf("earmark %s ready with nothing to purchase", em.ID)
	}

	params := types.PurchaseParams{
		Origin:       em.DesignatedPurchaseChain,
		Destinations: inv.Destinations,
		Asset:        asset.Address,
		Amount:       amount,
	}
	if err := s.completePurchase(ctx, inv, params, txHash, kind); err != nil {
		return err
	}
	if err := s.store.UpdateEarmarkStatus(ctx, em.ID, types.EarmarkCompleted, "purchase "+txHash); err != nil {
		return err
	}
	s.stats.RecordEarmarkStatus(string(types.EarmarkCompleted))
	return nil
}

// completePurchase records a submitted purchase so later ticks neither
// re-buy the invoice nor contend its origin, and publishes the capture
// metrics.
func (s *Service) completePurchase(ctx context.Context, inv *types.Invoice, params types.PurchaseParams, txHash string, kind types.SubmissionKind) error {
	rec := &types.PurchaseRecord{
		InvoiceID:  inv.IntentID,
		TickerHash: inv.TickerHash,
		Params:     params,
		TxHash:     txHash,
		Kind:       kind,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.cache.Add(rec); err != nil {
		return fmt.Errorf("record purchase: %w", err)
	}
	label := s.tickerLabel(inv.TickerHash)
	s.stats.RecordSuccessfulPurchase(label, params.Origin)
	s.stats.RecordInvoicePurchaseDuration(inv.Age(s.now()))
	s.stats.UpdateRewards(label, discountReward(inv))
	s.log.Info("Invoice purchased", "invoice", inv.IntentID, "origin", params.Origin,
		"amount", inv.Amount, "discountBps", inv.DiscountBps, "tx", txHash)
	return nil
}

// discountReward is the canonical value captured by buying the invoice
// at its discount.
func discountReward(inv *types.Invoice) *big.Int {
	reward := new(big.Int).Mul(inv.Amount, new(big.Int).SetUint64(inv.DiscountBps))
	return reward.Div(reward, big.NewInt(10_000))
}

// pendingForTicker filters the purchase cache down to one ticker's
// outstanding records.
func (s *Service) pendingForTicker(ticker common.Hash) []*types.PurchaseRecord {
	records, err := s.cache.All()
	if err != nil {
		s.log.Warn("Purchase cache read failed", "err", err)
		return nil
	}
	var out []*types.PurchaseRecord
	for _, rec := range records {
		if rec.TickerHash == ticker {
			out = append(out, rec)
		}
	}
	return out
}

// publishBalances pushes the snapshot's canonical balances to the
// metrics surface.
func (s *Service) publishBalances(snap *oracle.Snapshot) {
	for ticker, byChain := range snap.Balances {
		label := s.tickerLabel(ticker)
		for chain, amount := range byChain {
			s.stats.RecordBalance(label, chain, amount)
		}
	}
}

// tickerLabel resolves a ticker hash to its configured symbol for
// metric labels, falling back to the truncated hash.
func (s *Service) tickerLabel(ticker common.Hash) string {
	for _, chain := range s.cfg.ChainIDs() {
		if asset, err := s.cfg.AssetByTicker(chain, ticker); err == nil && asset.Symbol != "" {
			return asset.Symbol
		}
	}
	return ticker.Hex()[:10]
}
