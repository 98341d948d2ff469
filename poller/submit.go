package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/hub"
	"github.com/everclear-net/mark/planner"
	"github.com/everclear-net/mark/types"
)

// bridgeIntent tags hub-netted intent splits in operation records, as
// opposed to operations executed through a bridge adapter.
const bridgeIntent = "everclear"

// dispatchPlan turns a plan into durable state and submits it. The
// earmark and all operation rows are created before anything is
// broadcast, so a crash between the two leaves rows a later tick can
// recognize instead of untracked transactions.
func (s *Service) dispatchPlan(ctx context.Context, inv *types.Invoice, plan *planner.Plan) error {
	em := &types.Earmark{
		ID:                      uuid.New(),
		InvoiceID:               inv.IntentID,
		DesignatedPurchaseChain: plan.Origin,
		TickerHash:              inv.TickerHash,
		MinAmount:               new(big.Int).Set(plan.Needed),
		Status:                  types.EarmarkInitiating,
	}

	rows := make([]*types.RebalanceOperation, len(plan.Operations))
	for i, op := range plan.Operations {
		tag := bridgeIntent
		if !op.Intent {
			tag = op.Main.Bridge
		}
		rows[i] = &types.RebalanceOperation{
			ID:             uuid.New(),
			EarmarkID:      &em.ID,
			Origin:         op.Main.Route.Origin,
			Destination:    op.Main.Route.Destination,
			TickerHash:     inv.TickerHash,
			Amount:         new(big.Int).Set(op.Main.Amount),
			ExpectedOutput: new(big.Int).Set(op.Produced()),
			SlippageDbps:   op.Main.SlippageDbps,
			Bridge:         tag,
			Recipient:      s.wallets.OwnerAddress(op.Main.Route.Destination),
			Status:         types.OperationPending,
			Transactions:   make(map[uint64]*types.OperationTx),
		}
	}

	if err := s.store.CreateEarmark(ctx, em, rows); err != nil {
		return fmt.Errorf("create earmark: %w", err)
	}
	s.stats.RecordEarmarkStatus(string(types.EarmarkInitiating))
	s.log.Info("Earmark created", "earmark", em.ID, "invoice", inv.IntentID,
		"origin", plan.Origin, "needed", plan.Needed, "operations", len(rows))

	var (
		started      bool
		firstIntent  *chainclient.Submission
		settled      = new(big.Int)
		intentAmount = new(big.Int)
	)
	markPending := func() {
		if started {
			return
		}
		started = true
		if err := s.store.UpdateEarmarkStatus(ctx, em.ID, types.EarmarkPending, "first operation submitted"); err != nil {
			s.log.Warn("Earmark transition failed", "earmark", em.ID, "err", err)
			return
		}
		s.stats.RecordEarmarkStatus(string(types.EarmarkPending))
	}

	for i, op := range plan.Operations {
		row := rows[i]
		if op.Intent {
			sub, err := s.executeIntentSplit(ctx, row)
			if err != nil {
				s.failOperation(ctx, row, err)
				continue
			}
			markPending()
			if firstIntent == nil {
				firstIntent = sub
			}
			settled.Add(settled, row.Settled())
			intentAmount.Add(intentAmount, op.Main.Amount)
			continue
		}

		if err := s.executeBridgeOperation(ctx, op, row); err != nil {
			s.failOperation(ctx, row, err)
			continue
		}
		markPending()
		s.stats.RecordRebalanceStarted(row.Bridge, row.Origin, row.Destination)
	}
	if !started {
		if err := s.store.UpdateEarmarkStatus(ctx, em.ID, types.EarmarkFailed, "no operation submitted"); err != nil {
			s.log.Warn("Earmark transition failed", "earmark", em.ID, "err", err)
		}
		s.stats.RecordEarmarkStatus(string(types.EarmarkFailed))
		return fmt.Errorf("plan for invoice %s: no operation submitted", inv.IntentID)
	}

	// A plan settled entirely by intent splits completes within the
	// tick; anything with bridge legs waits for the rebalance loop.
	if settled.Cmp(em.MinAmount) >= 0 && firstIntent != nil {
		if err := s.store.UpdateEarmarkStatus(ctx, em.ID, types.EarmarkReady, "funded by intent splits"); err != nil {
			return err
		}
		s.stats.RecordEarmarkStatus(string(types.EarmarkReady))
		asset, err := s.cfg.AssetByTicker(plan.Origin, inv.TickerHash)
		if err != nil {
			return err
		}
		params := types.PurchaseParams{
			Origin:       plan.Origin,
			Destinations: inv.Destinations,
			Asset:        asset.Address,
			Amount:       intentAmount,
		}
		if err := s.completePurchase(ctx, inv, params, firstIntent.Hash, firstIntent.Kind); err != nil {
			return err
		}
		if err := s.store.UpdateEarmarkStatus(ctx, em.ID, types.EarmarkCompleted, "purchase "+firstIntent.Hash); err != nil {
			return err
		}
		s.stats.RecordEarmarkStatus(string(types.EarmarkCompleted))
	}
	return nil
}

// executeIntentSplit submits one hub-netted split and completes its
// row: netting is final once the intent mines, there is nothing to
// track afterwards.
func (s *Service) executeIntentSplit(ctx context.Context, row *types.RebalanceOperation) (*chainclient.Submission, error) {
	sub, err := s.submitIntent(ctx, row.Origin, []uint64{row.Destination}, row.TickerHash, row.Amount)
	if err != nil {
		return nil, err
	}
	row.Transactions[row.Origin] = &types.OperationTx{
		Hash: sub.Hash,
		Kind: sub.Kind,
		Memo: types.MemoRebalance,
	}
	row.Status = types.OperationCompleted
	row.Received = new(big.Int).Set(row.ExpectedOutput)
	if err := s.store.UpdateRebalanceOperation(ctx, row); err != nil {
		return nil, err
	}
	return sub, nil
}

// executeBridgeOperation runs an operation's swap leg (when present)
// and then its main leg through their adapters, recording the last
// submitted transaction per chain.
func (s *Service) executeBridgeOperation(ctx context.Context, op *planner.Operation, row *types.RebalanceOperation) error {
	if op.Swap != nil {
		if err := s.executeLeg(ctx, op.Swap, row); err != nil {
			return fmt.Errorf("swap leg: %w", err)
		}
	}
	if err := s.executeLeg(ctx, &op.Main, row); err != nil {
		return fmt.Errorf("main leg: %w", err)
	}
	return s.store.UpdateRebalanceOperation(ctx, row)
}

// executeLeg asks the leg's adapter for its transaction chain and
// submits it in order. Each chain's entry in the row ends up holding
// the last transaction sent there, which for the origin is the
// Rebalance leg the rebalance loop resolves receipts for.
func (s *Service) executeLeg(ctx context.Context, leg *planner.Leg, row *types.RebalanceOperation) error {
	adapter, err := s.bridges.Resolve(leg.Bridge)
	if err != nil {
		return err
	}
	sender := s.wallets.OwnerAddress(leg.Route.Origin)
	recipient := s.wallets.OwnerAddress(leg.Route.Destination)
	txs, err := adapter.Send(ctx, sender, recipient, leg.Amount, leg.Route)
	if err != nil {
		return err
	}
	if err := bridge.ValidatePlan(txs); err != nil {
		return err
	}
	for _, tx := range txs {
		w, client, err := s.walletFor(tx.ChainID)
		if err != nil {
			return err
		}
		to := tx.To
		sub, err := client.Submit(ctx, w, &chainclient.Call{To: &to, Value: tx.Value, Data: tx.Data})
		if err != nil {
			return fmt.Errorf("%s leg on chain %d: %w", tx.Memo, tx.ChainID, err)
		}
		row.Transactions[tx.ChainID] = &types.OperationTx{
			Hash: sub.Hash,
			Kind: sub.Kind,
			Memo: tx.Memo,
		}
		s.log.Debug("Leg submitted", "operation", row.ID, "memo", tx.Memo, "chain", tx.ChainID, "tx", sub.Hash)
	}
	return nil
}

// failOperation cancels an operation row whose submission failed before
// any transaction was recorded.
func (s *Service) failOperation(ctx context.Context, row *types.RebalanceOperation, cause error) {
	s.log.Warn("Operation submission failed", "operation", row.ID, "bridge", row.Bridge,
		"origin", row.Origin, "destination", row.Destination, "err", cause)
	if err := s.store.CancelRebalanceOperation(ctx, row.ID, cause.Error()); err != nil {
		s.log.Warn("Operation cancel failed", "operation", row.ID, "err", err)
	}
	s.stats.RecordRebalanceCompleted(row.Bridge, string(types.OperationCancelled))
}

// submitIntent creates a new intent on the origin spoke: approve the
// input asset when the allowance falls short, then call newIntent. The
// intent identifier is logged when the receipt carries the IntentAdded
// event.
func (s *Service) submitIntent(ctx context.Context, origin uint64, destinations []uint64, ticker common.Hash, amount *big.Int) (*chainclient.Submission, error) {
	cc, err := s.cfg.Chain(origin)
	if err != nil {
		return nil, err
	}
	spoke := cc.Deployments.Everclear
	if spoke == (common.Address{}) {
		return nil, fmt.Errorf("chain %d: no spoke deployment", origin)
	}
	asset, err := s.cfg.AssetByTicker(origin, ticker)
	if err != nil {
		return nil, err
	}
	w, client, err := s.walletFor(origin)
	if err != nil {
		return nil, err
	}
	owner := s.wallets.OwnerAddress(origin)

	value := new(big.Int)
	if asset.IsNative {
		value.Set(amount)
	} else {
		approval, err := s.approvalIfNeeded(ctx, origin, asset.Address, owner, spoke, amount)
		if err != nil {
			return nil, err
		}
		if approval != nil {
			if _, err := client.Submit(ctx, w, approval); err != nil {
				return nil, fmt.Errorf("approve spoke: %w", err)
			}
		}
	}

	receiver, outputAsset := owner, common.Address{}
	if len(destinations) == 1 {
		receiver = s.wallets.OwnerAddress(destinations[0])
		if destAsset, err := s.cfg.AssetByTicker(destinations[0], ticker); err == nil {
			outputAsset = destAsset.Address
		}
	}
	data, err := hub.PackNewIntent(destinations, receiver, asset.Address, outputAsset, amount, 0, 0)
	if err != nil {
		return nil, err
	}

	sub, err := client.Submit(ctx, w, &chainclient.Call{To: &spoke, Value: value, Data: data})
	if err != nil {
		if errors.Is(err, chainclient.ErrReverted) {
			return nil, fmt.Errorf("newIntent reverted on chain %d: %w", origin, err)
		}
		return nil, err
	}
	if sub.Receipt != nil {
		if lg := bridge.FindLog(sub.Receipt, spoke, hub.IntentAddedID()); lg != nil && len(lg.Topics) > 1 {
			s.log.Info("Intent created", "chain", origin, "intent", lg.Topics[1], "tx", sub.Hash)
		}
	}
	return sub, nil
}
