package poller

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/planner"
	"github.com/everclear-net/mark/types"
	"github.com/everclear-net/mark/wallet"
)

// staleOperationAge is how long a pending operation may sit without a
// recorded origin transaction before it is considered a dispatch that
// never happened, e.g. after a crash between row creation and
// broadcast.
const staleOperationAge = time.Hour

// RebalanceTick runs one pass of the rebalance loop: advance every
// in-flight operation through its bridge lifecycle, then top up routes
// whose origin balance exceeds its high-water mark, then check gas.
func (s *Service) RebalanceTick(ctx context.Context) error {
	logger := s.log.New("tick", requestID())

	ops, err := s.store.GetRebalanceOperations(ctx, types.OperationPending, types.OperationAwaitingCallback)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	for _, op := range ops {
		if err := s.advanceOperation(ctx, op); err != nil {
			logger.Warn("Operation not advanced", "operation", op.ID, "bridge", op.Bridge, "err", err)
		}
	}

	s.topUpRoutes(ctx, logger)
	s.checkGas(ctx)
	return nil
}

// advanceOperation moves one operation along:
//
//	pending            -> awaiting_callback  once funds are provable on the destination
//	awaiting_callback  -> completed          once the callback ran (or none is needed)
//
// Operations the bridge reports as unrecoverable are cancelled.
func (s *Service) advanceOperation(ctx context.Context, op *types.RebalanceOperation) error {
	if op.Bridge == bridgeIntent {
		// Splits complete at dispatch; a pending one means the dispatch
		// crashed before broadcast.
		return s.cancelIfStale(ctx, op)
	}
	adapter, err := s.bridges.Resolve(op.Bridge)
	if err != nil {
		return err
	}
	originTx := op.OriginTx()
	if originTx == nil {
		return s.cancelIfStale(ctx, op)
	}

	receipt, err := s.originReceipt(ctx, op, originTx)
	if err != nil {
		return err
	}
	if receipt == nil {
		// Proposal still waiting for signers.
		return nil
	}
	if receipt.Status != gtypes.ReceiptStatusSuccessful {
		return s.cancelOperation(ctx, op, "origin transaction reverted")
	}

	route, err := s.operationRoute(op)
	if err != nil {
		return err
	}

	if op.Status == types.OperationPending {
		ready, err := adapter.ReadyOnDestination(ctx, op.Amount, route, receipt)
		if err != nil {
			if errors.Is(err, bridge.ErrOperationCancelled) {
				return s.cancelOperation(ctx, op, err.Error())
			}
			return err
		}
		if !ready {
			return nil
		}
		op.Status = types.OperationAwaitingCallback
		if err := s.store.UpdateRebalanceOperation(ctx, op); err != nil {
			return err
		}
		s.log.Debug("Funds arrived on destination", "operation", op.ID, "bridge", op.Bridge)
	}

	return s.runCallback(ctx, adapter, op, route, receipt)
}

// runCallback drives an operation waiting on its destination side. The
// adapter is always asked for the next callback first: multi-step
// families (prove then finalize, withdraw then wrap) surface one
// transaction per tick, and the operation stays awaiting until the
// adapter has no more work and reports the destination done. A
// reverted callback leaves the operation awaiting so the next tick
// retries it.
func (s *Service) runCallback(ctx context.Context, adapter bridge.Adapter, op *types.RebalanceOperation, route types.Route, receipt *gtypes.Receipt) error {
	cb, err := adapter.DestinationCallback(ctx, route, receipt)
	switch {
	case errors.Is(err, bridge.ErrCallbackNotReady):
		return nil
	case errors.Is(err, bridge.ErrOperationCancelled):
		return s.cancelOperation(ctx, op, err.Error())
	case err != nil:
		return err
	}
	if cb != nil && !callbackRecorded(op, cb) {
		return s.submitCallback(ctx, op, cb)
	}

	done, err := adapter.IsCallbackComplete(ctx, route, receipt)
	if err != nil {
		if errors.Is(err, bridge.ErrOperationCancelled) {
			return s.cancelOperation(ctx, op, err.Error())
		}
		return err
	}
	if done {
		return s.completeOperation(ctx, op)
	}
	return nil
}

// submitCallback broadcasts one callback step and records it on the
// operation; completion waits for the adapter's confirmation on a later
// tick.
func (s *Service) submitCallback(ctx context.Context, op *types.RebalanceOperation, cb *bridge.Tx) error {
	w, client, err := s.walletFor(cb.ChainID)
	if err != nil {
		return err
	}
	to := cb.To
	sub, err := client.Submit(ctx, w, &chainclient.Call{To: &to, Value: cb.Value, Data: cb.Data})
	if err != nil {
		if errors.Is(err, chainclient.ErrReverted) {
			s.log.Warn("Callback reverted, will retry", "operation", op.ID, "chain", cb.ChainID, "tx", sub.Hash)
			return nil
		}
		return fmt.Errorf("callback on chain %d: %w", cb.ChainID, err)
	}
	op.Transactions[cb.ChainID] = &types.OperationTx{
		Hash:     sub.Hash,
		Kind:     sub.Kind,
		Memo:     cb.Memo,
		Metadata: map[string]string{"selector": txSelector(cb.Data)},
	}
	s.log.Debug("Callback submitted", "operation", op.ID, "chain", cb.ChainID, "memo", cb.Memo, "tx", sub.Hash)
	return s.store.UpdateRebalanceOperation(ctx, op)
}

// callbackRecorded reports whether the operation already carries this
// callback step. Steps the adapter cannot observe on chain (an exchange
// payout's wrap, a finalize it keeps rebuilding) would otherwise be
// submitted every tick.
func callbackRecorded(op *types.RebalanceOperation, cb *bridge.Tx) bool {
	prev := op.Transactions[cb.ChainID]
	return prev != nil && prev.Memo == cb.Memo && prev.Metadata["selector"] == txSelector(cb.Data)
}

// txSelector is the 4-byte call selector, empty for plain transfers.
func txSelector(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	return hexutil.Encode(data[:4])
}

// originReceipt resolves the confirmed receipt behind an operation's
// origin record. Multisig proposals resolve to their executing
// transaction first; a nil receipt with nil error means the proposal
// has not executed yet.
func (s *Service) originReceipt(ctx context.Context, op *types.RebalanceOperation, originTx *types.OperationTx) (*gtypes.Receipt, error) {
	client, err := s.clients.Client(op.Origin)
	if err != nil {
		return nil, err
	}
	hash := originTx.Hash
	if originTx.Kind == types.SubmissionProposal {
		w, err := s.wallets.ForChain(op.Origin)
		if err != nil {
			return nil, err
		}
		proposer, ok := w.(wallet.Proposer)
		if !ok {
			return nil, fmt.Errorf("operation %s: proposal recorded but chain %d has no proposer", op.ID, op.Origin)
		}
		execHash, executed, err := proposer.Execution(ctx, originTx.Hash)
		if err != nil {
			return nil, err
		}
		if !executed {
			return nil, nil
		}
		op.Transactions[op.Origin] = &types.OperationTx{
			Hash:     execHash.Hex(),
			Kind:     types.SubmissionOnchain,
			Memo:     originTx.Memo,
			Metadata: map[string]string{"proposal": originTx.Hash},
		}
		if err := s.store.UpdateRebalanceOperation(ctx, op); err != nil {
			return nil, err
		}
		hash = execHash.Hex()
	}
	// Restart safety: the row must be findable by the hash we resolve
	// receipts for.
	if _, err := s.store.GetRebalanceOperationByTransactionHash(ctx, hash, op.Origin); err != nil {
		s.log.Warn("Operation not indexed by origin hash", "operation", op.ID, "hash", hash, "err", err)
	}
	return client.Receipt(ctx, common.HexToHash(hash))
}

// operationRoute rebuilds the route an operation executes: the declared
// route when one exists, otherwise the same asset on both ends.
func (s *Service) operationRoute(op *types.RebalanceOperation) (types.Route, error) {
	if rc := s.cfg.RouteBetween(op.Origin, op.Destination, op.TickerHash); rc != nil {
		return rc.Route(), nil
	}
	asset, err := s.cfg.AssetByTicker(op.Origin, op.TickerHash)
	if err != nil {
		return types.Route{}, err
	}
	return types.Route{Origin: op.Origin, Destination: op.Destination, Asset: asset.Address}, nil
}

func (s *Service) completeOperation(ctx context.Context, op *types.RebalanceOperation) error {
	op.Status = types.OperationCompleted
	if op.Received == nil && op.ExpectedOutput != nil {
		op.Received = new(big.Int).Set(op.ExpectedOutput)
	}
	if err := s.store.UpdateRebalanceOperation(ctx, op); err != nil {
		return err
	}
	s.stats.RecordRebalanceCompleted(op.Bridge, string(types.OperationCompleted))
	s.log.Info("Rebalance completed", "operation", op.ID, "bridge", op.Bridge,
		"origin", op.Origin, "destination", op.Destination, "amount", op.Amount)
	if op.EarmarkID != nil {
		return s.refreshEarmarkReadiness(ctx, *op.EarmarkID)
	}
	return nil
}

func (s *Service) cancelOperation(ctx context.Context, op *types.RebalanceOperation, reason string) error {
	if err := s.store.CancelRebalanceOperation(ctx, op.ID, reason); err != nil {
		return err
	}
	s.stats.RecordRebalanceCompleted(op.Bridge, string(types.OperationCancelled))
	s.log.Warn("Rebalance cancelled", "operation", op.ID, "bridge", op.Bridge, "reason", reason)
	return nil
}

// cancelIfStale drops operations that never recorded an origin
// transaction within the stale window.
func (s *Service) cancelIfStale(ctx context.Context, op *types.RebalanceOperation) error {
	if op.OriginTx() != nil || s.now().Sub(op.CreatedAt) < staleOperationAge {
		return nil
	}
	return s.cancelOperation(ctx, op, "no origin transaction recorded")
}

// topUpRoutes moves surplus down each declared route with a high-water
// mark: origin balances above Maximum are sent toward the destination,
// keeping Reserve behind.
func (s *Service) topUpRoutes(ctx context.Context, logger log.Logger) {
	snap := s.oracle.Snapshot(ctx)
	for _, rc := range s.cfg.Routes {
		if rc.Maximum == nil {
			continue
		}
		if err := s.topUpRoute(ctx, rc, snap); err != nil {
			logger.Warn("Top-up failed", "origin", rc.Origin, "destination", rc.Destination, "err", err)
		}
	}
}

func (s *Service) topUpRoute(ctx context.Context, rc *config.RouteConfig, snap *oracle.Snapshot) error {
	asset, err := s.cfg.AssetByAddress(rc.Origin, rc.Asset)
	if err != nil {
		return err
	}
	balance, err := num.FromCanonical(snap.Balance(asset.TickerHash, rc.Origin), asset.Decimals)
	if err != nil {
		return err
	}
	maximum := (*big.Int)(rc.Maximum)
	if balance.Cmp(maximum) <= 0 {
		return nil
	}
	send := new(big.Int).Set(balance)
	if rc.Reserve != nil {
		send.Sub(send, (*big.Int)(rc.Reserve))
	}
	if send.Sign() <= 0 {
		return nil
	}

	route := rc.Route()
	var lastErr error
	for _, tag := range rc.Preferences {
		adapter, err := s.bridges.Resolve(tag)
		if err != nil {
			lastErr = err
			continue
		}
		if min, err := adapter.Minimum(ctx, route); err == nil && min != nil && send.Cmp(min) < 0 {
			lastErr = fmt.Errorf("%w: %s needs %s", bridge.ErrBelowMinimum, tag, min)
			continue
		}
		if err := s.checkTopUpQuote(ctx, adapter, rc, route, send); err != nil {
			lastErr = err
			continue
		}
		return s.startTopUp(ctx, adapter, rc, route, send, asset)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: route %s has no preferences", bridge.ErrUnsupported, route)
	}
	return lastErr
}

// checkTopUpQuote verifies the adapter's quote stays inside the route's
// configured slippage after subtracting headroom.
func (s *Service) checkTopUpQuote(ctx context.Context, adapter bridge.Adapter, rc *config.RouteConfig, route types.Route, send *big.Int) error {
	out, err := adapter.Quote(ctx, send, route)
	if err != nil {
		return err
	}
	inAsset, err := s.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return err
	}
	outAddr := route.Asset
	if route.HasSwap() {
		outAddr = route.DestinationAsset
	}
	outAsset, err := s.cfg.AssetByAddress(route.Destination, outAddr)
	if err != nil {
		// Same family across chains may use different addresses; fall
		// back to the ticker lookup.
		outAsset, err = s.cfg.AssetByTicker(route.Destination, inAsset.TickerHash)
		if err != nil {
			return err
		}
	}
	in18, err := num.ToCanonical(send, inAsset.Decimals)
	if err != nil {
		return err
	}
	out18, err := num.ToCanonical(out, outAsset.Decimals)
	if err != nil {
		return err
	}
	capDbps := rc.SlippageFor(adapter.Kind())
	if capDbps < 0 {
		return fmt.Errorf("%w: no slippage configured for %s", bridge.ErrUnsupported, adapter.Kind())
	}
	bound := capDbps - adapter.Headroom()
	if bound < 0 {
		bound = 0
	}
	ok, err := num.WithinSlippage(in18, out18, bound)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s quoted %s for %s", bridge.ErrSlippageExceeded, adapter.Kind(), out18, in18)
	}
	return nil
}

// startTopUp broadcasts the transfer and records it as an earmark-less
// operation for the lifecycle phase to finish.
func (s *Service) startTopUp(ctx context.Context, adapter bridge.Adapter, rc *config.RouteConfig, route types.Route, send *big.Int, asset *types.AssetConfig) error {
	expected18 := new(big.Int)
	if out, err := adapter.Quote(ctx, send, route); err == nil {
		outAsset, aerr := s.cfg.AssetByTicker(route.Destination, asset.TickerHash)
		if aerr == nil {
			if o18, cerr := num.ToCanonical(out, outAsset.Decimals); cerr == nil {
				expected18 = o18
			}
		}
	}
	op := &types.RebalanceOperation{
		ID:             uuid.New(),
		Origin:         route.Origin,
		Destination:    route.Destination,
		TickerHash:     asset.TickerHash,
		Amount:         new(big.Int).Set(send),
		ExpectedOutput: expected18,
		SlippageDbps:   rc.SlippageFor(adapter.Kind()),
		Bridge:         adapter.Kind(),
		Recipient:      s.wallets.OwnerAddress(route.Destination),
		Status:         types.OperationPending,
		Transactions:   make(map[uint64]*types.OperationTx),
	}
	if err := s.store.CreateRebalanceOperation(ctx, op); err != nil {
		return err
	}
	leg := &planner.Leg{Route: route, Bridge: adapter.Kind(), Amount: send}
	if err := s.executeLeg(ctx, leg, op); err != nil {
		return errors.Join(err, s.cancelOperation(ctx, op, err.Error()))
	}
	if err := s.store.UpdateRebalanceOperation(ctx, op); err != nil {
		return err
	}
	s.stats.RecordRebalanceStarted(op.Bridge, op.Origin, op.Destination)
	s.log.Info("Top-up started", "bridge", op.Bridge, "origin", op.Origin,
		"destination", op.Destination, "amount", send)
	return nil
}

// checkGas alerts on chains whose signer balance sits under any of the
// configured thresholds. Alerts never stop the loops; running dry does.
func (s *Service) checkGas(ctx context.Context) {
	for _, chain := range s.cfg.ChainIDs() {
		cc, err := s.cfg.Chain(chain)
		if err != nil {
			continue
		}
		client, err := s.clients.Client(chain)
		if err != nil {
			continue
		}
		balance, err := client.NativeBalance(ctx, s.wallets.SignerAddress())
		if err != nil {
			s.log.Warn("Gas check failed", "chain", chain, "err", err)
			continue
		}
		for kind, threshold := range map[string]*math.HexOrDecimal256{
			"gas":       cc.GasThreshold,
			"bandwidth": cc.BandwidthThreshold,
			"energy":    cc.EnergyThreshold,
		} {
			if threshold == nil {
				continue
			}
			if balance.Cmp((*big.Int)(threshold)) < 0 {
				s.stats.RecordGasAlert(chain, kind, balance)
				s.log.Warn("Gas balance below threshold", "chain", chain, "kind", kind,
					"balance", balance, "threshold", (*big.Int)(threshold))
			}
		}
	}
}
