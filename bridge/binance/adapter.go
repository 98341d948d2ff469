package binance

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/types"
)

// binanceNetworks maps chain ids to the exchange's network codes.
var binanceNetworks = map[uint64]string{
	1:     "ETH",
	10:    "OPTIMISM",
	56:    "BSC",
	137:   "MATIC",
	324:   "ZKSYNCERA",
	5000:  "MANTLE",
	8453:  "BASE",
	42161: "ARBITRUM",
	43114: "AVAXC",
}

// Adapter moves funds through the exchange. The send leg transfers to a
// deposit address; once the deposit is credited, the destination
// callback drives a withdrawal keyed by a deterministic order id, and
// appends a wrap transaction when the exchange pays out native ether
// for a wrapped-token route.
type Adapter struct {
	cfg     *config.Config
	clients *chainclient.Service
	api     *apiClient
	catalog *assetCatalog
	log     log.Logger
}

// New wires the adapter over the exchange credentials.
func New(cfg *config.Config, secrets *config.Secrets, clients *chainclient.Service, logger log.Logger) *Adapter {
	api := newAPIClient(cfg.Binance.APIURL, secrets.BinanceAPIKey, secrets.BinanceAPISecret)
	ttl := time.Duration(cfg.Binance.AssetRefreshSeconds) * time.Second
	return &Adapter{
		cfg:     cfg,
		clients: clients,
		api:     api,
		catalog: newAssetCatalog(api, ttl),
		log:     logger.New("bridge", bridge.TagBinance),
	}
}

// Kind implements bridge.Adapter.
func (a *Adapter) Kind() string { return bridge.TagBinance }

// Headroom implements bridge.Adapter; the withdrawal fee is explicit,
// so quotes carry no hidden variance.
func (a *Adapter) Headroom() int64 { return 0 }

// exchangeCoin maps an on-chain symbol to the exchange's coin: wrapped
// ether trades as ETH, everything else by its upper-cased symbol.
func exchangeCoin(symbol string) string {
	s := strings.ToUpper(symbol)
	if s == "WETH" {
		return "ETH"
	}
	return s
}

type routeEnds struct {
	input  *types.AssetConfig
	output *types.AssetConfig
	coin   string

	originNet string
	destNet   string

	depositRail  *networkEntry
	withdrawRail *networkEntry
}

// wrapNeeded reports whether the exchange delivers native ether while
// the route expects the wrapped token.
func (e *routeEnds) wrapNeeded() bool {
	return e.coin == "ETH" && !e.output.IsNative
}

func (a *Adapter) resolve(ctx context.Context, route types.Route) (*routeEnds, error) {
	if route.SameChain() {
		return nil, fmt.Errorf("%w: exchange needs distinct chains, got %s", bridge.ErrUnsupported, route)
	}
	ends := &routeEnds{}
	var ok bool
	if ends.originNet, ok = binanceNetworks[route.Origin]; !ok {
		return nil, fmt.Errorf("%w: chain %d has no exchange network", bridge.ErrUnsupported, route.Origin)
	}
	if ends.destNet, ok = binanceNetworks[route.Destination]; !ok {
		return nil, fmt.Errorf("%w: chain %d has no exchange network", bridge.ErrUnsupported, route.Destination)
	}

	var err error
	ends.input, err = a.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	ends.output, err = a.cfg.AssetByTicker(route.Destination, ends.input.TickerHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	if route.HasSwap() && route.DestinationAsset != ends.output.Address {
		return nil, fmt.Errorf("%w: exchange delivers %s, route wants %s",
			bridge.ErrUnsupported, ends.output.Address, route.DestinationAsset)
	}
	ends.coin = exchangeCoin(ends.input.Symbol)
	if exchangeCoin(ends.output.Symbol) != ends.coin {
		return nil, fmt.Errorf("%w: %s and %s are different exchange coins",
			bridge.ErrUnsupported, ends.input.Symbol, ends.output.Symbol)
	}

	if ends.depositRail, err = a.catalog.lookup(ctx, ends.coin, ends.originNet); err != nil {
		return nil, err
	}
	if !ends.depositRail.DepositEnable {
		return nil, fmt.Errorf("%w: deposits of %s on %s are disabled", bridge.ErrUnsupported, ends.coin, ends.originNet)
	}
	if ends.withdrawRail, err = a.catalog.lookup(ctx, ends.coin, ends.destNet); err != nil {
		return nil, err
	}
	if !ends.withdrawRail.WithdrawEnable {
		return nil, fmt.Errorf("%w: withdrawals of %s on %s are disabled", bridge.ErrUnsupported, ends.coin, ends.destNet)
	}
	return ends, nil
}

// withdrawPlan sizes the exchange withdrawal in destination units.
type withdrawPlan struct {
	requested *big.Int // amount requested from the exchange
	delivered *big.Int // requested minus the rail fee
}

func (a *Adapter) plan(amountDest *big.Int, ends *routeEnds) (*withdrawPlan, error) {
	dec := ends.output.Decimals
	fee, err := num.ParseDecimal(ends.withdrawRail.WithdrawFee, dec)
	if err != nil {
		return nil, fmt.Errorf("binance: rail fee: %w", err)
	}
	min, err := num.ParseDecimal(ends.withdrawRail.WithdrawMin, dec)
	if err != nil {
		return nil, fmt.Errorf("binance: rail minimum: %w", err)
	}
	requested := new(big.Int).Set(amountDest)
	if s := ends.withdrawRail.WithdrawIntegerMultiple; s != "" {
		mult, err := num.ParseDecimal(s, dec)
		if err != nil {
			return nil, fmt.Errorf("binance: rail multiple: %w", err)
		}
		if mult.Sign() > 0 {
			requested.Sub(requested, new(big.Int).Mod(requested, mult))
		}
	}
	if requested.Sign() <= 0 || requested.Cmp(min) < 0 {
		return nil, fmt.Errorf("%w: %s under rail minimum %s", bridge.ErrBelowMinimum,
			num.FormatDecimal(requested, dec), ends.withdrawRail.WithdrawMin)
	}
	delivered := new(big.Int).Sub(requested, fee)
	if delivered.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount does not clear the %s fee", bridge.ErrBelowMinimum, ends.withdrawRail.WithdrawFee)
	}
	return &withdrawPlan{requested: requested, delivered: delivered}, nil
}

// Quote implements bridge.Adapter: the amount net of the withdrawal
// fee, floored to the rail's withdrawal granularity.
func (a *Adapter) Quote(ctx context.Context, amount *big.Int, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(ctx, route)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", bridge.ErrBelowMinimum)
	}
	amountDest, err := num.Rescale(amount, ends.input.Decimals, ends.output.Decimals)
	if err != nil {
		return nil, err
	}
	p, err := a.plan(amountDest, ends)
	if err != nil {
		return nil, err
	}
	return p.delivered, nil
}

// Minimum implements bridge.Adapter: the destination rail's withdrawal
// floor, expressed in origin units.
func (a *Adapter) Minimum(ctx context.Context, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(ctx, route)
	if err != nil {
		return nil, err
	}
	return num.ParseDecimal(ends.withdrawRail.WithdrawMin, ends.input.Decimals)
}

// Send implements bridge.Adapter: a single transfer to the exchange's
// deposit address for the origin network.
func (a *Adapter) Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route) ([]*bridge.Tx, error) {
	ends, err := a.resolve(ctx, route)
	if err != nil {
		return nil, err
	}
	amountDest, err := num.Rescale(amount, ends.input.Decimals, ends.output.Decimals)
	if err != nil {
		return nil, err
	}
	// A deposit that cannot be withdrawn strands funds on the exchange;
	// size the withdrawal before anything moves.
	if _, err := a.plan(amountDest, ends); err != nil {
		return nil, err
	}

	addr, err := a.api.depositAddress(ctx, ends.coin, ends.originNet)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(addr.Address) {
		return nil, fmt.Errorf("binance: bad deposit address %q for %s on %s", addr.Address, ends.coin, ends.originNet)
	}
	target := common.HexToAddress(addr.Address)

	if ends.input.IsNative {
		return []*bridge.Tx{{
			Memo:    types.MemoRebalance,
			ChainID: route.Origin,
			To:      target,
			Value:   new(big.Int).Set(amount),
		}}, nil
	}
	data, err := chainclient.PackTransfer(target, amount)
	if err != nil {
		return nil, err
	}
	return []*bridge.Tx{{
		Memo:    types.MemoRebalance,
		ChainID: route.Origin,
		To:      ends.input.Address,
		Value:   new(big.Int),
		Data:    data,
	}}, nil
}

// findDeposit scans the deposit history for the origin transfer.
func (a *Adapter) findDeposit(ctx context.Context, ends *routeEnds, origin common.Hash) (*depositRecord, error) {
	records, err := a.api.deposits(ctx, ends.coin)
	if err != nil {
		return nil, err
	}
	want := origin.Hex()
	for i := range records {
		r := &records[i]
		if strings.EqualFold(r.TxID, want) && r.Network == ends.originNet {
			return r, nil
		}
	}
	return nil, nil
}

// ReadyOnDestination implements bridge.Adapter: the deposit bearing the
// origin transaction hash has been credited and is withdrawable.
func (a *Adapter) ReadyOnDestination(ctx context.Context, amount *big.Int, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(ctx, route)
	if err != nil {
		return false, err
	}
	dep, err := a.findDeposit(ctx, ends, originReceipt.TxHash)
	if err != nil {
		return false, err
	}
	return dep != nil && dep.Status == depositSuccess, nil
}

// withdrawOrderID derives the idempotency key the exchange stores with
// the withdrawal, so a retried callback can never double the transfer.
func withdrawOrderID(route types.Route, origin common.Hash) string {
	h := crypto.Keccak256(
		[]byte("mark-rebalance-v1"),
		binary.BigEndian.AppendUint64(nil, route.Origin),
		binary.BigEndian.AppendUint64(nil, route.Destination),
		route.Asset.Bytes(),
		origin.Bytes(),
	)
	return "mark-" + common.Bytes2Hex(h[:16])
}

// withdrawTarget picks where exchange withdrawals land on a chain: the
// Safe when the chain runs a Zodiac wallet, the signer otherwise.
func (a *Adapter) withdrawTarget(chain uint64) common.Address {
	if cc, err := a.cfg.Chain(chain); err == nil && cc.SafeAddress != (common.Address{}) {
		return cc.SafeAddress
	}
	return a.cfg.Wallet.Address
}

// DestinationCallback implements bridge.Adapter. The first call after
// the deposit is credited submits the withdrawal; subsequent calls
// track it, and a completed native-ether payout for a wrapped route
// yields the wrap transaction.
func (a *Adapter) DestinationCallback(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (*bridge.Tx, error) {
	ends, err := a.resolve(ctx, route)
	if err != nil {
		return nil, err
	}
	dep, err := a.findDeposit(ctx, ends, originReceipt.TxHash)
	if err != nil {
		return nil, err
	}
	if dep == nil || dep.Status != depositSuccess {
		return nil, fmt.Errorf("%w: deposit not credited yet", bridge.ErrCallbackNotReady)
	}

	orderID := withdrawOrderID(route, originReceipt.TxHash)
	records, err := a.api.withdrawals(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		credited, err := num.ParseDecimal(dep.Amount, ends.output.Decimals)
		if err != nil {
			return nil, fmt.Errorf("binance: deposit amount: %w", err)
		}
		p, err := a.plan(credited, ends)
		if err != nil {
			return nil, err
		}
		target := a.withdrawTarget(route.Destination)
		id, err := a.api.withdraw(ctx, ends.coin, ends.destNet, target.Hex(),
			num.FormatDecimal(p.requested, ends.output.Decimals), orderID)
		if err != nil {
			return nil, err
		}
		a.log.Info("Submitted exchange withdrawal", "coin", ends.coin, "network", ends.destNet,
			"order", orderID, "id", id, "target", target)
		return nil, fmt.Errorf("%w: withdrawal %s submitted", bridge.ErrCallbackNotReady, orderID)
	}

	rec := records[0]
	switch rec.Status {
	case withdrawCompleted:
		if !ends.wrapNeeded() {
			return nil, nil
		}
		gross, err := num.ParseDecimal(rec.Amount, ends.output.Decimals)
		if err != nil {
			return nil, fmt.Errorf("binance: withdrawal amount: %w", err)
		}
		fee, err := num.ParseDecimal(rec.TransactionFee, ends.output.Decimals)
		if err != nil {
			return nil, fmt.Errorf("binance: withdrawal fee: %w", err)
		}
		value := new(big.Int).Sub(gross, fee)
		if value.Sign() <= 0 {
			return nil, fmt.Errorf("binance: withdrawal %s delivered nothing after fees", orderID)
		}
		data, err := chainclient.PackDeposit()
		if err != nil {
			return nil, err
		}
		return &bridge.Tx{
			Memo:    types.MemoWrap,
			ChainID: route.Destination,
			To:      ends.output.Address,
			Value:   value,
			Data:    data,
		}, nil
	case withdrawCancelled, withdrawRejected, withdrawFailure:
		return nil, fmt.Errorf("%w: exchange withdrawal %s ended with status %d",
			bridge.ErrOperationCancelled, orderID, rec.Status)
	default:
		return nil, fmt.Errorf("%w: withdrawal %s in flight (status %d)",
			bridge.ErrCallbackNotReady, orderID, rec.Status)
	}
}

// IsCallbackComplete implements bridge.Adapter: the withdrawal keyed by
// the deterministic order id has completed.
func (a *Adapter) IsCallbackComplete(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	if _, err := a.resolve(ctx, route); err != nil {
		return false, err
	}
	records, err := a.api.withdrawals(ctx, withdrawOrderID(route, originReceipt.TxHash))
	if err != nil {
		return false, err
	}
	return len(records) > 0 && records[0].Status == withdrawCompleted, nil
}
