package meth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/bridge/opstack"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

// stakeToleranceDbps pads the minMETHAmount passed to stake: the
// exchange rate drifts down as staking rewards accrue between the
// quote and the block the stake lands in.
const stakeToleranceDbps = 10

const dbpDenominator = 100_000

// Adapter stakes ether into mETH and hands the minted tokens to the
// canonical rollup bridge. Readiness and callbacks are those of the
// bridge leg, since staking settles in the same transaction batch.
type Adapter struct {
	cfg     *config.Config
	clients *chainclient.Service
	rollup  *opstack.Adapter
	staking *abi.ABI
	log     log.Logger
}

// New wires the adapter over the shared chain clients.
func New(cfg *config.Config, clients *chainclient.Service, logger log.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		clients: clients,
		rollup:  opstack.New(cfg, clients, logger),
		staking: stakingABI(),
		log:     logger.New("bridge", bridge.TagMeth),
	}
}

// Kind implements bridge.Adapter.
func (a *Adapter) Kind() string { return bridge.TagMeth }

// Headroom implements bridge.Adapter. The stake tolerance is already
// folded into the quote, so no extra margin is reserved.
func (a *Adapter) Headroom() int64 { return 0 }

// routeEnds is the resolved shape of a staking route: ether in on the
// settlement layer, mETH out on the rollup, with the origin-side mETH
// token as the bridge input in between.
type routeEnds struct {
	input   *types.AssetConfig // ether or wrapped ether on the origin
	staked  *types.AssetConfig // mETH on the origin
	output  *types.AssetConfig // mETH on the destination
	staking common.Address
	weth    common.Address

	bridgeRoute types.Route
}

func (a *Adapter) resolve(route types.Route) (*routeEnds, error) {
	if route.SameChain() {
		return nil, fmt.Errorf("%w: staking composite needs distinct chains, got %s", bridge.ErrUnsupported, route)
	}
	origin, err := a.cfg.Chain(route.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	d := origin.Deployments
	if d.MethStaking == (common.Address{}) || d.MethToken == (common.Address{}) {
		return nil, fmt.Errorf("%w: chain %d has no staking deployments", bridge.ErrUnsupported, route.Origin)
	}

	ends := &routeEnds{staking: d.MethStaking, weth: d.WETH}
	ends.input, err = a.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	if !ends.input.IsNative && ends.input.Address != ends.weth {
		return nil, fmt.Errorf("%w: stake consumes ether, not %s", bridge.ErrUnsupported, ends.input.Symbol)
	}
	if ends.input.Decimals != 18 {
		return nil, fmt.Errorf("%w: ether leg must be 18 decimals", bridge.ErrUnsupported)
	}
	ends.staked, err = a.cfg.AssetByAddress(route.Origin, d.MethToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	ends.output, err = a.cfg.AssetByTicker(route.Destination, ends.staked.TickerHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	// The asset changes across this route; the caller has to name the
	// staked token explicitly so downstream accounting follows it.
	if route.DestinationAsset != ends.output.Address {
		return nil, fmt.Errorf("%w: staking route delivers %s, route wants %s",
			bridge.ErrUnsupported, ends.output.Address, route.DestinationAsset)
	}
	ends.bridgeRoute = types.Route{
		Origin:           route.Origin,
		Destination:      route.Destination,
		Asset:            ends.staked.Address,
		DestinationAsset: ends.output.Address,
	}
	return ends, nil
}

func (a *Adapter) stakingView(ctx context.Context, chain uint64, to common.Address, method string, args ...any) (*big.Int, error) {
	client, err := a.clients.Client(chain)
	if err != nil {
		return nil, err
	}
	data, err := a.staking.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := client.CallView(ctx, to, data)
	if err != nil {
		return nil, err
	}
	out, err := a.staking.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// mintFloor quotes the stake and applies the drift tolerance. The
// floor is both the minMETHAmount the stake enforces and the amount
// handed to the bridge, so the plan cannot overdraw the mint.
func (a *Adapter) mintFloor(ctx context.Context, amount *big.Int, route types.Route, ends *routeEnds) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", bridge.ErrBelowMinimum)
	}
	bound, err := a.stakingView(ctx, route.Origin, ends.staking, "minimumStakeBound")
	if err != nil {
		return nil, err
	}
	if amount.Cmp(bound) < 0 {
		return nil, fmt.Errorf("%w: stake %s under protocol bound %s", bridge.ErrBelowMinimum, amount, bound)
	}
	depositCap, err := a.stakingView(ctx, route.Origin, ends.staking, "maximumDepositAmount")
	if err != nil {
		return nil, err
	}
	if depositCap.Sign() > 0 && amount.Cmp(depositCap) > 0 {
		return nil, fmt.Errorf("%w: stake %s over protocol cap %s", bridge.ErrUnsupported, amount, depositCap)
	}
	out, err := a.stakingView(ctx, route.Origin, ends.staking, "ethToMETH", amount)
	if err != nil {
		return nil, err
	}
	floor := new(big.Int).Mul(out, big.NewInt(dbpDenominator-stakeToleranceDbps))
	return floor.Div(floor, big.NewInt(dbpDenominator)), nil
}

// Quote implements bridge.Adapter: the guaranteed mint floor carried
// one-to-one across the canonical bridge.
func (a *Adapter) Quote(ctx context.Context, amount *big.Int, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	floor, err := a.mintFloor(ctx, amount, route, ends)
	if err != nil {
		return nil, err
	}
	return a.rollup.Quote(ctx, floor, ends.bridgeRoute)
}

// Minimum implements bridge.Adapter: the protocol's minimum stake.
func (a *Adapter) Minimum(ctx context.Context, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	return a.stakingView(ctx, route.Origin, ends.staking, "minimumStakeBound")
}

// Send implements bridge.Adapter: unwrap when the input is wrapped,
// stake the ether, then bridge the mint floor to the rollup.
func (a *Adapter) Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route) ([]*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	floor, err := a.mintFloor(ctx, amount, route, ends)
	if err != nil {
		return nil, err
	}

	var txs []*bridge.Tx
	if !ends.input.IsNative {
		data, err := chainclient.PackWithdraw(amount)
		if err != nil {
			return nil, err
		}
		txs = append(txs, &bridge.Tx{
			Memo:    types.MemoUnwrap,
			ChainID: route.Origin,
			To:      ends.input.Address,
			Value:   new(big.Int),
			Data:    data,
		})
	}
	data, err := a.staking.Pack("stake", floor)
	if err != nil {
		return nil, err
	}
	txs = append(txs, &bridge.Tx{
		Memo:    types.MemoStake,
		ChainID: route.Origin,
		To:      ends.staking,
		Value:   new(big.Int).Set(amount),
		Data:    data,
	})

	bridgeTxs, err := a.rollup.Send(ctx, sender, recipient, floor, ends.bridgeRoute)
	if err != nil {
		return nil, err
	}
	return append(txs, bridgeTxs...), nil
}

// ReadyOnDestination implements bridge.Adapter by deferring to the
// bridge leg: the tracked receipt is the rollup deposit.
func (a *Adapter) ReadyOnDestination(ctx context.Context, amount *big.Int, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	return a.rollup.ReadyOnDestination(ctx, amount, ends.bridgeRoute, originReceipt)
}

// DestinationCallback implements bridge.Adapter; rollup deposits
// auto-relay, so there is nothing to run.
func (a *Adapter) DestinationCallback(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	return a.rollup.DestinationCallback(ctx, ends.bridgeRoute, originReceipt)
}

// IsCallbackComplete implements bridge.Adapter.
func (a *Adapter) IsCallbackComplete(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	return a.rollup.IsCallbackComplete(ctx, ends.bridgeRoute, originReceipt)
}
