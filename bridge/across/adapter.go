package across

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/types"
)

const (
	// fillDeadlineBuffer is how long relayers get to fill a deposit
	// before it expires and the funds return to the depositor.
	fillDeadlineBuffer = 4 * time.Hour

	// fillScanBlocks bounds the destination fill scan. Indexed topics
	// keep the query cheap, but providers cap eth_getLogs ranges.
	fillScanBlocks = 90_000

	// headroomDbps is the safety margin kept under the route's slippage
	// cap: relay fees drift between the quote and the deposit landing.
	headroomDbps = 10
)

// Adapter moves funds through Across V3 spoke pools. A deposit on the
// origin pool is filled by a relayer on the destination pool, so the
// transfer is ready once the matching FilledV3Relay event appears.
type Adapter struct {
	cfg     *config.Config
	clients *chainclient.Service
	fees    *feeClient
	spoke   *abi.ABI
	log     log.Logger
}

// New wires the adapter against the configured fee API endpoint.
func New(cfg *config.Config, clients *chainclient.Service, logger log.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		clients: clients,
		fees:    newFeeClient(cfg.Across.APIURL),
		spoke:   spokePoolABI(),
		log:     logger.New("bridge", bridge.TagAcross),
	}
}

// Kind implements bridge.Adapter.
func (a *Adapter) Kind() string { return bridge.TagAcross }

// Headroom implements bridge.Adapter.
func (a *Adapter) Headroom() int64 { return headroomDbps }

// routeEnds carries the resolved endpoints of an Across route: both
// chain configs, the asset on each side, and the token addresses used
// on the wire. Native assets resolve to their wrapped token, since the
// spoke pools only know ERC-20s.
type routeEnds struct {
	origin *config.ChainConfig
	dest   *config.ChainConfig
	input  *types.AssetConfig
	output *types.AssetConfig

	inputToken  common.Address
	outputToken common.Address
}

func (a *Adapter) resolve(route types.Route) (*routeEnds, error) {
	if route.SameChain() {
		return nil, fmt.Errorf("%w: across needs distinct chains, got %s", bridge.ErrUnsupported, route)
	}
	origin, err := a.cfg.Chain(route.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	dest, err := a.cfg.Chain(route.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	if origin.Deployments.AcrossSpokePool == (common.Address{}) || dest.Deployments.AcrossSpokePool == (common.Address{}) {
		return nil, fmt.Errorf("%w: no spoke pool on route %s", bridge.ErrUnsupported, route)
	}
	input, err := a.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	output, err := a.cfg.AssetByTicker(route.Destination, input.TickerHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	// Across delivers the same asset family; a route demanding a
	// different destination token needs a swap adapter instead.
	if route.HasSwap() && route.DestinationAsset != output.Address {
		return nil, fmt.Errorf("%w: across delivers %s, route wants %s",
			bridge.ErrUnsupported, output.Address, route.DestinationAsset)
	}
	ends := &routeEnds{
		origin: origin, dest: dest,
		input: input, output: output,
		inputToken: input.Address, outputToken: output.Address,
	}
	if input.IsNative {
		if origin.Deployments.WETH == (common.Address{}) {
			return nil, fmt.Errorf("%w: native deposit needs a wrapped token on chain %d", bridge.ErrUnsupported, route.Origin)
		}
		ends.inputToken = origin.Deployments.WETH
	}
	if output.IsNative {
		if dest.Deployments.WETH == (common.Address{}) {
			return nil, fmt.Errorf("%w: native delivery needs a wrapped token on chain %d", bridge.ErrUnsupported, route.Destination)
		}
		ends.outputToken = dest.Deployments.WETH
	}
	return ends, nil
}

// quote fetches fees for amount and converts them into the delivered
// destination amount, in destination decimals.
func (a *Adapter) quote(ctx context.Context, amount *big.Int, route types.Route, ends *routeEnds) (*big.Int, *suggestedFees, error) {
	fees, err := a.fees.SuggestedFees(ctx, ends.inputToken, ends.outputToken, route.Origin, route.Destination, amount)
	if err != nil {
		return nil, nil, err
	}
	if fees.IsAmountTooLow {
		return nil, nil, fmt.Errorf("%w: %s under across deposit floor", bridge.ErrBelowMinimum, amount)
	}
	out := new(big.Int).Sub(amount, fees.totalFee())
	if out.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: relay fee %s consumes deposit %s", bridge.ErrBelowMinimum, fees.totalFee(), amount)
	}
	out, err = num.Rescale(out, ends.input.Decimals, ends.output.Decimals)
	if err != nil {
		return nil, nil, err
	}
	return out, fees, nil
}

// Quote implements bridge.Adapter.
func (a *Adapter) Quote(ctx context.Context, amount *big.Int, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	out, _, err := a.quote(ctx, amount, route, ends)
	return out, err
}

// Minimum implements bridge.Adapter. The floor comes from the fee API's
// deposit limits, probed with one whole token.
func (a *Adapter) Minimum(ctx context.Context, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	fees, err := a.fees.SuggestedFees(ctx, ends.inputToken, ends.outputToken, route.Origin, route.Destination, num.Pow10(ends.input.Decimals))
	if err != nil {
		return nil, err
	}
	return fees.minDeposit(), nil
}

// Send implements bridge.Adapter. The plan is an optional spoke pool
// approval followed by the depositV3 call. Native deposits ride along
// as call value against the wrapped token.
func (a *Adapter) Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route) ([]*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	out, fees, err := a.quote(ctx, amount, route, ends)
	if err != nil {
		return nil, err
	}

	spoke := ends.origin.Deployments.AcrossSpokePool
	value := new(big.Int)
	var txs []*bridge.Tx

	if ends.input.IsNative {
		value = amount
	} else {
		client, err := a.clients.Client(route.Origin)
		if err != nil {
			return nil, err
		}
		allowance, err := client.Allowance(ctx, ends.inputToken, sender, spoke)
		if err != nil {
			return nil, err
		}
		if allowance.Cmp(amount) < 0 {
			data, err := chainclient.PackApprove(spoke, amount)
			if err != nil {
				return nil, err
			}
			txs = append(txs, &bridge.Tx{
				Memo:    types.MemoApproval,
				ChainID: route.Origin,
				To:      ends.inputToken,
				Value:   new(big.Int),
				Data:    data,
			})
		}
	}

	quoteTs := uint32(uint64(fees.Timestamp))
	deadline := quoteTs + uint32(fillDeadlineBuffer/time.Second)
	data, err := a.spoke.Pack("depositV3",
		sender, recipient, ends.inputToken, ends.outputToken,
		amount, out, new(big.Int).SetUint64(route.Destination),
		common.Address{}, quoteTs, deadline, uint32(0), []byte{})
	if err != nil {
		return nil, err
	}
	txs = append(txs, &bridge.Tx{
		Memo:    types.MemoRebalance,
		ChainID: route.Origin,
		To:      spoke,
		Value:   value,
		Data:    data,
	})
	a.log.Info("Built across deposit", "route", route.String(), "amount", amount, "output", out, "legs", len(txs))
	return txs, nil
}

// v3FundsDeposited mirrors the origin spoke pool deposit event.
type v3FundsDeposited struct {
	InputToken          common.Address
	OutputToken         common.Address
	InputAmount         *big.Int
	OutputAmount        *big.Int
	DestinationChainId  *big.Int
	DepositId           uint32
	QuoteTimestamp      uint32
	FillDeadline        uint32
	ExclusivityDeadline uint32
	Depositor           common.Address
	Recipient           common.Address
	ExclusiveRelayer    common.Address
	Message             []byte
}

func (a *Adapter) depositFromReceipt(spoke common.Address, receipt *gtypes.Receipt) (*v3FundsDeposited, error) {
	lg := bridge.FindLog(receipt, spoke, a.spoke.Events["V3FundsDeposited"].ID)
	if lg == nil {
		return nil, fmt.Errorf("across: no deposit event in receipt %s", receipt.TxHash)
	}
	var dep v3FundsDeposited
	if err := bridge.UnpackLog(a.spoke, &dep, "V3FundsDeposited", *lg); err != nil {
		return nil, fmt.Errorf("across: decode deposit event: %w", err)
	}
	return &dep, nil
}

// ReadyOnDestination implements bridge.Adapter: the transfer is done
// once the destination pool emitted FilledV3Relay for our deposit id.
func (a *Adapter) ReadyOnDestination(ctx context.Context, amount *big.Int, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	dep, err := a.depositFromReceipt(ends.origin.Deployments.AcrossSpokePool, originReceipt)
	if err != nil {
		return false, err
	}

	dest, err := a.clients.Client(route.Destination)
	if err != nil {
		return false, err
	}
	head, err := dest.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	from := new(big.Int)
	if head > fillScanBlocks {
		from.SetUint64(head - fillScanBlocks)
	}
	logs, err := dest.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		Addresses: []common.Address{ends.dest.Deployments.AcrossSpokePool},
		Topics: [][]common.Hash{
			{a.spoke.Events["FilledV3Relay"].ID},
			{bridge.TopicUint64(route.Origin)},
			{bridge.TopicUint64(uint64(dep.DepositId))},
		},
	})
	if err != nil {
		return false, err
	}
	if len(logs) == 0 {
		return false, nil
	}
	a.log.Info("Across deposit filled", "route", route.String(), "depositId", dep.DepositId, "fillTx", logs[0].TxHash)
	return true, nil
}

// DestinationCallback implements bridge.Adapter. Relayers deliver the
// funds, so there is nothing to do on the destination.
func (a *Adapter) DestinationCallback(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (*bridge.Tx, error) {
	return nil, nil
}

// IsCallbackComplete implements bridge.Adapter.
func (a *Adapter) IsCallbackComplete(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	return true, nil
}
