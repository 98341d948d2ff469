package planner

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/types"
)

func zeroOr(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// legSpend18 is the canonical amount of the origin asset an operation
// consumes: the first leg's input scaled to 18 decimals.
func legSpend18(cfg *config.Config, op *Operation) *big.Int {
	leg := &op.Main
	if op.Swap != nil {
		leg = op.Swap
	}
	asset, err := cfg.AssetByAddress(leg.Route.Origin, leg.Route.Asset)
	if err != nil {
		return new(big.Int)
	}
	spend, err := num.ToCanonical(leg.Amount, asset.Decimals)
	if err != nil {
		return new(big.Int)
	}
	return spend
}

// skippable reports quote failures that should move the planner to the
// next preference instead of aborting the route.
func skippable(err error) bool {
	return errors.Is(err, bridge.ErrBelowMinimum) ||
		errors.Is(err, bridge.ErrUnsupported) ||
		errors.Is(err, bridge.ErrTransientUpstream) ||
		errors.Is(err, bridge.ErrSlippageExceeded)
}

// quoteLeg runs one adapter quote for a sized send and validates it
// against the post-headroom slippage bound. Returns the output in
// canonical 18-dp units.
func (p *Planner) quoteLeg(ctx context.Context, a bridge.Adapter, route types.Route, amountNative *big.Int, inDecimals, outDecimals uint8, bound int64) (*big.Int, error) {
	if min, err := a.Minimum(ctx, route); err == nil && min != nil && amountNative.Cmp(min) < 0 {
		return nil, fmt.Errorf("%w: %s under %s minimum", bridge.ErrBelowMinimum, amountNative, a.Kind())
	}
	out, err := a.Quote(ctx, amountNative, route)
	if err != nil {
		return nil, err
	}
	out18, err := num.ToCanonical(out, outDecimals)
	if err != nil {
		return nil, err
	}
	sent18, err := num.ToCanonical(amountNative, inDecimals)
	if err != nil {
		return nil, err
	}
	ok, err := num.WithinSlippage(sent18, out18, bound)
	if err != nil {
		return nil, err
	}
	if !ok {
		realized, _ := num.SlippageDbps(sent18, out18)
		return nil, fmt.Errorf("%w: %s quotes %d dbps over bound %d", bridge.ErrSlippageExceeded, a.Kind(), realized, bound)
	}
	return out18, nil
}

// planDirect sizes and quotes a direct bridge transfer. The send is
// sized to survive worst-case slippage, capped by the origin balance;
// an over-producing quote is confirmed with a scaled-down re-quote and
// the smaller valid quote wins.
func (p *Planner) planDirect(ctx context.Context, rc *config.RouteConfig, remaining, available *big.Int) (*Operation, error) {
	route := rc.Route()
	input, err := p.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, err
	}
	output, err := p.cfg.AssetByTicker(route.Destination, input.TickerHash)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for i, tag := range rc.Preferences {
		cfgMax := rc.SlippagesDbps[i]
		adapter, err := p.bridges.Resolve(tag)
		if err != nil {
			lastErr = err
			continue
		}
		bound := cfgMax - adapter.Headroom()
		if bound <= 0 {
			lastErr = fmt.Errorf("%w: headroom %d consumes budget %d on %s", bridge.ErrSlippageExceeded, adapter.Headroom(), cfgMax, tag)
			continue
		}

		estimated, err := num.GrossForNet(remaining, cfgMax)
		if err != nil {
			return nil, err
		}
		estimated = num.Min(estimated, available)
		amountNative, err := num.FromCanonical(estimated, input.Decimals)
		if err != nil {
			return nil, err
		}
		if amountNative.Sign() <= 0 {
			lastErr = fmt.Errorf("%w: balance under origin precision", bridge.ErrBelowMinimum)
			continue
		}

		out18, err := p.quoteLeg(ctx, adapter, route, amountNative, input.Decimals, output.Decimals, bound)
		if err != nil {
			if skippable(err) {
				p.log.Debug("Preference skipped", "route", route.String(), "bridge", tag, "err", err)
				lastErr = err
				continue
			}
			return nil, err
		}

		// An over-producing quote means the rate is better than the
		// worst case we sized for. Confirm with a scaled-down amount,
		// buffered by the adapter headroom, and take the smaller valid
		// quote.
		if out18.Cmp(remaining) > 0 {
			scaled, err := num.MulDiv(amountNative, remaining, out18)
			if err == nil {
				if buffered, berr := num.GrossForNet(scaled, adapter.Headroom()); berr == nil {
					scaled = buffered
				}
				if scaled.Sign() > 0 && scaled.Cmp(amountNative) < 0 {
					if confirm, qerr := p.quoteLeg(ctx, adapter, route, scaled, input.Decimals, output.Decimals, bound); qerr == nil && confirm.Cmp(out18) < 0 {
						amountNative, out18 = scaled, confirm
					}
				}
			}
		}

		return &Operation{
			Priority: PriorityDirect,
			Main: Leg{
				Route:          route,
				Bridge:         tag,
				Amount:         amountNative,
				ExpectedOutput: num.Min(out18, remaining),
				SlippageDbps:   bound,
			},
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: route %s has no preferences", bridge.ErrUnsupported, route)
	}
	return nil, lastErr
}

// planSwap sizes and quotes a same-chain swap, with one scaling retry
// when the first quote falls short of the need.
func (p *Planner) planSwap(ctx context.Context, rc *config.RouteConfig, remaining, available *big.Int) (*Operation, error) {
	route := rc.Route()
	input, err := p.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, err
	}
	output, err := p.cfg.AssetByAddress(route.Destination, route.DestinationAsset)
	if err != nil {
		return nil, err
	}
	op, err := p.planSwapLeg(ctx, rc, route, input.Decimals, output.Decimals, remaining, available)
	if err != nil {
		return nil, err
	}
	op.Priority = PrioritySwap
	return op, nil
}

// planSwapLeg runs the swap-preference cascade for a same-chain leg.
func (p *Planner) planSwapLeg(ctx context.Context, rc *config.RouteConfig, route types.Route, inDecimals, outDecimals uint8, remaining, available *big.Int) (*Operation, error) {
	if len(rc.SwapPreferences) == 0 {
		return nil, fmt.Errorf("%w: route %s has no swap preferences", bridge.ErrUnsupported, route)
	}
	var lastErr error
	for _, tag := range rc.SwapPreferences {
		adapter, err := p.bridges.Resolve(tag)
		if err != nil {
			lastErr = err
			continue
		}
		bound := rc.SwapSlippageDbps - adapter.Headroom()
		if bound <= 0 {
			lastErr = fmt.Errorf("%w: headroom %d consumes budget %d on %s", bridge.ErrSlippageExceeded, adapter.Headroom(), rc.SwapSlippageDbps, tag)
			continue
		}

		estimated, err := num.GrossForNet(remaining, rc.SwapSlippageDbps)
		if err != nil {
			return nil, err
		}
		estimated = num.Min(estimated, available)
		amountNative, err := num.FromCanonical(estimated, inDecimals)
		if err != nil {
			return nil, err
		}
		if amountNative.Sign() <= 0 {
			lastErr = fmt.Errorf("%w: balance under origin precision", bridge.ErrBelowMinimum)
			continue
		}

		out18, err := p.quoteLeg(ctx, adapter, route, amountNative, inDecimals, outDecimals, bound)
		if err != nil {
			if skippable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		// One scaling retry when the quote falls short but more balance
		// is available to commit.
		if out18.Cmp(remaining) < 0 {
			scaled, serr := num.MulDiv(amountNative, remaining, out18)
			if serr == nil {
				if buffered, berr := num.GrossForNet(scaled, adapter.Headroom()); berr == nil {
					scaled = buffered
				}
				if cap18, cerr := num.ToCanonical(scaled, inDecimals); cerr == nil && cap18.Cmp(available) <= 0 && scaled.Cmp(amountNative) > 0 {
					if retry, qerr := p.quoteLeg(ctx, adapter, route, scaled, inDecimals, outDecimals, bound); qerr == nil && retry.Cmp(out18) > 0 {
						amountNative, out18 = scaled, retry
					}
				}
			}
		}

		return &Operation{
			Main: Leg{
				Route:          route,
				Bridge:         tag,
				Amount:         amountNative,
				ExpectedOutput: num.Min(out18, remaining),
				SlippageDbps:   bound,
			},
		}, nil
	}
	return nil, lastErr
}

// planSwapBridge works backwards from the destination need: the bridge
// leg must deliver remaining, so the swap must produce the bridge input
// grossed up by the bridge's slippage budget. Both legs are then
// rescaled proportionally so the final output equals the need.
func (p *Planner) planSwapBridge(ctx context.Context, rc *config.RouteConfig, remaining, available *big.Int) (*Operation, error) {
	route := rc.Route()
	input, err := p.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, err
	}
	// The swap produces the bridged asset on the origin chain.
	swapOut, err := p.cfg.AssetByAddress(route.Origin, route.DestinationAsset)
	if err != nil {
		return nil, err
	}
	bridgeOut, err := p.cfg.AssetByTicker(route.Destination, swapOut.TickerHash)
	if err != nil {
		return nil, err
	}

	maxBridgeSlippage := int64(0)
	for _, s := range rc.SlippagesDbps {
		if s > maxBridgeSlippage {
			maxBridgeSlippage = s
		}
	}
	neededAfterSwap, err := num.GrossForNet(remaining, maxBridgeSlippage)
	if err != nil {
		return nil, err
	}

	swapRoute := types.Route{Origin: route.Origin, Destination: route.Origin, Asset: route.Asset, DestinationAsset: route.DestinationAsset}
	swapOp, err := p.planSwapLeg(ctx, rc, swapRoute, input.Decimals, swapOut.Decimals, neededAfterSwap, available)
	if err != nil {
		return nil, err
	}
	swapLeg := swapOp.Main

	bridgeRoute := types.Route{Origin: route.Origin, Destination: route.Destination, Asset: route.DestinationAsset}
	bridgeRC := &config.RouteConfig{
		Origin: route.Origin, Destination: route.Destination, Asset: route.DestinationAsset,
		Preferences: rc.Preferences, SlippagesDbps: rc.SlippagesDbps,
	}
	swapOutNative, err := num.FromCanonical(swapLeg.ExpectedOutput, swapOut.Decimals)
	if err != nil {
		return nil, err
	}
	swapOut18 := swapLeg.ExpectedOutput
	bridgeOp, err := p.planBridgeOn(ctx, bridgeRC, bridgeRoute, swapOut.Decimals, bridgeOut.Decimals, remaining, swapOutNative)
	if err != nil {
		return nil, err
	}
	main := bridgeOp.Main

	if err := adjustSwapBridgeAmounts(&swapLeg, &main, remaining, swapOut18); err != nil {
		return nil, err
	}
	return &Operation{
		Priority: PrioritySwapBridge,
		Swap:     &swapLeg,
		Main:     main,
	}, nil
}

// planBridgeOn is planDirect on an explicit route whose input is the
// swap output rather than a held balance.
func (p *Planner) planBridgeOn(ctx context.Context, rc *config.RouteConfig, route types.Route, inDecimals, outDecimals uint8, remaining, availableNative *big.Int) (*Operation, error) {
	var lastErr error
	for i, tag := range rc.Preferences {
		cfgMax := rc.SlippagesDbps[i]
		adapter, err := p.bridges.Resolve(tag)
		if err != nil {
			lastErr = err
			continue
		}
		bound := cfgMax - adapter.Headroom()
		if bound <= 0 {
			lastErr = fmt.Errorf("%w: headroom %d consumes budget %d on %s", bridge.ErrSlippageExceeded, adapter.Headroom(), cfgMax, tag)
			continue
		}
		amountNative := new(big.Int).Set(availableNative)
		if amountNative.Sign() <= 0 {
			lastErr = fmt.Errorf("%w: swap output empty", bridge.ErrBelowMinimum)
			continue
		}
		out18, err := p.quoteLeg(ctx, adapter, route, amountNative, inDecimals, outDecimals, bound)
		if err != nil {
			if skippable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return &Operation{
			Main: Leg{
				Route:          route,
				Bridge:         tag,
				Amount:         amountNative,
				ExpectedOutput: out18,
				SlippageDbps:   bound,
			},
		}, nil
	}
	return nil, lastErr
}

// adjustSwapBridgeAmounts rescales both legs proportionally so the
// bridge leg's canonical output equals the invoice requirement. Scaling
// only ever shrinks the legs; an under-producing pair is left as
// planned.
func adjustSwapBridgeAmounts(swapLeg, bridgeLeg *Leg, remaining, swapOut18 *big.Int) error {
	if bridgeLeg.ExpectedOutput.Sign() <= 0 {
		return fmt.Errorf("planner: bridge leg produces nothing")
	}
	if bridgeLeg.ExpectedOutput.Cmp(remaining) <= 0 {
		return nil
	}
	factorNum, factorDen := remaining, bridgeLeg.ExpectedOutput

	scaledSwapIn, err := num.MulDiv(swapLeg.Amount, factorNum, factorDen)
	if err != nil {
		return err
	}
	scaledSwapOut, err := num.MulDiv(swapOut18, factorNum, factorDen)
	if err != nil {
		return err
	}
	scaledBridgeIn, err := num.MulDiv(bridgeLeg.Amount, factorNum, factorDen)
	if err != nil {
		return err
	}
	if scaledSwapIn.Sign() <= 0 || scaledBridgeIn.Sign() <= 0 {
		return fmt.Errorf("planner: rescale collapses a leg")
	}
	swapLeg.Amount = scaledSwapIn
	swapLeg.ExpectedOutput = scaledSwapOut
	bridgeLeg.Amount = scaledBridgeIn
	bridgeLeg.ExpectedOutput = new(big.Int).Set(remaining)
	return nil
}
