package planner

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/oracle"
	"github.com/everclear-net/mark/types"
)

var (
	weth1    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth10   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc8453 = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	owner    = common.HexToAddress("0x8888f1f195AFa192CfeE860698584c030f4c9dB1")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// newTestConfig tracks WETH on chains 1, 10 and 8453 (plus a 6-decimal
// USDC on 8453) with the settlement domain order 1, 10, 8453.
func newTestConfig() *config.Config {
	cfg := config.Defaults()
	cfg.SupportedSettlementDomains = []uint64{1, 10, 8453}
	cfg.Chains = map[string]*config.ChainConfig{
		"1": {Assets: []*config.AssetEntry{
			{Symbol: "WETH", Address: weth1, Decimals: 18},
		}},
		"10": {Assets: []*config.AssetEntry{
			{Symbol: "WETH", Address: weth10, Decimals: 18},
		}},
		"8453": {Assets: []*config.AssetEntry{
			{Symbol: "WETH", Address: common.HexToAddress("0xab"), Decimals: 18},
			{Symbol: "USDC", Address: usdc8453, Decimals: 6},
		}},
	}
	return cfg
}

func snapshot(ticker common.Hash, balances, custodied map[uint64]*big.Int) *oracle.Snapshot {
	return &oracle.Snapshot{
		Balances:  map[common.Hash]map[uint64]*big.Int{ticker: balances},
		Gas:       map[uint64]*big.Int{},
		Custodied: map[common.Hash]map[uint64]*big.Int{ticker: custodied},
	}
}

func invoice(ticker common.Hash, amount *big.Int, dests ...uint64) *types.Invoice {
	return &types.Invoice{
		IntentID:     "0xintent",
		Owner:        owner,
		TickerHash:   ticker,
		Amount:       amount,
		DiscountBps:  12,
		Origin:       25327,
		Destinations: dests,
		EnqueuedAt:   time.Now().Add(-time.Hour),
	}
}

func TestPlanSplitsAcrossCustodiedDomains(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	snap := snapshot(ticker,
		map[uint64]*big.Int{8453: e18(10)},
		map[uint64]*big.Int{1: e18(2), 10: e18(3)},
	)
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(6), 8453),
		map[uint64]*big.Int{8453: e18(6)}, snap, nil, 0)
	require.NoError(t, err)

	require.EqualValues(t, 8453, plan.Origin)
	require.Equal(t, e18(6), plan.Needed)
	require.Equal(t, e18(6), plan.Produced)
	require.Len(t, plan.Operations, 3)

	// Custodied liquidity is consumed in domain-list order, the
	// shortfall is committed against the origin itself.
	require.True(t, plan.Operations[0].Intent)
	require.EqualValues(t, 1, plan.Operations[0].Main.Route.Destination)
	require.Equal(t, e18(2), plan.Operations[0].Produced())

	require.EqualValues(t, 10, plan.Operations[1].Main.Route.Destination)
	require.Equal(t, e18(3), plan.Operations[1].Produced())

	require.EqualValues(t, 8453, plan.Operations[2].Main.Route.Destination)
	require.Equal(t, e18(1), plan.Operations[2].Produced())

	// The plan's consumption is committed to the shared snapshot.
	require.Zero(t, snap.CustodiedAmount(ticker, 1).Sign())
	require.Zero(t, snap.CustodiedAmount(ticker, 10).Sign())
	require.Equal(t, e18(4), snap.Balance(ticker, 8453))
}

func TestPlanRequiresBalanceOverMinimum(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	snap := snapshot(ticker, map[uint64]*big.Int{8453: e18(1)}, nil)
	_, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(6), 8453),
		map[uint64]*big.Int{8453: e18(6)}, snap, nil, 0)
	require.ErrorIs(t, err, ErrNoCandidateOrigin)
}

func TestPlanSkipsContendedOrigins(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	pending := []*types.PurchaseRecord{{
		InvoiceID:  "0xother",
		TickerHash: ticker,
		Params:     types.PurchaseParams{Origin: 8453},
	}}
	snap := snapshot(ticker, map[uint64]*big.Int{8453: e18(10)}, nil)
	_, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(6), 8453),
		map[uint64]*big.Int{8453: e18(6)}, snap, pending, 0)
	require.ErrorIs(t, err, ErrNoCandidateOrigin)
}

func TestPlanRestrictPinsOrigin(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	// Both 1 and 8453 qualify; the domain list would prefer 1, the
	// restriction forces 8453.
	snap := snapshot(ticker, map[uint64]*big.Int{1: e18(10), 8453: e18(10)}, nil)
	mins := map[uint64]*big.Int{1: e18(6), 8453: e18(6)}
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(6), 1, 8453), mins, snap, nil, 8453)
	require.NoError(t, err)
	require.EqualValues(t, 8453, plan.Origin)
}

func TestPlanPrefersEarlierDomainOnEqualAllocations(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	snap := snapshot(ticker, map[uint64]*big.Int{1: e18(10), 10: e18(10)}, nil)
	mins := map[uint64]*big.Int{1: e18(6), 10: e18(6)}
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(6), 10, 1), mins, snap, nil, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, plan.Origin)
}

func TestSplitTruncatesToOriginPrecision(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("USDC")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	// 1.5e12 canonical is 1.5 units of a 6-decimal asset: the half unit
	// is dust the origin cannot express.
	needed := big.NewInt(1_500_000_000_000)
	snap := snapshot(ticker, map[uint64]*big.Int{8453: e18(1)}, nil)
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, needed, 8453),
		map[uint64]*big.Int{8453: needed}, snap, nil, 0)
	require.NoError(t, err)
	require.Len(t, plan.Operations, 1)

	op := plan.Operations[0]
	require.True(t, op.Intent)
	require.Equal(t, big.NewInt(1), op.Main.Amount)
	require.Equal(t, big.NewInt(1_000_000_000_000), op.Produced())
	require.True(t, plan.Produced.Cmp(plan.Needed) < 0)
}

// stubAdapter quotes a fixed proportional fee and supports every route.
type stubAdapter struct {
	tag      string
	feeDbps  int64
	headroom int64
	minimum  *big.Int
	quoteErr error
}

func (s *stubAdapter) Kind() string    { return s.tag }
func (s *stubAdapter) Headroom() int64 { return s.headroom }

func (s *stubAdapter) Quote(_ context.Context, amount *big.Int, route types.Route) (*big.Int, error) {
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	out := new(big.Int).Mul(amount, big.NewInt(num.DbpsDenominator-s.feeDbps))
	return out.Div(out, big.NewInt(num.DbpsDenominator)), nil
}

func (s *stubAdapter) Minimum(context.Context, types.Route) (*big.Int, error) {
	return s.minimum, nil
}

func (s *stubAdapter) Send(context.Context, common.Address, common.Address, *big.Int, types.Route) ([]*bridge.Tx, error) {
	return nil, bridge.ErrUnsupported
}

func (s *stubAdapter) ReadyOnDestination(context.Context, *big.Int, types.Route, *gtypes.Receipt) (bool, error) {
	return false, nil
}

func (s *stubAdapter) DestinationCallback(context.Context, types.Route, *gtypes.Receipt) (*bridge.Tx, error) {
	return nil, nil
}

func (s *stubAdapter) IsCallbackComplete(context.Context, types.Route, *gtypes.Receipt) (bool, error) {
	return true, nil
}

func TestPlanUsesDeclaredDirectRoute(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	cfg.Routes = []*config.RouteConfig{{
		Origin: 1, Destination: 10, Asset: weth1,
		Preferences:   []string{"stub"},
		SlippagesDbps: []int64{500},
	}}
	registry := bridge.NewRegistry()
	registry.Register(&stubAdapter{tag: "stub", feeDbps: 100, headroom: 10})
	p := New(cfg, registry, log.Root())

	snap := snapshot(ticker,
		map[uint64]*big.Int{1: e18(10)},
		map[uint64]*big.Int{10: e18(5)},
	)
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(5), 1),
		map[uint64]*big.Int{1: e18(5)}, snap, nil, 0)
	require.NoError(t, err)
	require.Len(t, plan.Operations, 1)

	op := plan.Operations[0]
	require.False(t, op.Intent)
	require.Equal(t, PriorityDirect, op.Priority)
	require.Equal(t, "stub", op.Main.Bridge)
	// Sized up for worst-case slippage, so the quoted output still
	// covers the need after the fee.
	require.True(t, op.Main.Amount.Cmp(e18(5)) > 0)
	require.Equal(t, e18(5), op.Produced())
	require.EqualValues(t, 490, op.Main.SlippageDbps)
}

func TestPlanFailsWhenDeclaredRouteUnplannable(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	cfg.Routes = []*config.RouteConfig{{
		Origin: 1, Destination: 10, Asset: weth1,
		Preferences:   []string{"stub"},
		SlippagesDbps: []int64{500},
	}}
	registry := bridge.NewRegistry()
	registry.Register(&stubAdapter{tag: "stub", feeDbps: 100, headroom: 10, quoteErr: bridge.ErrBelowMinimum})
	p := New(cfg, registry, log.Root())

	// A declared route binds its allocation to the bridge: when every
	// preference fails the allocation is skipped, not netted.
	snap := snapshot(ticker,
		map[uint64]*big.Int{1: e18(10)},
		map[uint64]*big.Int{10: e18(5)},
	)
	_, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(5), 1),
		map[uint64]*big.Int{1: e18(5)}, snap, nil, 0)
	require.ErrorIs(t, err, ErrNothingAllocated)
}

func TestPlanQuoteOverSlippageSkipsPreference(t *testing.T) {
	cfg := newTestConfig()
	ticker := config.TickerFor("WETH")
	cfg.Routes = []*config.RouteConfig{{
		Origin: 1, Destination: 10, Asset: weth1,
		Preferences:   []string{"pricey", "fair"},
		SlippagesDbps: []int64{500, 500},
	}}
	registry := bridge.NewRegistry()
	registry.Register(&stubAdapter{tag: "pricey", feeDbps: 2_000, headroom: 10})
	registry.Register(&stubAdapter{tag: "fair", feeDbps: 100, headroom: 10})
	p := New(cfg, registry, log.Root())

	snap := snapshot(ticker,
		map[uint64]*big.Int{1: e18(10)},
		map[uint64]*big.Int{10: e18(5)},
	)
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(5), 1),
		map[uint64]*big.Int{1: e18(5)}, snap, nil, 0)
	require.NoError(t, err)
	require.Len(t, plan.Operations, 1)
	require.Equal(t, "fair", plan.Operations[0].Main.Bridge)
}

func TestAllocateRetriesFullDomainList(t *testing.T) {
	cfg := newTestConfig()
	// Ten domains with one unit of custodied liquidity each; the top-N
	// pass alone cannot cover the need.
	cfg.SupportedSettlementDomains = nil
	cfg.Chains = map[string]*config.ChainConfig{}
	custodied := map[uint64]*big.Int{}
	for id := uint64(1); id <= 10; id++ {
		cfg.SupportedSettlementDomains = append(cfg.SupportedSettlementDomains, id)
		custodied[id] = e18(1)
	}
	cfg.SupportedSettlementDomains = append(cfg.SupportedSettlementDomains, 8453)
	for _, id := range cfg.SupportedSettlementDomains {
		cfg.Chains[new(big.Int).SetUint64(id).String()] = &config.ChainConfig{
			Assets: []*config.AssetEntry{{Symbol: "WETH", Address: weth1, Decimals: 18}},
		}
	}
	ticker := config.TickerFor("WETH")
	p := New(cfg, bridge.NewRegistry(), log.Root())

	snap := snapshot(ticker, map[uint64]*big.Int{8453: e18(20)}, custodied)
	plan, err := p.PlanInvoice(context.Background(), invoice(ticker, e18(9), 8453),
		map[uint64]*big.Int{8453: e18(9)}, snap, nil, 0)
	require.NoError(t, err)
	require.Equal(t, e18(9), plan.Produced)
	// Nine split operations, no remainder: the retry pass reached the
	// domains beyond the top-N cap.
	require.Len(t, plan.Operations, 9)
	for _, op := range plan.Operations {
		require.True(t, op.Intent)
		require.NotEqualValues(t, 8453, op.Main.Route.Destination)
	}
}
