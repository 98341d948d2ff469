package meth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

var (
	staking   = common.HexToAddress("0xe3cBd06D7dadB3F4e6557bAb7EdD924CD1489E8f")
	weth1     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	meth1     = common.HexToAddress("0xd5F7838F5C461fefF7FE49ea5ebaF7728bB0ADfa")
	meth5000  = common.HexToAddress("0xcDA86A272531e8640cD7F1a92c01839911B90bb0")
	l1Bridge  = common.HexToAddress("0x95fC37A27a2f68e3A647CDc081F0A89bb47c3012")
	l2Bridge  = common.HexToAddress("0x4200000000000000000000000000000000000010")
	sender    = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	recipient = common.HexToAddress("0x8888f1f195AFa192CfeE860698584c030f4c9dB1")
)

func uint256Hex(v *big.Int) string {
	return hexutil.Encode(common.LeftPadBytes(v.Bytes(), 32))
}

// stakingRPC answers the staking protocol's view calls plus the mETH
// allowance probe the bridge leg makes.
type stakingRPC struct {
	bound     *big.Int // minimumStakeBound
	cap       *big.Int // maximumDepositAmount, zero means uncapped
	minted    *big.Int // ethToMETH result
	allowance *big.Int
}

func (s *stakingRPC) serve(t *testing.T) *httptest.Server {
	t.Helper()
	sABI := stakingABI()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		result, err := func() (any, error) {
			if req.Method != "eth_call" {
				return nil, fmt.Errorf("unexpected method %s", req.Method)
			}
			var call struct {
				To   common.Address `json:"to"`
				Data hexutil.Bytes  `json:"input"`
			}
			if err := json.Unmarshal(req.Params[0], &call); err != nil {
				return nil, err
			}
			switch {
			case bytes.HasPrefix(call.Data, sABI.Methods["minimumStakeBound"].ID):
				return uint256Hex(s.bound), nil
			case bytes.HasPrefix(call.Data, sABI.Methods["maximumDepositAmount"].ID):
				return uint256Hex(s.cap), nil
			case bytes.HasPrefix(call.Data, sABI.Methods["ethToMETH"].ID):
				return uint256Hex(s.minted), nil
			case strings.HasPrefix(hexutil.Encode(call.Data), "0xdd62ed3e"): // allowance
				return uint256Hex(s.allowance), nil
			}
			return nil, fmt.Errorf("unexpected calldata %s", hexutil.Encode(call.Data))
		}()
		if err != nil {
			resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newAdapter builds the adapter over a settlement chain 1 and a
// Mantle-shaped rollup 5000. Chain 56 has no staking deployments.
func newAdapter(t *testing.T, rpcURL string) *Adapter {
	t.Helper()
	cfg := config.Defaults()
	cfg.Chains = map[string]*config.ChainConfig{
		"1": {
			Providers:     []string{rpcURL},
			Confirmations: 1,
			Assets: []*config.AssetEntry{
				{Symbol: "ETH", Decimals: 18, IsNative: true},
				{Symbol: "WETH", Address: weth1, Decimals: 18},
				{Symbol: "METH", Address: meth1, Decimals: 18},
			},
			Deployments: config.Deployments{
				WETH:        weth1,
				MethStaking: staking,
				MethToken:   meth1,
			},
		},
		"5000": {
			Confirmations: 1,
			Assets: []*config.AssetEntry{
				{Symbol: "METH", Address: meth5000, Decimals: 18},
			},
			Deployments: config.Deployments{
				L1StandardBridge: l1Bridge,
				L2StandardBridge: l2Bridge,
			},
		},
		"56": {Confirmations: 1},
	}
	clients := chainclient.NewService(cfg, log.Root())
	t.Cleanup(clients.Close)
	return New(cfg, clients, log.Root())
}

func stakeRoute(asset common.Address) types.Route {
	return types.Route{Origin: 1, Destination: 5000, Asset: asset, DestinationAsset: meth5000}
}

func TestQuoteAppliesStakeTolerance(t *testing.T) {
	rpc := &stakingRPC{
		bound:  big.NewInt(1e16),
		cap:    new(big.Int),
		minted: big.NewInt(960000000000000000),
	}
	a := newAdapter(t, rpc.serve(t).URL)

	out, err := a.Quote(context.Background(), big.NewInt(1e18), stakeRoute(weth1))
	require.NoError(t, err)
	// 0.96 mETH minus 10 dbps of rate drift tolerance.
	require.Equal(t, "959904000000000000", out.String())
}

func TestQuoteRejectsBelowProtocolBound(t *testing.T) {
	rpc := &stakingRPC{
		bound:  big.NewInt(2e18),
		cap:    new(big.Int),
		minted: big.NewInt(1e18),
	}
	a := newAdapter(t, rpc.serve(t).URL)

	_, err := a.Quote(context.Background(), big.NewInt(1e18), stakeRoute(weth1))
	require.ErrorIs(t, err, bridge.ErrBelowMinimum)
}

func TestQuoteRejectsOverDepositCap(t *testing.T) {
	rpc := &stakingRPC{
		bound:  big.NewInt(1e16),
		cap:    big.NewInt(5e17),
		minted: big.NewInt(1e18),
	}
	a := newAdapter(t, rpc.serve(t).URL)

	_, err := a.Quote(context.Background(), big.NewInt(1e18), stakeRoute(weth1))
	require.ErrorIs(t, err, bridge.ErrUnsupported)
}

func TestMinimumIsProtocolBound(t *testing.T) {
	rpc := &stakingRPC{bound: big.NewInt(2e16)}
	a := newAdapter(t, rpc.serve(t).URL)

	min, err := a.Minimum(context.Background(), stakeRoute(weth1))
	require.NoError(t, err)
	require.Equal(t, "20000000000000000", min.String())
}

func TestSendUnwrapsStakesAndBridges(t *testing.T) {
	amount := big.NewInt(1e18)
	floor := big.NewInt(959904000000000000)
	rpc := &stakingRPC{
		bound:     big.NewInt(1e16),
		cap:       new(big.Int),
		minted:    big.NewInt(960000000000000000),
		allowance: new(big.Int),
	}
	a := newAdapter(t, rpc.serve(t).URL)

	txs, err := a.Send(context.Background(), sender, recipient, amount, stakeRoute(weth1))
	require.NoError(t, err)
	require.NoError(t, bridge.ValidatePlan(txs))
	require.Len(t, txs, 4)

	unwrap := txs[0]
	require.Equal(t, types.MemoUnwrap, unwrap.Memo)
	require.Equal(t, weth1, unwrap.To)
	require.Zero(t, unwrap.Value.Sign())
	want, err := chainclient.PackWithdraw(amount)
	require.NoError(t, err)
	require.Equal(t, want, unwrap.Data)

	stake := txs[1]
	require.Equal(t, types.MemoStake, stake.Memo)
	require.Equal(t, staking, stake.To)
	require.Equal(t, amount, stake.Value)
	args, err := stakingABI().Methods["stake"].Inputs.Unpack(stake.Data[4:])
	require.NoError(t, err)
	require.Equal(t, floor, args[0])

	approve := txs[2]
	require.Equal(t, types.MemoApproval, approve.Memo)
	require.Equal(t, meth1, approve.To)
	wantApprove, err := chainclient.PackApprove(l1Bridge, floor)
	require.NoError(t, err)
	require.Equal(t, wantApprove, approve.Data)

	dep := txs[3]
	require.Equal(t, types.MemoRebalance, dep.Memo)
	require.Equal(t, uint64(1), dep.ChainID)
	require.Equal(t, l1Bridge, dep.To)
	require.Zero(t, dep.Value.Sign())
}

func TestSendNativeSkipsUnwrap(t *testing.T) {
	rpc := &stakingRPC{
		bound:     big.NewInt(1e16),
		cap:       new(big.Int),
		minted:    big.NewInt(960000000000000000),
		allowance: new(big.Int).Lsh(big.NewInt(1), 200),
	}
	a := newAdapter(t, rpc.serve(t).URL)

	txs, err := a.Send(context.Background(), sender, recipient, big.NewInt(1e18), stakeRoute(common.Address{}))
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, types.MemoStake, txs[0].Memo)
	require.Equal(t, types.MemoRebalance, txs[1].Memo)
}

func TestRouteValidation(t *testing.T) {
	rpc := &stakingRPC{bound: big.NewInt(1e16), cap: new(big.Int), minted: big.NewInt(1e18)}
	a := newAdapter(t, rpc.serve(t).URL)

	cases := map[string]types.Route{
		"same chain":       {Origin: 1, Destination: 1, Asset: weth1, DestinationAsset: meth5000},
		"no staking":       {Origin: 56, Destination: 5000, Asset: weth1, DestinationAsset: meth5000},
		"non-ether input":  {Origin: 1, Destination: 5000, Asset: meth1, DestinationAsset: meth5000},
		"wrong dest asset": {Origin: 1, Destination: 5000, Asset: weth1},
	}
	for name, route := range cases {
		_, err := a.Quote(context.Background(), big.NewInt(1e18), route)
		require.ErrorIs(t, err, bridge.ErrUnsupported, name)
	}
}

func TestDepositNeedsNoCallback(t *testing.T) {
	rpc := &stakingRPC{bound: big.NewInt(1e16), cap: new(big.Int), minted: big.NewInt(1e18)}
	a := newAdapter(t, rpc.serve(t).URL)
	require.Equal(t, bridge.TagMeth, a.Kind())
	require.Zero(t, a.Headroom())

	tx, err := a.DestinationCallback(context.Background(), stakeRoute(weth1), nil)
	require.NoError(t, err)
	require.Nil(t, tx)

	done, err := a.IsCallbackComplete(context.Background(), stakeRoute(weth1), nil)
	require.NoError(t, err)
	require.True(t, done)
}
