package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-api-secret"
)

var (
	weth1   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	weth10  = common.HexToAddress("0x4200000000000000000000000000000000000006")
	markEOA = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	depAddr = common.HexToAddress("0x1fC3A9899193127a2e0C94c9f1C480124574646b")
)

// exchange fakes the SAPI surface: it verifies the API key header and
// the HMAC signature on every request, then serves mutable fixtures.
type exchange struct {
	t  *testing.T
	mu sync.Mutex

	coins       []coinInfo
	getallCalls int
	deposits    []depositRecord
	withdrawals []withdrawRecord
	applied     []url.Values

	srv *httptest.Server
}

func newExchange(t *testing.T) *exchange {
	t.Helper()
	e := &exchange{t: t}
	e.srv = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *exchange) set(fn func(*exchange)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *exchange) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-MBX-APIKEY") != testKey {
		http.Error(w, `{"code":-2014,"msg":"API-key format invalid"}`, http.StatusUnauthorized)
		return
	}
	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	if idx < 0 {
		http.Error(w, `{"code":-1022,"msg":"signature missing"}`, http.StatusBadRequest)
		return
	}
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(raw[:idx]))
	if hex.EncodeToString(mac.Sum(nil)) != raw[idx+len("&signature="):] {
		http.Error(w, `{"code":-1022,"msg":"signature invalid"}`, http.StatusUnauthorized)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	q := r.URL.Query()
	switch r.URL.Path {
	case pathCoins:
		e.getallCalls++
		writeJSON(w, e.coins)
	case pathDepositAddress:
		writeJSON(w, depositAddress{Address: depAddr.Hex(), Coin: q.Get("coin")})
	case pathDepositHistory:
		var out []depositRecord
		for _, d := range e.deposits {
			if d.Coin == q.Get("coin") {
				out = append(out, d)
			}
		}
		writeJSON(w, out)
	case pathWithdrawHistory:
		var out []withdrawRecord
		for _, wd := range e.withdrawals {
			if wd.WithdrawOrderID == q.Get("withdrawOrderId") {
				out = append(out, wd)
			}
		}
		writeJSON(w, out)
	case pathWithdrawApply:
		e.applied = append(e.applied, q)
		writeJSON(w, map[string]string{"id": "7213fea8e94b4a5593d507237e5a555b"})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ethRails lists ETH (the coin wrapped ether trades as) on both fixture
// networks with a 0.0005 fee and 0.001 minimum.
func ethRails() []coinInfo {
	return []coinInfo{{
		Coin: "ETH",
		NetworkList: []networkEntry{
			{
				Coin: "ETH", Network: "ETH",
				DepositEnable: true, WithdrawEnable: true,
				WithdrawFee: "0.0005", WithdrawMin: "0.001", WithdrawIntegerMultiple: "0.0001",
			},
			{
				Coin: "ETH", Network: "OPTIMISM",
				DepositEnable: true, WithdrawEnable: true,
				WithdrawFee: "0.0005", WithdrawMin: "0.001", WithdrawIntegerMultiple: "0.0001",
			},
		},
	}}
}

func newAdapter(t *testing.T, e *exchange) *Adapter {
	t.Helper()
	cfg := config.Defaults()
	cfg.Binance.APIURL = e.srv.URL
	cfg.Wallet.Address = markEOA
	cfg.Chains = map[string]*config.ChainConfig{
		"1": {
			Confirmations: 1,
			Assets: []*config.AssetEntry{
				{Symbol: "ETH", Decimals: 18, IsNative: true},
				{Symbol: "WETH", Address: weth1, Decimals: 18},
			},
		},
		"10": {
			Confirmations: 1,
			Assets: []*config.AssetEntry{
				{Symbol: "ETH", Decimals: 18, IsNative: true},
				{Symbol: "WETH", Address: weth10, Decimals: 18},
			},
		},
	}
	secrets := &config.Secrets{BinanceAPIKey: testKey, BinanceAPISecret: testSecret}
	clients := chainclient.NewService(cfg, log.Root())
	t.Cleanup(clients.Close)
	return New(cfg, secrets, clients, log.Root())
}

func TestQuoteNetsFeeAndRejectsDust(t *testing.T) {
	e := newExchange(t)
	e.set(func(e *exchange) { e.coins = ethRails() })
	a := newAdapter(t, e)
	ctx := context.Background()
	route := types.Route{Origin: 1, Destination: 10, Asset: weth1}

	got, err := a.Quote(ctx, big.NewInt(1e18), route)
	require.NoError(t, err)
	require.Zero(t, big.NewInt(999_500_000_000_000_000).Cmp(got))

	// 0.0005 is under the 0.001 withdrawal minimum.
	_, err = a.Quote(ctx, big.NewInt(500_000_000_000_000), route)
	require.ErrorIs(t, err, bridge.ErrBelowMinimum)

	min, err := a.Minimum(ctx, route)
	require.NoError(t, err)
	require.Zero(t, big.NewInt(1_000_000_000_000_000).Cmp(min))
}

func TestQuoteFloorsToWithdrawMultiple(t *testing.T) {
	e := newExchange(t)
	e.set(func(e *exchange) { e.coins = ethRails() })
	a := newAdapter(t, e)

	// 1.00005 ETH floors to 1.0000, then nets the 0.0005 fee.
	amount, _ := new(big.Int).SetString("1000050000000000000", 10)
	got, err := a.Quote(context.Background(), amount, types.Route{Origin: 1, Destination: 10, Asset: weth1})
	require.NoError(t, err)
	require.Zero(t, big.NewInt(999_500_000_000_000_000).Cmp(got))
}

func TestUnsupportedRoutes(t *testing.T) {
	e := newExchange(t)
	e.set(func(e *exchange) {
		coins := ethRails()
		coins[0].NetworkList[1].WithdrawEnable = false
		e.coins = coins
	})
	a := newAdapter(t, e)
	ctx := context.Background()

	// Withdrawals disabled on the destination rail.
	_, err := a.Quote(ctx, big.NewInt(1e18), types.Route{Origin: 1, Destination: 10, Asset: weth1})
	require.ErrorIs(t, err, bridge.ErrUnsupported)

	// No exchange network for the chain.
	_, err = a.Quote(ctx, big.NewInt(1e18), types.Route{Origin: 1, Destination: 777, Asset: weth1})
	require.ErrorIs(t, err, bridge.ErrUnsupported)

	// Same chain.
	_, err = a.Quote(ctx, big.NewInt(1e18), types.Route{Origin: 1, Destination: 1, Asset: weth1})
	require.ErrorIs(t, err, bridge.ErrUnsupported)
}

func TestCatalogRefreshOnUnknownRail(t *testing.T) {
	e := newExchange(t)
	e.set(func(e *exchange) {
		coins := ethRails()
		coins[0].NetworkList = coins[0].NetworkList[:1] // OPTIMISM missing
		e.coins = coins
	})
	a := newAdapter(t, e)
	ctx := context.Background()
	route := types.Route{Origin: 1, Destination: 10, Asset: weth1}

	_, err := a.Quote(ctx, big.NewInt(1e18), route)
	require.ErrorIs(t, err, bridge.ErrUnsupported)
	require.Equal(t, 1, e.getallCalls)

	// The exchange lists the rail; a lookup past the refresh backoff
	// picks it up without a restart.
	e.set(func(e *exchange) { e.coins = ethRails() })
	base := a.catalog.now()
	a.catalog.now = func() time.Time { return base.Add(refreshBackoff + time.Second) }

	_, err = a.Quote(ctx, big.NewInt(1e18), route)
	require.NoError(t, err)
	require.Equal(t, 2, e.getallCalls)
}

func TestSendTransfersToDepositAddress(t *testing.T) {
	e := newExchange(t)
	e.set(func(e *exchange) { e.coins = ethRails() })
	a := newAdapter(t, e)
	ctx := context.Background()
	amount := big.NewInt(1e18)

	// Token leg: an ERC-20 transfer to the deposit address.
	txs, err := a.Send(ctx, markEOA, markEOA, amount, types.Route{Origin: 1, Destination: 10, Asset: weth1})
	require.NoError(t, err)
	require.NoError(t, bridge.ValidatePlan(txs))
	require.Len(t, txs, 1)
	require.Equal(t, types.MemoRebalance, txs[0].Memo)
	require.Equal(t, uint64(1), txs[0].ChainID)
	require.Equal(t, weth1, txs[0].To)
	require.Zero(t, txs[0].Value.Sign())
	want, err := chainclient.PackTransfer(depAddr, amount)
	require.NoError(t, err)
	require.Equal(t, want, txs[0].Data)

	// Native leg: a plain value transfer.
	txs, err = a.Send(ctx, markEOA, markEOA, amount, types.Route{Origin: 1, Destination: 10})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, depAddr, txs[0].To)
	require.Zero(t, amount.Cmp(txs[0].Value))
	require.Empty(t, txs[0].Data)
}

func originReceipt(hash string) *gtypes.Receipt {
	return &gtypes.Receipt{TxHash: common.HexToHash(hash)}
}

func TestReadyOnDestination(t *testing.T) {
	e := newExchange(t)
	e.set(func(e *exchange) { e.coins = ethRails() })
	a := newAdapter(t, e)
	ctx := context.Background()
	route := types.Route{Origin: 1, Destination: 10, Asset: weth1}
	receipt := originReceipt("0x" + strings.Repeat("a1", 32))

	ready, err := a.ReadyOnDestination(ctx, big.NewInt(1e18), route, receipt)
	require.NoError(t, err)
	require.False(t, ready)

	e.set(func(e *exchange) {
		e.deposits = []depositRecord{{
			Amount: "1", Coin: "ETH", Network: "ETH",
			Status: depositPending, TxID: receipt.TxHash.Hex(),
		}}
	})
	ready, err = a.ReadyOnDestination(ctx, big.NewInt(1e18), route, receipt)
	require.NoError(t, err)
	require.False(t, ready)

	e.set(func(e *exchange) { e.deposits[0].Status = depositSuccess })
	ready, err = a.ReadyOnDestination(ctx, big.NewInt(1e18), route, receipt)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestCallbackLifecycleWithWrap(t *testing.T) {
	e := newExchange(t)
	a := newAdapter(t, e)
	ctx := context.Background()
	route := types.Route{Origin: 1, Destination: 10, Asset: weth1}
	receipt := originReceipt("0x" + strings.Repeat("b2", 32))
	orderID := withdrawOrderID(route, receipt.TxHash)

	e.set(func(e *exchange) {
		e.coins = ethRails()
		e.deposits = []depositRecord{{
			Amount: "1", Coin: "ETH", Network: "ETH",
			Status: depositSuccess, TxID: receipt.TxHash.Hex(),
		}}
	})

	// First call submits the withdrawal and reports not-ready.
	_, err := a.DestinationCallback(ctx, route, receipt)
	require.ErrorIs(t, err, bridge.ErrCallbackNotReady)
	require.Len(t, e.applied, 1)
	req := e.applied[0]
	require.Equal(t, "ETH", req.Get("coin"))
	require.Equal(t, "OPTIMISM", req.Get("network"))
	require.Equal(t, markEOA.Hex(), req.Get("address"))
	require.Equal(t, "1", req.Get("amount"))
	require.Equal(t, orderID, req.Get("withdrawOrderId"))

	done, err := a.IsCallbackComplete(ctx, route, receipt)
	require.NoError(t, err)
	require.False(t, done)

	// In flight: no duplicate submission.
	e.set(func(e *exchange) {
		e.withdrawals = []withdrawRecord{{
			Amount: "1", Coin: "ETH", Network: "OPTIMISM",
			Status: withdrawProcessing, WithdrawOrderID: orderID,
		}}
	})
	_, err = a.DestinationCallback(ctx, route, receipt)
	require.ErrorIs(t, err, bridge.ErrCallbackNotReady)
	require.Len(t, e.applied, 1)

	// Completed: the exchange paid native ether, the route wants WETH,
	// so the callback is the wrap whose value is the delivered ether.
	e.set(func(e *exchange) {
		e.withdrawals[0].Status = withdrawCompleted
		e.withdrawals[0].TransactionFee = "0.0005"
	})
	cb, err := a.DestinationCallback(ctx, route, receipt)
	require.NoError(t, err)
	require.Equal(t, types.MemoWrap, cb.Memo)
	require.Equal(t, uint64(10), cb.ChainID)
	require.Equal(t, weth10, cb.To)
	require.Zero(t, big.NewInt(999_500_000_000_000_000).Cmp(cb.Value))
	wantData, err := chainclient.PackDeposit()
	require.NoError(t, err)
	require.Equal(t, wantData, cb.Data)

	done, err = a.IsCallbackComplete(ctx, route, receipt)
	require.NoError(t, err)
	require.True(t, done)
}

func TestCallbackNativeRouteNeedsNoWrap(t *testing.T) {
	e := newExchange(t)
	a := newAdapter(t, e)
	ctx := context.Background()
	route := types.Route{Origin: 1, Destination: 10} // native ETH both ends
	receipt := originReceipt("0x" + strings.Repeat("c3", 32))
	orderID := withdrawOrderID(route, receipt.TxHash)

	e.set(func(e *exchange) {
		e.coins = ethRails()
		e.deposits = []depositRecord{{
			Amount: "2", Coin: "ETH", Network: "ETH",
			Status: depositSuccess, TxID: receipt.TxHash.Hex(),
		}}
		e.withdrawals = []withdrawRecord{{
			Amount: "2", Coin: "ETH", Network: "OPTIMISM", TransactionFee: "0.0005",
			Status: withdrawCompleted, WithdrawOrderID: orderID,
		}}
	})

	cb, err := a.DestinationCallback(ctx, route, receipt)
	require.NoError(t, err)
	require.Nil(t, cb)
}

func TestCallbackSurfacesCancelledWithdrawal(t *testing.T) {
	e := newExchange(t)
	a := newAdapter(t, e)
	ctx := context.Background()
	route := types.Route{Origin: 1, Destination: 10, Asset: weth1}
	receipt := originReceipt("0x" + strings.Repeat("d4", 32))

	e.set(func(e *exchange) {
		e.coins = ethRails()
		e.deposits = []depositRecord{{
			Amount: "1", Coin: "ETH", Network: "ETH",
			Status: depositSuccess, TxID: receipt.TxHash.Hex(),
		}}
		e.withdrawals = []withdrawRecord{{
			Amount: "1", Coin: "ETH", Network: "OPTIMISM",
			Status: withdrawRejected, WithdrawOrderID: withdrawOrderID(route, receipt.TxHash),
		}}
	})

	_, err := a.DestinationCallback(ctx, route, receipt)
	require.ErrorIs(t, err, bridge.ErrOperationCancelled)
}

func TestWithdrawOrderIDIsDeterministic(t *testing.T) {
	route := types.Route{Origin: 1, Destination: 10, Asset: weth1}
	hash := common.HexToHash("0x" + strings.Repeat("e5", 32))

	first := withdrawOrderID(route, hash)
	require.Equal(t, first, withdrawOrderID(route, hash))
	require.True(t, strings.HasPrefix(first, "mark-"))
	require.Len(t, first, len("mark-")+32)

	other := types.Route{Origin: 1, Destination: 56, Asset: weth1}
	require.NotEqual(t, first, withdrawOrderID(other, hash))
}
