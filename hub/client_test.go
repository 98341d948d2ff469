package hub

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Defaults()
	cfg.Hub.APIURL = srv.URL
	cfg.Hub.Domain = 25327
	c, err := NewClient(cfg, log.Root())
	require.NoError(t, err)
	return c
}

func TestInvoicesDropsMalformedEntries(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"invoices": []map[string]any{
			{
				"intent_id":                      "0xaaa",
				"owner":                          "0x8888f1f195AFa192CfeE860698584c030f4c9dB1",
				"ticker_hash":                    "0x" + common.Bytes2Hex(make([]byte, 32)),
				"amount":                         "1000000000000000000",
				"discountBps":                    12,
				"origin":                         "1",
				"destinations":                   []string{"10", "8453"},
				"hub_status":                     "INVOICED",
				"hub_invoice_enqueued_timestamp": 1724449000,
			},
			{
				"intent_id": "0xbad",
				"amount":    "not-a-number",
				"origin":    "1",
			},
		}})
	}))

	invoices, err := c.Invoices(context.Background())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	require.Equal(t, "0xaaa", inv.IntentID)
	require.Equal(t, big.NewInt(1e18), inv.Amount)
	require.EqualValues(t, 12, inv.DiscountBps)
	require.EqualValues(t, 1, inv.Origin)
	require.Equal(t, []uint64{10, 8453}, inv.Destinations)
	require.Equal(t, types.IntentInvoiced, inv.HubStatus)
	require.EqualValues(t, 1724449000, inv.EnqueuedAt.Unix())
}

func TestMinAmountsKeyedByChain(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices/0xaaa/min-amounts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"minAmounts": map[string]string{
			"1":  "2000000000000000000",
			"10": "2010000000000000000",
		}})
	}))

	mins, err := c.MinAmounts(context.Background(), "0xaaa")
	require.NoError(t, err)
	require.Len(t, mins, 2)
	require.Equal(t, "2000000000000000000", mins[1].String())
	require.Equal(t, "2010000000000000000", mins[10].String())
}

func TestIntentStatusUnknownIsNone(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	status, err := c.IntentStatus(context.Background(), "0xmissing")
	require.NoError(t, err)
	require.Equal(t, types.IntentNone, status)
}

func TestIntentStatusParsed(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/intents/0xaaa", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"intent": map[string]any{"status": "SETTLED"}})
	}))

	status, err := c.IntentStatus(context.Background(), "0xaaa")
	require.NoError(t, err)
	require.Equal(t, types.IntentSettled, status)
	require.True(t, status.Terminal())
}

func TestEconomySumsIncomingIntents(t *testing.T) {
	ticker := config.TickerFor("WETH")
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/economy/25327/"+ticker.Hex(), r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"incomingIntents": map[string]any{
			"10": []map[string]string{{"amount": "1000000000000000000"}, {"amount": "500000000000000000"}},
			"1":  []map[string]string{{"amount": "250000000000000000"}},
		}})
	}))

	incoming, err := c.Economy(context.Background(), 25327, ticker)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", incoming[10].String())
	require.Equal(t, "250000000000000000", incoming[1].String())
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"invoices": []any{}})
	}))

	invoices, err := c.Invoices(context.Background())
	require.NoError(t, err)
	require.Empty(t, invoices)
	require.EqualValues(t, 2, calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such invoice", http.StatusBadRequest)
	}))

	_, err := c.MinAmounts(context.Background(), "0xaaa")
	require.ErrorIs(t, err, ErrUpstream)
	require.EqualValues(t, 1, calls.Load())
}
