// Package hub talks to the clearing hub: the REST API serving the
// invoice queue, per-invoice minimum amounts, intent statuses and the
// economy view of pending inbound settlements, plus the on-chain hub
// and spoke contract calls the loops need.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/retry"
	"github.com/everclear-net/mark/types"
)

// ErrUpstream wraps hub API failures that are worth retrying.
var ErrUpstream = fmt.Errorf("hub: upstream failure")

// Client is the hub REST API client. All methods are safe for
// concurrent use.
type Client struct {
	base *url.URL
	http *http.Client
	log  log.Logger
}

// NewClient builds the API client from configuration.
func NewClient(cfg *config.Config, logger log.Logger) (*Client, error) {
	base, err := url.Parse(cfg.Hub.APIURL)
	if err != nil {
		return nil, fmt.Errorf("hub: bad API URL: %w", err)
	}
	timeout := time.Duration(cfg.Hub.RequestTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  logger.New("hub", cfg.Hub.Domain),
	}, nil
}

// get fetches path and decodes the JSON body into out. Server-side
// trouble (5xx, 429) is marked retryable; client errors are permanent.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		u := *c.base
		u.Path, _ = url.JoinPath(u.Path, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("%w: GET %s: %s: %s", ErrUpstream, path, resp.Status, body)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return retry.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("hub: decode %s: %w", path, err))
		}
		return nil
	})
}

// wireInvoice is the API's invoice shape. Amounts come as decimal
// strings, timestamps as unix seconds.
type wireInvoice struct {
	IntentID     string   `json:"intent_id"`
	Owner        string   `json:"owner"`
	TickerHash   string   `json:"ticker_hash"`
	Amount       string   `json:"amount"`
	DiscountBps  uint64   `json:"discountBps"`
	Origin       string   `json:"origin"`
	Destinations []string `json:"destinations"`
	HubStatus    string   `json:"hub_status"`
	EnqueuedAt   int64    `json:"hub_invoice_enqueued_timestamp"`
}

func (w *wireInvoice) invoice() (*types.Invoice, error) {
	amount, ok := new(big.Int).SetString(w.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("hub: invoice %s: bad amount %q", w.IntentID, w.Amount)
	}
	origin, err := strconv.ParseUint(w.Origin, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hub: invoice %s: bad origin %q", w.IntentID, w.Origin)
	}
	dests := make([]uint64, 0, len(w.Destinations))
	for _, d := range w.Destinations {
		id, err := strconv.ParseUint(d, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("hub: invoice %s: bad destination %q", w.IntentID, d)
		}
		dests = append(dests, id)
	}
	return &types.Invoice{
		IntentID:     w.IntentID,
		Owner:        common.HexToAddress(w.Owner),
		TickerHash:   common.HexToHash(w.TickerHash),
		Amount:       amount,
		DiscountBps:  w.DiscountBps,
		Origin:       origin,
		Destinations: dests,
		HubStatus:    types.IntentStatus(w.HubStatus),
		EnqueuedAt:   time.Unix(w.EnqueuedAt, 0).UTC(),
	}, nil
}

// Invoices fetches the current invoice queue. Malformed entries are
// logged and dropped rather than failing the whole feed.
func (c *Client) Invoices(ctx context.Context) ([]*types.Invoice, error) {
	var body struct {
		Invoices []*wireInvoice `json:"invoices"`
	}
	if err := c.get(ctx, "invoices", &body); err != nil {
		return nil, err
	}
	out := make([]*types.Invoice, 0, len(body.Invoices))
	for _, w := range body.Invoices {
		inv, err := w.invoice()
		if err != nil {
			c.log.Warn("Dropping malformed invoice", "err", err)
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

// MinAmounts returns the per-origin minimum purchase amounts for an
// invoice, in canonical 18-decimal units, keyed by chain id.
func (c *Client) MinAmounts(ctx context.Context, intentID string) (map[uint64]*big.Int, error) {
	var body struct {
		MinAmounts map[string]string `json:"minAmounts"`
	}
	if err := c.get(ctx, "invoices/"+intentID+"/min-amounts", &body); err != nil {
		return nil, err
	}
	out := make(map[uint64]*big.Int, len(body.MinAmounts))
	for key, val := range body.MinAmounts {
		chain, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		amount, ok := new(big.Int).SetString(val, 10)
		if !ok {
			return nil, fmt.Errorf("hub: min amount for %s on %s: bad value %q", intentID, key, val)
		}
		out[chain] = amount
	}
	return out, nil
}

// IntentStatus resolves the hub's view of an intent. Unknown intents
// report IntentNone without error, so callers can treat "hub has not
// seen it yet" as a normal state.
func (c *Client) IntentStatus(ctx context.Context, intentID string) (types.IntentStatus, error) {
	var body struct {
		Intent struct {
			Status string `json:"status"`
		} `json:"intent"`
	}
	err := c.get(ctx, "intents/"+intentID, &body)
	if err != nil {
		if isNotFound(err) {
			return types.IntentNone, nil
		}
		return types.IntentNone, err
	}
	if body.Intent.Status == "" {
		return types.IntentNone, nil
	}
	return types.IntentStatus(body.Intent.Status), nil
}

// Economy returns the pending inbound settlement amounts for a ticker,
// keyed by destination domain: intents already dispatched toward each
// domain but not yet reflected in its custodied balance. Amounts are in
// canonical 18-decimal units.
func (c *Client) Economy(ctx context.Context, domain uint64, ticker common.Hash) (map[uint64]*big.Int, error) {
	var body struct {
		IncomingIntents map[string][]struct {
			Amount string `json:"amount"`
		} `json:"incomingIntents"`
	}
	path := fmt.Sprintf("economy/%d/%s", domain, ticker.Hex())
	if err := c.get(ctx, path, &body); err != nil {
		return nil, err
	}
	out := make(map[uint64]*big.Int, len(body.IncomingIntents))
	for key, intents := range body.IncomingIntents {
		dst, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		sum := new(big.Int)
		for _, in := range intents {
			amount, ok := new(big.Int).SetString(in.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("hub: economy %d/%s: bad amount %q", domain, key, in.Amount)
			}
			sum.Add(sum, amount)
		}
		out[dst] = sum
	}
	return out, nil
}

func isNotFound(err error) bool {
	// The API reports unknown intents with 404; get marks that permanent
	// and keeps the status text in the message.
	return err != nil && strings.Contains(err.Error(), "404")
}
