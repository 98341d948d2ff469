// Package binance rebalances through the exchange: the send leg funds a
// deposit address, the destination callback drives an idempotent
// withdrawal to the destination chain, wrapping the delivered asset
// when the exchange pays out the native form.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/everclear-net/mark/bridge"
)

const (
	pathCoins           = "/sapi/v1/capital/config/getall"
	pathDepositAddress  = "/sapi/v1/capital/deposit/address"
	pathDepositHistory  = "/sapi/v1/capital/deposit/hisrec"
	pathWithdrawApply   = "/sapi/v1/capital/withdraw/apply"
	pathWithdrawHistory = "/sapi/v1/capital/withdraw/history"
)

// Deposit record statuses.
const (
	depositPending  = 0
	depositSuccess  = 1
	depositCredited = 6 // credited but not yet withdrawable
)

// Withdrawal record statuses.
const (
	withdrawEmailSent  = 0
	withdrawCancelled  = 1
	withdrawAwaiting   = 2
	withdrawRejected   = 3
	withdrawProcessing = 4
	withdrawFailure    = 5
	withdrawCompleted  = 6
)

// apiClient signs SAPI requests: an HMAC-SHA256 over the query string
// keyed by the API secret, with the key itself riding in a header.
type apiClient struct {
	base   string
	key    string
	secret string
	httpc  *http.Client
	now    func() time.Time
}

func newAPIClient(base, key, secret string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		key:    key,
		secret: secret,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (a *apiClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *apiClient) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + a.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, a.base+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", a.key)

	resp, err := a.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: binance %s: %v", bridge.ErrTransientUpstream, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: binance %s: status %d: %s", bridge.ErrTransientUpstream, path, resp.StatusCode, body)
		}
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Msg != "" {
			return fmt.Errorf("binance %s: %d %s", path, ae.Code, ae.Msg)
		}
		return fmt.Errorf("binance %s: unexpected status %d: %s", path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// coinInfo is one /capital/config/getall entry.
type coinInfo struct {
	Coin        string         `json:"coin"`
	NetworkList []networkEntry `json:"networkList"`
}

// networkEntry describes how one coin moves over one network. Amount
// fields are decimal strings in coin units.
type networkEntry struct {
	Coin                    string `json:"coin"`
	Network                 string `json:"network"`
	ContractAddress         string `json:"contractAddress"`
	DepositEnable           bool   `json:"depositEnable"`
	WithdrawEnable          bool   `json:"withdrawEnable"`
	WithdrawFee             string `json:"withdrawFee"`
	WithdrawMin             string `json:"withdrawMin"`
	WithdrawMax             string `json:"withdrawMax"`
	WithdrawIntegerMultiple string `json:"withdrawIntegerMultiple"`
}

type depositAddress struct {
	Address string `json:"address"`
	Coin    string `json:"coin"`
	Tag     string `json:"tag"`
}

// depositRecord is one /capital/deposit/hisrec row.
type depositRecord struct {
	Amount  string `json:"amount"`
	Coin    string `json:"coin"`
	Network string `json:"network"`
	Status  int    `json:"status"`
	Address string `json:"address"`
	TxID    string `json:"txId"`
}

// withdrawRecord is one /capital/withdraw/history row.
type withdrawRecord struct {
	ID              string `json:"id"`
	Amount          string `json:"amount"`
	TransactionFee  string `json:"transactionFee"`
	Coin            string `json:"coin"`
	Status          int    `json:"status"`
	Address         string `json:"address"`
	TxID            string `json:"txId"`
	Network         string `json:"network"`
	WithdrawOrderID string `json:"withdrawOrderId"`
}

func (a *apiClient) coins(ctx context.Context) ([]coinInfo, error) {
	var out []coinInfo
	err := a.do(ctx, http.MethodGet, pathCoins, nil, &out)
	return out, err
}

func (a *apiClient) depositAddress(ctx context.Context, coin, network string) (*depositAddress, error) {
	params := url.Values{}
	params.Set("coin", coin)
	params.Set("network", network)
	var out depositAddress
	if err := a.do(ctx, http.MethodGet, pathDepositAddress, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *apiClient) deposits(ctx context.Context, coin string) ([]depositRecord, error) {
	params := url.Values{}
	params.Set("coin", coin)
	var out []depositRecord
	err := a.do(ctx, http.MethodGet, pathDepositHistory, params, &out)
	return out, err
}

func (a *apiClient) withdrawals(ctx context.Context, orderID string) ([]withdrawRecord, error) {
	params := url.Values{}
	params.Set("withdrawOrderId", orderID)
	var out []withdrawRecord
	err := a.do(ctx, http.MethodGet, pathWithdrawHistory, params, &out)
	return out, err
}

func (a *apiClient) withdraw(ctx context.Context, coin, network, address, amount, orderID string) (string, error) {
	params := url.Values{}
	params.Set("coin", coin)
	params.Set("network", network)
	params.Set("address", address)
	params.Set("amount", amount)
	params.Set("withdrawOrderId", orderID)
	var out struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, pathWithdrawApply, params, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
