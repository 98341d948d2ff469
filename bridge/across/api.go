package across

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/everclear-net/mark/bridge"
)

// feeClient queries the Across suggested-fees API.
type feeClient struct {
	base string
	http *http.Client
}

func newFeeClient(base string) *feeClient {
	return &feeClient{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// suggestedFees is the subset of the API response the adapter uses.
type suggestedFees struct {
	TotalRelayFee struct {
		Total *math.HexOrDecimal256 `json:"total"`
	} `json:"totalRelayFee"`
	Timestamp      math.HexOrDecimal64 `json:"timestamp"`
	IsAmountTooLow bool                `json:"isAmountTooLow"`
	Limits         struct {
		MinDeposit *math.HexOrDecimal256 `json:"minDeposit"`
		MaxDeposit *math.HexOrDecimal256 `json:"maxDeposit"`
	} `json:"limits"`
}

func (f *suggestedFees) totalFee() *big.Int {
	if f.TotalRelayFee.Total == nil {
		return new(big.Int)
	}
	return (*big.Int)(f.TotalRelayFee.Total)
}

func (f *suggestedFees) minDeposit() *big.Int {
	if f.Limits.MinDeposit == nil {
		return nil
	}
	return (*big.Int)(f.Limits.MinDeposit)
}

// SuggestedFees fetches the relay fee for moving amount between chains.
func (c *feeClient) SuggestedFees(ctx context.Context, inputToken, outputToken common.Address, origin, destination uint64, amount *big.Int) (*suggestedFees, error) {
	q := url.Values{}
	q.Set("inputToken", inputToken.Hex())
	q.Set("outputToken", outputToken.Hex())
	q.Set("originChainId", fmt.Sprintf("%d", origin))
	q.Set("destinationChainId", fmt.Sprintf("%d", destination))
	q.Set("amount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/suggested-fees?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: fee api status %d", bridge.ErrTransientUpstream, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("across: fee api status %d: %s", resp.StatusCode, msg)
	}

	var fees suggestedFees
	if err := json.NewDecoder(resp.Body).Decode(&fees); err != nil {
		return nil, fmt.Errorf("across: decode fee response: %w", err)
	}
	return &fees, nil
}
