package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/everclear-net/mark/retry"
	"github.com/everclear-net/mark/types"
	"github.com/everclear-net/mark/wallet"
)

var (
	// ErrReverted marks a transaction that mined with a failed status.
	ErrReverted = errors.New("chainclient: transaction reverted")
	// ErrNoTarget is returned for calls without a destination address.
	ErrNoTarget = errors.New("chainclient: call has no target")
)

// Call describes one contract invocation to submit.
type Call struct {
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64 // 0 estimates with a 20% pad
}

// Submission is the durable record of a submitted call: a transaction
// hash with its confirmed receipt, or a multisig proposal identifier
// awaiting signer approval.
type Submission struct {
	Hash    string
	Kind    types.SubmissionKind
	Receipt *gtypes.Receipt // nil for proposals
}

// Submit sends the call through the given wallet. For signing wallets
// it builds an EIP-1559 transaction, broadcasts it and waits for the
// configured confirmation depth; the receipt is returned even when the
// transaction reverted, alongside ErrReverted. For proposer wallets it
// queues a proposal and returns immediately.
func (c *Client) Submit(ctx context.Context, w wallet.Wallet, call *Call) (*Submission, error) {
	if call.To == nil {
		return nil, ErrNoTarget
	}
	switch w := w.(type) {
	case wallet.Signer:
		return c.submitSigned(ctx, w, call)
	case wallet.Proposer:
		id, err := w.Propose(ctx, *call.To, call.Value, call.Data)
		if err != nil {
			return nil, err
		}
		return &Submission{Hash: id, Kind: types.SubmissionProposal}, nil
	default:
		return nil, fmt.Errorf("chainclient: wallet %T can neither sign nor propose", w)
	}
}

func (c *Client) submitSigned(ctx context.Context, signer wallet.Signer, call *Call) (*Submission, error) {
	sctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	var signed *gtypes.Transaction
	err := c.do(sctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		tx, err := c.buildTx(ctx, eth, signer.Address(), call)
		if err != nil {
			return err
		}
		signed, err = signer.SignTx(ctx, new(big.Int).SetUint64(c.chainID), tx)
		if err != nil {
			// Signing failures are not a provider problem.
			return retry.Permanent(err)
		}
		return eth.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, fmt.Errorf("chain %d: submit: %w", c.chainID, err)
	}

	hash := signed.Hash()
	c.log.Debug("Transaction sent", "hash", hash, "to", call.To, "nonce", signed.Nonce())
	receipt, err := c.WaitMined(ctx, hash)
	if err != nil {
		return &Submission{Hash: hash.Hex(), Kind: types.SubmissionOnchain}, err
	}
	sub := &Submission{Hash: hash.Hex(), Kind: types.SubmissionOnchain, Receipt: receipt}
	if receipt.Status != gtypes.ReceiptStatusSuccessful {
		return sub, fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
	}
	return sub, nil
}

// buildTx assembles an EIP-1559 transaction: pending nonce, suggested
// tip, fee cap at twice the head base fee plus tip, and estimated gas
// padded by 20% unless the caller fixed a limit.
func (c *Client) buildTx(ctx context.Context, eth *ethclient.Client, from common.Address, call *Call) (*gtypes.Transaction, error) {
	nonce, err := eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	tipCap, err := eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip cap: %w", err)
	}
	head, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else {
		gasPrice, err := eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("gas price: %w", err)
		}
		feeCap.Set(gasPrice)
		tipCap.Set(gasPrice)
	}

	gas := call.GasLimit
	if gas == 0 {
		estimate, err := eth.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    call.To,
			Value: value,
			Data:  call.Data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimate + estimate/5
	}

	return gtypes.NewTx(&gtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(c.chainID),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        call.To,
		Value:     value,
		Data:      call.Data,
	}), nil
}

// WaitMined polls for the receipt and then for the configured
// confirmation depth. It only gives up when ctx does.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.Receipt(ctx, hash)
		switch {
		case err == nil:
			confirmed, cerr := c.confirmed(ctx, receipt)
			if cerr == nil && confirmed {
				return receipt, nil
			}
		case !errors.Is(err, ethereum.NotFound):
			c.log.Warn("Receipt poll failed", "hash", hash, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain %d: waiting for %s: %w", c.chainID, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *gtypes.Receipt) (bool, error) {
	if c.confirmations <= 1 {
		return true, nil
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return head+1 >= receipt.BlockNumber.Uint64()+c.confirmations, nil
}
