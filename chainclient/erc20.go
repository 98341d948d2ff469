package chainclient

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI surfaces for the token operations the service performs.
// WETH extends ERC20 with deposit/withdraw for wrap and unwrap legs.
var (
	erc20MetaData = bind.MetaData{
		ABI: `[{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}]`,
	}

	multicallMetaData = bind.MetaData{
		ABI: `[{"type":"function","name":"aggregate3","stateMutability":"payable","inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],"outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}]`,
	}
)

func erc20ABI() *abi.ABI {
	a, err := erc20MetaData.GetAbi()
	if err != nil {
		panic(fmt.Errorf("erc20 abi: %v", err))
	}
	return a
}

func multicallABI() *abi.ABI {
	a, err := multicallMetaData.GetAbi()
	if err != nil {
		panic(fmt.Errorf("multicall abi: %v", err))
	}
	return a
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return erc20ABI().Pack("balanceOf", account)
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI().Pack("allowance", owner, spender)
}

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI().Pack("approve", spender, amount)
}

// PackTransfer encodes transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI().Pack("transfer", to, amount)
}

// PackDeposit encodes the WETH deposit() wrap call; the wrapped amount
// rides along as transaction value.
func PackDeposit() ([]byte, error) {
	return erc20ABI().Pack("deposit")
}

// PackWithdraw encodes the WETH withdraw(wad) unwrap call.
func PackWithdraw(amount *big.Int) ([]byte, error) {
	return erc20ABI().Pack("withdraw", amount)
}

// MulticallCall is one target invocation inside an aggregate3 batch.
type MulticallCall struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// MulticallResult mirrors the per-call result tuple of aggregate3.
type MulticallResult struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes a Multicall3 aggregate3 batch.
func PackAggregate3(calls []MulticallCall) ([]byte, error) {
	return multicallABI().Pack("aggregate3", calls)
}

// UnpackAggregate3 decodes the aggregate3 return payload.
func UnpackAggregate3(data []byte) ([]MulticallResult, error) {
	out, err := multicallABI().Unpack("aggregate3", data)
	if err != nil {
		return nil, err
	}
	results := *abi.ConvertType(out[0], new([]MulticallResult)).(*[]MulticallResult)
	return results, nil
}

// Aggregate reads a batch of views through the chain's Multicall3
// deployment in a single RPC round-trip.
func (c *Client) Aggregate(ctx context.Context, multicall common.Address, calls []MulticallCall) ([]MulticallResult, error) {
	data, err := PackAggregate3(calls)
	if err != nil {
		return nil, err
	}
	ret, err := c.CallView(ctx, multicall, data)
	if err != nil {
		return nil, err
	}
	return UnpackAggregate3(ret)
}
