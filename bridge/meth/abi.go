// Package meth rebalances ether onto Mantle as the mETH liquid-staking
// token: unwrap the wrapped ether if needed, stake it through the
// staking protocol on the settlement layer, then carry the minted mETH
// across the rollup's canonical bridge.
package meth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

var stakingMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"stake","stateMutability":"payable","inputs":[
{"name":"minMETHAmount","type":"uint256"}],"outputs":[]},
{"type":"function","name":"ethToMETH","stateMutability":"view","inputs":[
{"name":"ethAmount","type":"uint256"}],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"minimumStakeBound","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
{"type":"function","name":"maximumDepositAmount","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}]`,
}

func stakingABI() *abi.ABI {
	parsed, err := stakingMetaData.GetAbi()
	if err != nil {
		panic(fmt.Sprintf("meth: bad staking ABI: %v", err))
	}
	return parsed
}
