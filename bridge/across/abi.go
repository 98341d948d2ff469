// Package across bridges through the Across protocol's V3 spoke pools:
// a deposit on the origin chain is filled by relayers on the
// destination, with fees quoted up front by the Across API.
package across

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

var spokePoolMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"depositV3","stateMutability":"payable","inputs":[
{"name":"depositor","type":"address"},
{"name":"recipient","type":"address"},
{"name":"inputToken","type":"address"},
{"name":"outputToken","type":"address"},
{"name":"inputAmount","type":"uint256"},
{"name":"outputAmount","type":"uint256"},
{"name":"destinationChainId","type":"uint256"},
{"name":"exclusiveRelayer","type":"address"},
{"name":"quoteTimestamp","type":"uint32"},
{"name":"fillDeadline","type":"uint32"},
{"name":"exclusivityDeadline","type":"uint32"},
{"name":"message","type":"bytes"}],"outputs":[]},
{"type":"event","name":"V3FundsDeposited","inputs":[
{"name":"inputToken","type":"address","indexed":false},
{"name":"outputToken","type":"address","indexed":false},
{"name":"inputAmount","type":"uint256","indexed":false},
{"name":"outputAmount","type":"uint256","indexed":false},
{"name":"destinationChainId","type":"uint256","indexed":true},
{"name":"depositId","type":"uint32","indexed":true},
{"name":"quoteTimestamp","type":"uint32","indexed":false},
{"name":"fillDeadline","type":"uint32","indexed":false},
{"name":"exclusivityDeadline","type":"uint32","indexed":false},
{"name":"depositor","type":"address","indexed":true},
{"name":"recipient","type":"address","indexed":false},
{"name":"exclusiveRelayer","type":"address","indexed":false},
{"name":"message","type":"bytes","indexed":false}]},
{"type":"event","name":"FilledV3Relay","inputs":[
{"name":"inputToken","type":"address","indexed":false},
{"name":"outputToken","type":"address","indexed":false},
{"name":"inputAmount","type":"uint256","indexed":false},
{"name":"outputAmount","type":"uint256","indexed":false},
{"name":"repaymentChainId","type":"uint256","indexed":false},
{"name":"originChainId","type":"uint256","indexed":true},
{"name":"depositId","type":"uint32","indexed":true},
{"name":"fillDeadline","type":"uint32","indexed":false},
{"name":"exclusivityDeadline","type":"uint32","indexed":false},
{"name":"exclusiveRelayer","type":"address","indexed":false},
{"name":"relayer","type":"address","indexed":true},
{"name":"depositor","type":"address","indexed":false},
{"name":"recipient","type":"address","indexed":false},
{"name":"message","type":"bytes","indexed":false},
{"name":"relayExecutionInfo","type":"tuple","indexed":false,"components":[
{"name":"updatedRecipient","type":"address"},
{"name":"updatedMessage","type":"bytes"},
{"name":"updatedOutputAmount","type":"uint256"},
{"name":"fillType","type":"uint8"}]}]}]`,
}

func spokePoolABI() *abi.ABI {
	a, err := spokePoolMetaData.GetAbi()
	if err != nil {
		panic(fmt.Errorf("across spoke pool abi: %v", err))
	}
	return a
}
