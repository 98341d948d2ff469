// Package opstack bridges through the OP-stack canonical bridge. L1 to
// L2 deposits are auto-relayed by the rollup; L2 to L1 withdrawals go
// through the two-step prove/finalize flow against the portal, gated by
// the output oracle's challenge window.
package opstack

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// l2EthToken is the legacy ETH placeholder the L2 bridge burns when
// withdrawing native ether.
var l2EthToken = common.HexToAddress("0xDeadDeadDeadDeadDeadDeadDeadDeadDead0000")

var l1BridgeMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"depositETHTo","stateMutability":"payable","inputs":[
{"name":"_to","type":"address"},
{"name":"_minGasLimit","type":"uint32"},
{"name":"_extraData","type":"bytes"}],"outputs":[]},
{"type":"function","name":"depositERC20To","stateMutability":"nonpayable","inputs":[
{"name":"_l1Token","type":"address"},
{"name":"_l2Token","type":"address"},
{"name":"_to","type":"address"},
{"name":"_amount","type":"uint256"},
{"name":"_minGasLimit","type":"uint32"},
{"name":"_extraData","type":"bytes"}],"outputs":[]},
{"type":"event","name":"ETHDepositInitiated","inputs":[
{"name":"from","type":"address","indexed":true},
{"name":"to","type":"address","indexed":true},
{"name":"amount","type":"uint256","indexed":false},
{"name":"extraData","type":"bytes","indexed":false}]},
{"type":"event","name":"ERC20DepositInitiated","inputs":[
{"name":"l1Token","type":"address","indexed":true},
{"name":"l2Token","type":"address","indexed":true},
{"name":"from","type":"address","indexed":true},
{"name":"to","type":"address","indexed":false},
{"name":"amount","type":"uint256","indexed":false},
{"name":"extraData","type":"bytes","indexed":false}]}]`,
}

var l2BridgeMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"withdrawTo","stateMutability":"payable","inputs":[
{"name":"_l2Token","type":"address"},
{"name":"_to","type":"address"},
{"name":"_amount","type":"uint256"},
{"name":"_minGasLimit","type":"uint32"},
{"name":"_extraData","type":"bytes"}],"outputs":[]},
{"type":"event","name":"DepositFinalized","inputs":[
{"name":"l1Token","type":"address","indexed":true},
{"name":"l2Token","type":"address","indexed":true},
{"name":"from","type":"address","indexed":true},
{"name":"to","type":"address","indexed":false},
{"name":"amount","type":"uint256","indexed":false},
{"name":"extraData","type":"bytes","indexed":false}]}]`,
}

var messagePasserMetaData = bind.MetaData{
	ABI: `[{"type":"event","name":"MessagePassed","inputs":[
{"name":"nonce","type":"uint256","indexed":true},
{"name":"sender","type":"address","indexed":true},
{"name":"target","type":"address","indexed":true},
{"name":"value","type":"uint256","indexed":false},
{"name":"gasLimit","type":"uint256","indexed":false},
{"name":"data","type":"bytes","indexed":false},
{"name":"withdrawalHash","type":"bytes32","indexed":false}]}]`,
}

var portalMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"proveWithdrawalTransaction","stateMutability":"nonpayable","inputs":[
{"name":"_tx","type":"tuple","components":[
{"name":"nonce","type":"uint256"},
{"name":"sender","type":"address"},
{"name":"target","type":"address"},
{"name":"value","type":"uint256"},
{"name":"gasLimit","type":"uint256"},
{"name":"data","type":"bytes"}]},
{"name":"_l2OutputIndex","type":"uint256"},
{"name":"_outputRootProof","type":"tuple","components":[
{"name":"version","type":"bytes32"},
{"name":"stateRoot","type":"bytes32"},
{"name":"messagePasserStorageRoot","type":"bytes32"},
{"name":"latestBlockhash","type":"bytes32"}]},
{"name":"_withdrawalProof","type":"bytes[]"}],"outputs":[]},
{"type":"function","name":"finalizeWithdrawalTransaction","stateMutability":"nonpayable","inputs":[
{"name":"_tx","type":"tuple","components":[
{"name":"nonce","type":"uint256"},
{"name":"sender","type":"address"},
{"name":"target","type":"address"},
{"name":"value","type":"uint256"},
{"name":"gasLimit","type":"uint256"},
{"name":"data","type":"bytes"}]}],"outputs":[]},
{"type":"function","name":"provenWithdrawals","stateMutability":"view","inputs":[
{"name":"","type":"bytes32"}],"outputs":[
{"name":"outputRoot","type":"bytes32"},
{"name":"timestamp","type":"uint128"},
{"name":"l2OutputIndex","type":"uint128"}]},
{"type":"function","name":"finalizedWithdrawals","stateMutability":"view","inputs":[
{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}]`,
}

var oracleMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"latestBlockNumber","stateMutability":"view","inputs":[],
"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getL2OutputIndexAfter","stateMutability":"view","inputs":[
{"name":"_l2BlockNumber","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getL2Output","stateMutability":"view","inputs":[
{"name":"_l2OutputIndex","type":"uint256"}],"outputs":[
{"name":"","type":"tuple","components":[
{"name":"outputRoot","type":"bytes32"},
{"name":"timestamp","type":"uint128"},
{"name":"l2BlockNumber","type":"uint128"}]}]},
{"type":"function","name":"FINALIZATION_PERIOD_SECONDS","stateMutability":"view","inputs":[],
"outputs":[{"name":"","type":"uint256"}]}]`,
}

func mustABI(md *bind.MetaData, name string) *abi.ABI {
	a, err := md.GetAbi()
	if err != nil {
		panic(fmt.Errorf("opstack %s abi: %v", name, err))
	}
	return a
}

func l1BridgeABI() *abi.ABI      { return mustABI(&l1BridgeMetaData, "l1 bridge") }
func l2BridgeABI() *abi.ABI      { return mustABI(&l2BridgeMetaData, "l2 bridge") }
func messagePasserABI() *abi.ABI { return mustABI(&messagePasserMetaData, "message passer") }
func portalABI() *abi.ABI        { return mustABI(&portalMetaData, "portal") }
func oracleABI() *abi.ABI        { return mustABI(&oracleMetaData, "output oracle") }
