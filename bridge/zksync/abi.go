// Package zksync bridges through the zkSync Era canonical bridge.
// Deposits enter the L1 priority queue with a quoted base cost and the
// surplus refunded on L2; withdrawals are finalized on L1 with a Merkle
// proof of the L2 to L1 message, fetched from the rollup RPC.
package zksync

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// l2BaseToken is the system contract burning ether on withdrawal.
	l2BaseToken = common.HexToAddress("0x000000000000000000000000000000000000800A")
	// l1Messenger is the system contract relaying L2 to L1 messages; the
	// withdrawal message is the L1MessageSent payload it emits.
	l1Messenger = common.HexToAddress("0x0000000000000000000000000000000000008008")
)

var diamondMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"l2TransactionBaseCost","stateMutability":"view","inputs":[
{"name":"_gasPrice","type":"uint256"},
{"name":"_l2GasLimit","type":"uint256"},
{"name":"_l2GasPerPubdataByteLimit","type":"uint256"}],
"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"requestL2Transaction","stateMutability":"payable","inputs":[
{"name":"_contractL2","type":"address"},
{"name":"_l2Value","type":"uint256"},
{"name":"_calldata","type":"bytes"},
{"name":"_l2GasLimit","type":"uint256"},
{"name":"_l2GasPerPubdataByteLimit","type":"uint256"},
{"name":"_factoryDeps","type":"bytes[]"},
{"name":"_refundRecipient","type":"address"}],
"outputs":[{"name":"canonicalTxHash","type":"bytes32"}]},
{"type":"function","name":"getTotalBatchesExecuted","stateMutability":"view","inputs":[],
"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"finalizeEthWithdrawal","stateMutability":"nonpayable","inputs":[
{"name":"_l2BatchNumber","type":"uint256"},
{"name":"_l2MessageIndex","type":"uint256"},
{"name":"_l2TxNumberInBatch","type":"uint16"},
{"name":"_message","type":"bytes"},
{"name":"_merkleProof","type":"bytes32[]"}],"outputs":[]},
{"type":"function","name":"isEthWithdrawalFinalized","stateMutability":"view","inputs":[
{"name":"_l2BatchNumber","type":"uint256"},
{"name":"_l2MessageIndex","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]},
{"type":"event","name":"NewPriorityRequest","inputs":[
{"name":"txId","type":"uint256","indexed":false},
{"name":"txHash","type":"bytes32","indexed":false},
{"name":"expirationTimestamp","type":"uint64","indexed":false},
{"name":"transaction","type":"tuple","indexed":false,"components":[
{"name":"txType","type":"uint256"},
{"name":"from","type":"uint256"},
{"name":"to","type":"uint256"},
{"name":"gasLimit","type":"uint256"},
{"name":"gasPerPubdataByteLimit","type":"uint256"},
{"name":"maxFeePerGas","type":"uint256"},
{"name":"maxPriorityFeePerGas","type":"uint256"},
{"name":"paymaster","type":"uint256"},
{"name":"nonce","type":"uint256"},
{"name":"value","type":"uint256"},
{"name":"reserved","type":"uint256[4]"},
{"name":"data","type":"bytes"},
{"name":"signature","type":"bytes"},
{"name":"factoryDeps","type":"uint256[]"},
{"name":"paymasterInput","type":"bytes"},
{"name":"reservedDynamic","type":"bytes"}]},
{"name":"factoryDeps","type":"bytes[]","indexed":false}]}]`,
}

var l1SharedBridgeMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
{"name":"_l2Receiver","type":"address"},
{"name":"_l1Token","type":"address"},
{"name":"_amount","type":"uint256"},
{"name":"_l2TxGasLimit","type":"uint256"},
{"name":"_l2TxGasPerPubdataByte","type":"uint256"},
{"name":"_refundRecipient","type":"address"}],
"outputs":[{"name":"l2TxHash","type":"bytes32"}]},
{"type":"function","name":"finalizeWithdrawal","stateMutability":"nonpayable","inputs":[
{"name":"_l2BatchNumber","type":"uint256"},
{"name":"_l2MessageIndex","type":"uint256"},
{"name":"_l2TxNumberInBatch","type":"uint16"},
{"name":"_message","type":"bytes"},
{"name":"_merkleProof","type":"bytes32[]"}],"outputs":[]},
{"type":"function","name":"isWithdrawalFinalized","stateMutability":"view","inputs":[
{"name":"_l2BatchNumber","type":"uint256"},
{"name":"_l2MessageIndex","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]}]`,
}

var l2SideMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[
{"name":"_l1Receiver","type":"address"},
{"name":"_l2Token","type":"address"},
{"name":"_amount","type":"uint256"}],"outputs":[]},
{"type":"event","name":"L1MessageSent","inputs":[
{"name":"sender","type":"address","indexed":true},
{"name":"hash","type":"bytes32","indexed":true},
{"name":"message","type":"bytes","indexed":false}]}]`,
}

var baseTokenMetaData = bind.MetaData{
	ABI: `[{"type":"function","name":"withdraw","stateMutability":"payable","inputs":[
{"name":"_l1Receiver","type":"address"}],"outputs":[]}]`,
}

func mustABI(md *bind.MetaData, name string) *abi.ABI {
	a, err := md.GetAbi()
	if err != nil {
		panic(fmt.Errorf("zksync %s abi: %v", name, err))
	}
	return a
}

func diamondABI() *abi.ABI   { return mustABI(&diamondMetaData, "diamond") }
func l1BridgeABI() *abi.ABI  { return mustABI(&l1SharedBridgeMetaData, "l1 bridge") }
func l2SideABI() *abi.ABI    { return mustABI(&l2SideMetaData, "l2 bridge") }
func baseTokenABI() *abi.ABI { return mustABI(&baseTokenMetaData, "base token") }
