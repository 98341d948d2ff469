package hub

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Contract surfaces of the clearing protocol: the hub's custody ledger
// view and the spoke's intent creation entry point. Purchases are
// intents created on a spoke; the hub nets them against the invoice.
var (
	hubMetaData = bind.MetaData{
		ABI: `[{"type":"function","name":"custodiedAssets","stateMutability":"view","inputs":[{"name":"_assetHash","type":"bytes32"}],"outputs":[{"name":"_amount","type":"uint256"}]}]`,
	}

	spokeMetaData = bind.MetaData{
		ABI: `[{"type":"function","name":"newIntent","stateMutability":"nonpayable","inputs":[{"name":"_destinations","type":"uint32[]"},{"name":"_receiver","type":"address"},{"name":"_inputAsset","type":"address"},{"name":"_outputAsset","type":"address"},{"name":"_amount","type":"uint256"},{"name":"_maxFee","type":"uint24"},{"name":"_ttl","type":"uint48"},{"name":"_data","type":"bytes"}],"outputs":[{"name":"_intentId","type":"bytes32"}]},
{"type":"event","name":"IntentAdded","inputs":[{"name":"_intentId","type":"bytes32","indexed":true},{"name":"_queueIdx","type":"uint256","indexed":false}]}]`,
	}
)

func hubABI() *abi.ABI {
	a, err := hubMetaData.GetAbi()
	if err != nil {
		panic(fmt.Errorf("hub abi: %v", err))
	}
	return a
}

func spokeABI() *abi.ABI {
	a, err := spokeMetaData.GetAbi()
	if err != nil {
		panic(fmt.Errorf("spoke abi: %v", err))
	}
	return a
}

// PackCustodiedAssets encodes the hub custody ledger read for an asset
// hash.
func PackCustodiedAssets(assetHash common.Hash) ([]byte, error) {
	return hubABI().Pack("custodiedAssets", assetHash)
}

// UnpackCustodiedAssets decodes the custodiedAssets return value.
func UnpackCustodiedAssets(data []byte) (*big.Int, error) {
	out, err := hubABI().Unpack("custodiedAssets", data)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// PackNewIntent encodes a spoke newIntent call creating a purchase
// intent: amount of inputAsset leaves the origin toward destinations,
// to be settled to receiver.
func PackNewIntent(destinations []uint64, receiver, inputAsset, outputAsset common.Address, amount *big.Int, maxFeeBps uint64, ttl uint64) ([]byte, error) {
	dests := make([]uint32, len(destinations))
	for i, d := range destinations {
		if d > 1<<32-1 {
			return nil, fmt.Errorf("hub: destination %d exceeds uint32", d)
		}
		dests[i] = uint32(d)
	}
	return spokeABI().Pack("newIntent",
		dests, receiver, inputAsset, outputAsset,
		amount, big.NewInt(int64(maxFeeBps)), big.NewInt(int64(ttl)), []byte{})
}

// IntentAddedID is the topic of the spoke's IntentAdded event, used to
// pull the intent id out of a purchase receipt.
func IntentAddedID() common.Hash {
	return spokeABI().Events["IntentAdded"].ID
}
