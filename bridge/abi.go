package bridge

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrLogMismatch is returned when a log does not carry the expected
// event signature.
var ErrLogMismatch = errors.New("bridge: log event signature mismatch")

// UnpackLog decodes an event log into out, handling both the data
// segment and indexed topics.
func UnpackLog(a *abi.ABI, out any, event string, lg gtypes.Log) error {
	ev, ok := a.Events[event]
	if !ok {
		return errors.New("bridge: unknown event " + event)
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return ErrLogMismatch
	}
	if len(lg.Data) > 0 {
		if err := a.UnpackIntoInterface(out, event, lg.Data); err != nil {
			return err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return abi.ParseTopics(out, indexed, lg.Topics[1:])
}

// FindLog returns the first receipt log emitted by addr with the given
// event signature, or nil.
func FindLog(receipt *gtypes.Receipt, addr common.Address, eventID common.Hash) *gtypes.Log {
	for _, lg := range receipt.Logs {
		if lg.Address == addr && len(lg.Topics) > 0 && lg.Topics[0] == eventID {
			return lg
		}
	}
	return nil
}

// TopicUint64 renders a uint64 as an indexed-topic hash.
func TopicUint64(x uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(x))
}
