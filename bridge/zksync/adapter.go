package zksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/bridge"
	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/types"
)

const (
	// gasPerPubdata is the Era pubdata price limit every L1 to L2
	// transaction carries.
	gasPerPubdata = 800

	ethDepositGasLimit   = 400_000
	tokenDepositGasLimit = 1_500_000

	// baseCostBufferPct pads the quoted base cost; the surplus comes
	// back through the refund recipient on L2.
	baseCostBufferPct = 120
)

// direction tells which side of the rollup the route starts on.
type direction int

const (
	deposit direction = iota
	withdrawal
)

// Adapter moves funds over the zkSync Era canonical bridge. The rollup
// chain's deployment block carries the diamond proxy and both bridge
// halves, so a route is a deposit when its destination is the rollup
// and a withdrawal when its origin is.
type Adapter struct {
	cfg     *config.Config
	clients *chainclient.Service
	log     log.Logger

	diamond  *abi.ABI
	l1Bridge *abi.ABI
	l2Side   *abi.ABI
	baseTok  *abi.ABI
}

// New wires the adapter over the shared chain clients.
func New(cfg *config.Config, clients *chainclient.Service, logger log.Logger) *Adapter {
	return &Adapter{
		cfg:      cfg,
		clients:  clients,
		log:      logger.New("bridge", bridge.TagZkSync),
		diamond:  diamondABI(),
		l1Bridge: l1BridgeABI(),
		l2Side:   l2SideABI(),
		baseTok:  baseTokenABI(),
	}
}

// Kind implements bridge.Adapter.
func (a *Adapter) Kind() string { return bridge.TagZkSync }

// Headroom implements bridge.Adapter. The canonical bridge delivers
// one-to-one; fees ride separately as L1 ether.
func (a *Adapter) Headroom() int64 { return 0 }

type routeEnds struct {
	dir    direction
	origin *config.ChainConfig
	dest   *config.ChainConfig
	rollup *config.ChainConfig
	input  *types.AssetConfig
	output *types.AssetConfig
}

func isRollup(cc *config.ChainConfig) bool {
	return cc.Deployments.ZkDiamond != (common.Address{})
}

func (a *Adapter) resolve(route types.Route) (*routeEnds, error) {
	if route.SameChain() {
		return nil, fmt.Errorf("%w: zksync needs distinct chains, got %s", bridge.ErrUnsupported, route)
	}
	origin, err := a.cfg.Chain(route.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	dest, err := a.cfg.Chain(route.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}

	ends := &routeEnds{origin: origin, dest: dest}
	switch {
	case isRollup(dest) && !isRollup(origin):
		ends.dir, ends.rollup = deposit, dest
	case isRollup(origin) && !isRollup(dest):
		ends.dir, ends.rollup = withdrawal, origin
	default:
		return nil, fmt.Errorf("%w: %s is not an L1/L2 pair", bridge.ErrUnsupported, route)
	}

	ends.input, err = a.cfg.AssetByAddress(route.Origin, route.Asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	ends.output, err = a.cfg.AssetByTicker(route.Destination, ends.input.TickerHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrUnsupported, err)
	}
	if route.HasSwap() && route.DestinationAsset != ends.output.Address {
		return nil, fmt.Errorf("%w: canonical bridge delivers %s, route wants %s",
			bridge.ErrUnsupported, ends.output.Address, route.DestinationAsset)
	}
	if ends.input.IsNative != ends.output.IsNative {
		return nil, fmt.Errorf("%w: %s mixes native and token ends", bridge.ErrUnsupported, route)
	}
	if !ends.input.IsNative && ends.rollup.Deployments.ZkL1SharedBridge == (common.Address{}) {
		return nil, fmt.Errorf("%w: rollup has no token bridge configured", bridge.ErrUnsupported)
	}
	if ends.dir == withdrawal && !ends.input.IsNative && ends.rollup.Deployments.ZkL2Bridge == (common.Address{}) {
		return nil, fmt.Errorf("%w: rollup has no L2 token bridge configured", bridge.ErrUnsupported)
	}
	return ends, nil
}

// Quote implements bridge.Adapter. The canonical bridge mints exactly
// what was locked; the base cost is paid in L1 ether on top.
func (a *Adapter) Quote(ctx context.Context, amount *big.Int, route types.Route) (*big.Int, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", bridge.ErrBelowMinimum)
	}
	return num.Rescale(amount, ends.input.Decimals, ends.output.Decimals)
}

// Minimum implements bridge.Adapter; the canonical bridge has no floor.
func (a *Adapter) Minimum(ctx context.Context, route types.Route) (*big.Int, error) {
	if _, err := a.resolve(route); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) callView(ctx context.Context, client *chainclient.Client, to common.Address, contract *abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := client.CallView(ctx, to, data)
	if err != nil {
		return nil, err
	}
	return contract.Unpack(method, raw)
}

// baseCost quotes the L1 price of the priority transaction, padded so
// the deposit cannot be starved by a fee tick between quote and send.
func (a *Adapter) baseCost(ctx context.Context, l1 *chainclient.Client, diamond common.Address, l2GasLimit uint64) (*big.Int, error) {
	var gasPrice hexutil.Big
	if err := l1.RawCall(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return nil, err
	}
	out, err := a.callView(ctx, l1, diamond, a.diamond, "l2TransactionBaseCost",
		(*big.Int)(&gasPrice), new(big.Int).SetUint64(l2GasLimit), big.NewInt(gasPerPubdata))
	if err != nil {
		return nil, err
	}
	cost := new(big.Int).Mul(out[0].(*big.Int), big.NewInt(baseCostBufferPct))
	return cost.Div(cost, big.NewInt(100)), nil
}

// Send implements bridge.Adapter.
func (a *Adapter) Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route) ([]*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	if ends.dir == withdrawal {
		return a.sendWithdrawal(recipient, amount, route, ends)
	}
	return a.sendDeposit(ctx, sender, recipient, amount, route, ends)
}

func (a *Adapter) sendDeposit(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route, ends *routeEnds) ([]*bridge.Tx, error) {
	l1, err := a.clients.Client(route.Origin)
	if err != nil {
		return nil, err
	}
	diamond := ends.rollup.Deployments.ZkDiamond

	if ends.input.IsNative {
		cost, err := a.baseCost(ctx, l1, diamond, ethDepositGasLimit)
		if err != nil {
			return nil, err
		}
		data, err := a.diamond.Pack("requestL2Transaction",
			recipient, amount, []byte{}, big.NewInt(ethDepositGasLimit),
			big.NewInt(gasPerPubdata), [][]byte{}, recipient)
		if err != nil {
			return nil, err
		}
		return []*bridge.Tx{{
			Memo:    types.MemoRebalance,
			ChainID: route.Origin,
			To:      diamond,
			Value:   new(big.Int).Add(amount, cost),
			Data:    data,
		}}, nil
	}

	zkBridge := ends.rollup.Deployments.ZkL1SharedBridge
	cost, err := a.baseCost(ctx, l1, diamond, tokenDepositGasLimit)
	if err != nil {
		return nil, err
	}
	var txs []*bridge.Tx
	allowance, err := l1.Allowance(ctx, ends.input.Address, sender, zkBridge)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) < 0 {
		data, err := chainclient.PackApprove(zkBridge, amount)
		if err != nil {
			return nil, err
		}
		txs = append(txs, &bridge.Tx{
			Memo:    types.MemoApproval,
			ChainID: route.Origin,
			To:      ends.input.Address,
			Value:   new(big.Int),
			Data:    data,
		})
	}
	data, err := a.l1Bridge.Pack("deposit",
		recipient, ends.input.Address, amount, big.NewInt(tokenDepositGasLimit),
		big.NewInt(gasPerPubdata), recipient)
	if err != nil {
		return nil, err
	}
	return append(txs, &bridge.Tx{
		Memo:    types.MemoRebalance,
		ChainID: route.Origin,
		To:      zkBridge,
		Value:   cost,
		Data:    data,
	}), nil
}

func (a *Adapter) sendWithdrawal(recipient common.Address, amount *big.Int, route types.Route, ends *routeEnds) ([]*bridge.Tx, error) {
	if ends.input.IsNative {
		data, err := a.baseTok.Pack("withdraw", recipient)
		if err != nil {
			return nil, err
		}
		return []*bridge.Tx{{
			Memo:    types.MemoRebalance,
			ChainID: route.Origin,
			To:      l2BaseToken,
			Value:   amount,
			Data:    data,
		}}, nil
	}
	data, err := a.l2Side.Pack("withdraw", recipient, ends.input.Address, amount)
	if err != nil {
		return nil, err
	}
	return []*bridge.Tx{{
		Memo:    types.MemoRebalance,
		ChainID: route.Origin,
		To:      ends.rollup.Deployments.ZkL2Bridge,
		Value:   new(big.Int),
		Data:    data,
	}}, nil
}

// newPriorityRequest mirrors the diamond's deposit event. Only TxHash
// matters to us; the rest rides along for the decoder.
type newPriorityRequest struct {
	TxId                *big.Int
	TxHash              [32]byte
	ExpirationTimestamp uint64
	Transaction         l2CanonicalTransaction
	FactoryDeps         [][]byte
}

type l2CanonicalTransaction struct {
	TxType                 *big.Int
	From                   *big.Int
	To                     *big.Int
	GasLimit               *big.Int
	GasPerPubdataByteLimit *big.Int
	MaxFeePerGas           *big.Int
	MaxPriorityFeePerGas   *big.Int
	Paymaster              *big.Int
	Nonce                  *big.Int
	Value                  *big.Int
	Reserved               [4]*big.Int
	Data                   []byte
	Signature              []byte
	FactoryDeps            []*big.Int
	PaymasterInput         []byte
	ReservedDynamic        []byte
}

func (a *Adapter) priorityTxHash(diamond common.Address, receipt *gtypes.Receipt) (common.Hash, error) {
	lg := bridge.FindLog(receipt, diamond, a.diamond.Events["NewPriorityRequest"].ID)
	if lg == nil {
		return common.Hash{}, fmt.Errorf("zksync: no NewPriorityRequest event in receipt %s", receipt.TxHash)
	}
	var req newPriorityRequest
	if err := bridge.UnpackLog(a.diamond, &req, "NewPriorityRequest", *lg); err != nil {
		return common.Hash{}, fmt.Errorf("zksync: decode NewPriorityRequest: %w", err)
	}
	return common.Hash(req.TxHash), nil
}

// rawReceiptInfo is the Era receipt extension: which L1 batch sealed
// the transaction and the L2 to L1 log set emitted by it.
type rawReceiptInfo struct {
	L1BatchNumber  *hexutil.Big `json:"l1BatchNumber"`
	L1BatchTxIndex *hexutil.Big `json:"l1BatchTxIndex"`
	L2ToL1Logs     []struct {
		Sender common.Address `json:"sender"`
		Value  common.Hash    `json:"value"`
	} `json:"l2ToL1Logs"`
}

func (a *Adapter) rawReceipt(ctx context.Context, l2 *chainclient.Client, hash common.Hash) (*rawReceiptInfo, error) {
	raw, err := l2.RawReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	var info rawReceiptInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("zksync: decode raw receipt: %w", err)
	}
	return &info, nil
}

func (a *Adapter) batchesExecuted(ctx context.Context, l1 *chainclient.Client, diamond common.Address) (*big.Int, error) {
	out, err := a.callView(ctx, l1, diamond, a.diamond, "getTotalBatchesExecuted")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// ReadyOnDestination implements bridge.Adapter. A deposit is ready once
// its canonical L2 transaction succeeded; a withdrawal once its batch
// is executed on L1, which makes the finalize proof verifiable.
func (a *Adapter) ReadyOnDestination(ctx context.Context, amount *big.Int, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	if ends.dir == deposit {
		l2TxHash, err := a.priorityTxHash(ends.rollup.Deployments.ZkDiamond, originReceipt)
		if err != nil {
			return false, err
		}
		l2, err := a.clients.Client(route.Destination)
		if err != nil {
			return false, err
		}
		receipt, err := l2.Receipt(ctx, l2TxHash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return false, nil
			}
			return false, err
		}
		if receipt.Status != gtypes.ReceiptStatusSuccessful {
			return false, fmt.Errorf("%w: priority transaction %s reverted", bridge.ErrOperationCancelled, l2TxHash)
		}
		return true, nil
	}

	l2, err := a.clients.Client(route.Origin)
	if err != nil {
		return false, err
	}
	info, err := a.rawReceipt(ctx, l2, originReceipt.TxHash)
	if err != nil {
		return false, err
	}
	if info.L1BatchNumber == nil {
		return false, nil // not sealed into a batch yet
	}
	l1, err := a.clients.Client(route.Destination)
	if err != nil {
		return false, err
	}
	executed, err := a.batchesExecuted(ctx, l1, ends.rollup.Deployments.ZkDiamond)
	if err != nil {
		return false, err
	}
	return executed.Cmp(info.L1BatchNumber.ToInt()) >= 0, nil
}

// logProof is the zks_getL2ToL1LogProof response.
type logProof struct {
	ID    uint32        `json:"id"`
	Proof []common.Hash `json:"proof"`
	Root  common.Hash   `json:"root"`
}

// withdrawalParams is everything the L1 finalize call needs.
type withdrawalParams struct {
	batch    *big.Int
	txIndex  uint16
	msgIndex *big.Int
	message  []byte
	proof    [][32]byte
}

func (a *Adapter) withdrawalParams(ctx context.Context, route types.Route, ends *routeEnds, originReceipt *gtypes.Receipt) (*withdrawalParams, error) {
	l2, err := a.clients.Client(route.Origin)
	if err != nil {
		return nil, err
	}
	info, err := a.rawReceipt(ctx, l2, originReceipt.TxHash)
	if err != nil {
		return nil, err
	}
	if info.L1BatchNumber == nil || info.L1BatchTxIndex == nil {
		return nil, fmt.Errorf("%w: withdrawal not sealed into a batch", bridge.ErrCallbackNotReady)
	}

	withdrawer := l2BaseToken
	if !ends.input.IsNative {
		withdrawer = ends.rollup.Deployments.ZkL2Bridge
	}
	message, err := a.withdrawMessage(originReceipt, withdrawer)
	if err != nil {
		return nil, err
	}

	// The proof index is the position of our message among the
	// receipt's L2 to L1 logs, matched by the message hash.
	msgHash := crypto.Keccak256Hash(message)
	index := -1
	for i, lg := range info.L2ToL1Logs {
		if lg.Sender == l1Messenger && lg.Value == msgHash {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("zksync: receipt %s has no L2 to L1 log for message %s", originReceipt.TxHash, msgHash)
	}

	var proof *logProof
	if err := l2.RawCall(ctx, &proof, "zks_getL2ToL1LogProof", originReceipt.TxHash, index); err != nil {
		return nil, err
	}
	if proof == nil {
		return nil, fmt.Errorf("%w: log proof not yet available", bridge.ErrCallbackNotReady)
	}
	nodes := make([][32]byte, len(proof.Proof))
	for i, h := range proof.Proof {
		nodes[i] = h
	}
	return &withdrawalParams{
		batch:    info.L1BatchNumber.ToInt(),
		txIndex:  uint16(info.L1BatchTxIndex.ToInt().Uint64()),
		msgIndex: new(big.Int).SetUint64(uint64(proof.ID)),
		message:  message,
		proof:    nodes,
	}, nil
}

func (a *Adapter) withdrawMessage(receipt *gtypes.Receipt, withdrawer common.Address) ([]byte, error) {
	ev := a.l2Side.Events["L1MessageSent"]
	for _, lg := range receipt.Logs {
		if lg.Address != l1Messenger || len(lg.Topics) < 2 || lg.Topics[0] != ev.ID {
			continue
		}
		if lg.Topics[1] != common.BytesToHash(withdrawer.Bytes()) {
			continue
		}
		var msg struct {
			Sender  common.Address
			Hash    [32]byte
			Message []byte
		}
		if err := bridge.UnpackLog(a.l2Side, &msg, "L1MessageSent", *lg); err != nil {
			return nil, fmt.Errorf("zksync: decode L1MessageSent: %w", err)
		}
		return msg.Message, nil
	}
	return nil, fmt.Errorf("zksync: no withdrawal message from %s in receipt %s", withdrawer, receipt.TxHash)
}

// DestinationCallback implements bridge.Adapter. Deposits need none;
// withdrawals are finalized on L1 with the Merkle proof of the message.
func (a *Adapter) DestinationCallback(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	if ends.dir == deposit {
		return nil, nil
	}

	l1, err := a.clients.Client(route.Destination)
	if err != nil {
		return nil, err
	}
	params, err := a.withdrawalParams(ctx, route, ends, originReceipt)
	if err != nil {
		return nil, err
	}
	executed, err := a.batchesExecuted(ctx, l1, ends.rollup.Deployments.ZkDiamond)
	if err != nil {
		return nil, err
	}
	if executed.Cmp(params.batch) < 0 {
		return nil, fmt.Errorf("%w: batch %s not executed on L1", bridge.ErrCallbackNotReady, params.batch)
	}

	var to common.Address
	var data []byte
	if ends.input.IsNative {
		to = ends.rollup.Deployments.ZkDiamond
		data, err = a.diamond.Pack("finalizeEthWithdrawal",
			params.batch, params.msgIndex, params.txIndex, params.message, params.proof)
	} else {
		to = ends.rollup.Deployments.ZkL1SharedBridge
		data, err = a.l1Bridge.Pack("finalizeWithdrawal",
			params.batch, params.msgIndex, params.txIndex, params.message, params.proof)
	}
	if err != nil {
		return nil, err
	}
	a.log.Info("Built withdrawal finalize", "route", route.String(), "batch", params.batch, "msgIndex", params.msgIndex)
	return &bridge.Tx{
		Memo:    types.MemoCallback,
		ChainID: route.Destination,
		To:      to,
		Value:   new(big.Int),
		Data:    data,
	}, nil
}

// IsCallbackComplete implements bridge.Adapter.
func (a *Adapter) IsCallbackComplete(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	if ends.dir == deposit {
		return true, nil
	}
	params, err := a.withdrawalParams(ctx, route, ends, originReceipt)
	if err != nil {
		if errors.Is(err, bridge.ErrCallbackNotReady) {
			return false, nil
		}
		return false, err
	}
	l1, err := a.clients.Client(route.Destination)
	if err != nil {
		return false, err
	}
	var out []any
	if ends.input.IsNative {
		out, err = a.callView(ctx, l1, ends.rollup.Deployments.ZkDiamond, a.diamond,
			"isEthWithdrawalFinalized", params.batch, params.msgIndex)
	} else {
		out, err = a.callView(ctx, l1, ends.rollup.Deployments.ZkL1SharedBridge, a.l1Bridge,
			"isWithdrawalFinalized", params.batch, params.msgIndex)
	}
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}
