package opstack

import (
	"context"
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
	// minGasLimit is the gas forwarded to the other side of the bridge
	// for the token mint or the withdrawal replay.
	minGasLimit = uint32(200_000)

	// depositScanBlocks bounds the L2 scan for the relayed deposit.
	depositScanBlocks = 90_000
)

// direction tells which side of the rollup the route starts on.
type direction int

const (
	deposit direction = iota
	withdrawal
)

// Adapter moves funds over the OP-stack canonical bridge. All rollup
// contract addresses, the L1-side ones included, live in the rollup
// chain's deployment block: a route is a deposit when its destination
// is the rollup and a withdrawal when its origin is.
type Adapter struct {
	cfg     *config.Config
	clients *chainclient.Service
	log     log.Logger

	l1Bridge *abi.ABI
	l2Bridge *abi.ABI
	passer   *abi.ABI
	portal   *abi.ABI
	oracle   *abi.ABI
}

// New wires the adapter over the shared chain clients.
func New(cfg *config.Config, clients *chainclient.Service, logger log.Logger) *Adapter {
	return &Adapter{
		cfg:      cfg,
		clients:  clients,
		log:      logger.New("bridge", bridge.TagOpStack),
		l1Bridge: l1BridgeABI(),
		l2Bridge: l2BridgeABI(),
		passer:   messagePasserABI(),
		portal:   portalABI(),
		oracle:   oracleABI(),
	}
}

// Kind implements bridge.Adapter.
func (a *Adapter) Kind() string { return bridge.TagOpStack }

// Headroom implements bridge.Adapter. The canonical bridge delivers
// one-to-one, so no slippage margin is reserved.
func (a *Adapter) Headroom() int64 { return 0 }

// routeEnds is the resolved shape of an OP-stack route. rollup is the
// chain config carrying the bridge deployments, regardless of which
// side the route starts on.
type routeEnds struct {
	dir    direction
	origin *config.ChainConfig
	dest   *config.ChainConfig
	rollup *config.ChainConfig
	input  *types.AssetConfig
	output *types.AssetConfig
}

func isRollup(cc *config.ChainConfig) bool {
	return cc.Deployments.L2StandardBridge != (common.Address{})
}

func (a *Adapter) resolve(route types.Route) (*routeEnds, error) {
	if route.SameChain() {
		return nil, fmt.Errorf("%w: optimism needs distinct chains, got %s", bridge.ErrUnsupported, route)
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
		if dest.Deployments.L1StandardBridge == (common.Address{}) {
			return nil, fmt.Errorf("%w: rollup %d has no L1 bridge configured", bridge.ErrUnsupported, route.Destination)
		}
		ends.dir, ends.rollup = deposit, dest
	case isRollup(origin) && !isRollup(dest):
		d := origin.Deployments
		if d.OptimismPortal == (common.Address{}) || d.L2OutputOracle == (common.Address{}) || d.L2ToL1MessagePasser == (common.Address{}) {
			return nil, fmt.Errorf("%w: rollup %d has no withdrawal contracts configured", bridge.ErrUnsupported, route.Origin)
		}
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
	return ends, nil
}

// Quote implements bridge.Adapter. The canonical bridge mints exactly
// what was locked, so the quote is a pure decimal rescale.
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

// Send implements bridge.Adapter.
func (a *Adapter) Send(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route) ([]*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	switch ends.dir {
	case deposit:
		return a.sendDeposit(ctx, sender, recipient, amount, route, ends)
	default:
		return a.sendWithdrawal(recipient, amount, route, ends)
	}
}

func (a *Adapter) sendDeposit(ctx context.Context, sender, recipient common.Address, amount *big.Int, route types.Route, ends *routeEnds) ([]*bridge.Tx, error) {
	l1Bridge := ends.rollup.Deployments.L1StandardBridge
	if ends.input.IsNative {
		data, err := a.l1Bridge.Pack("depositETHTo", recipient, minGasLimit, []byte{})
		if err != nil {
			return nil, err
		}
		return []*bridge.Tx{{
			Memo:    types.MemoRebalance,
			ChainID: route.Origin,
			To:      l1Bridge,
			Value:   amount,
			Data:    data,
		}}, nil
	}

	var txs []*bridge.Tx
	client, err := a.clients.Client(route.Origin)
	if err != nil {
		return nil, err
	}
	allowance, err := client.Allowance(ctx, ends.input.Address, sender, l1Bridge)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) < 0 {
		data, err := chainclient.PackApprove(l1Bridge, amount)
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
	data, err := a.l1Bridge.Pack("depositERC20To",
		ends.input.Address, ends.output.Address, recipient, amount, minGasLimit, []byte{})
	if err != nil {
		return nil, err
	}
	return append(txs, &bridge.Tx{
		Memo:    types.MemoRebalance,
		ChainID: route.Origin,
		To:      l1Bridge,
		Value:   new(big.Int),
		Data:    data,
	}), nil
}

func (a *Adapter) sendWithdrawal(recipient common.Address, amount *big.Int, route types.Route, ends *routeEnds) ([]*bridge.Tx, error) {
	l2Token := ends.input.Address
	value := new(big.Int)
	if ends.input.IsNative {
		l2Token = l2EthToken
		value = amount
	}
	// The L2 bridge burns its own mintable tokens, no approval needed.
	data, err := a.l2Bridge.Pack("withdrawTo", l2Token, recipient, amount, minGasLimit, []byte{})
	if err != nil {
		return nil, err
	}
	return []*bridge.Tx{{
		Memo:    types.MemoRebalance,
		ChainID: route.Origin,
		To:      ends.rollup.Deployments.L2StandardBridge,
		Value:   value,
		Data:    data,
	}}, nil
}

// erc20DepositInitiated mirrors the L1 bridge deposit event.
type erc20DepositInitiated struct {
	L1Token   common.Address
	L2Token   common.Address
	From      common.Address
	To        common.Address
	Amount    *big.Int
	ExtraData []byte
}

type ethDepositInitiated struct {
	From      common.Address
	To        common.Address
	Amount    *big.Int
	ExtraData []byte
}

type depositFinalized struct {
	L1Token   common.Address
	L2Token   common.Address
	From      common.Address
	To        common.Address
	Amount    *big.Int
	ExtraData []byte
}

// messagePassed mirrors the L2ToL1MessagePasser event; its fields are
// exactly the withdrawal tuple the portal wants, plus the hash.
type messagePassed struct {
	Nonce          *big.Int
	Sender         common.Address
	Target         common.Address
	Value          *big.Int
	GasLimit       *big.Int
	Data           []byte
	WithdrawalHash [32]byte
}

type withdrawalTx struct {
	Nonce    *big.Int
	Sender   common.Address
	Target   common.Address
	Value    *big.Int
	GasLimit *big.Int
	Data     []byte
}

type outputRootProof struct {
	Version                  [32]byte
	StateRoot                [32]byte
	MessagePasserStorageRoot [32]byte
	LatestBlockhash          [32]byte
}

type outputProposal struct {
	OutputRoot    [32]byte
	Timestamp     *big.Int
	L2BlockNumber *big.Int
}

func (w *messagePassed) tx() withdrawalTx {
	return withdrawalTx{
		Nonce:    w.Nonce,
		Sender:   w.Sender,
		Target:   w.Target,
		Value:    w.Value,
		GasLimit: w.GasLimit,
		Data:     w.Data,
	}
}

func (a *Adapter) messageFromReceipt(passer common.Address, receipt *gtypes.Receipt) (*messagePassed, error) {
	lg := bridge.FindLog(receipt, passer, a.passer.Events["MessagePassed"].ID)
	if lg == nil {
		return nil, fmt.Errorf("opstack: no MessagePassed event in receipt %s", receipt.TxHash)
	}
	var msg messagePassed
	if err := bridge.UnpackLog(a.passer, &msg, "MessagePassed", *lg); err != nil {
		return nil, fmt.Errorf("opstack: decode MessagePassed: %w", err)
	}
	return &msg, nil
}

// ReadyOnDestination implements bridge.Adapter. Deposits are ready once
// the rollup relayed them; withdrawals are ready whenever the next
// prove or finalize callback would succeed.
func (a *Adapter) ReadyOnDestination(ctx context.Context, amount *big.Int, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	if ends.dir == deposit {
		return a.depositReady(ctx, route, ends, originReceipt)
	}

	msg, err := a.messageFromReceipt(ends.rollup.Deployments.L2ToL1MessagePasser, originReceipt)
	if err != nil {
		return false, err
	}
	l1, err := a.clients.Client(route.Destination)
	if err != nil {
		return false, err
	}
	finalized, err := a.finalized(ctx, l1, ends, msg.WithdrawalHash)
	if err != nil {
		return false, err
	}
	if finalized {
		return true, nil
	}
	provenAt, err := a.provenAt(ctx, l1, ends, msg.WithdrawalHash)
	if err != nil {
		return false, err
	}
	if provenAt == 0 {
		return a.outputPosted(ctx, l1, ends, originReceipt.BlockNumber)
	}
	return a.challengeElapsed(ctx, l1, ends, provenAt)
}

func (a *Adapter) depositReady(ctx context.Context, route types.Route, ends *routeEnds, originReceipt *gtypes.Receipt) (bool, error) {
	l1Bridge := ends.rollup.Deployments.L1StandardBridge

	var topics []common.Hash
	var wantTo common.Address
	var wantAmount *big.Int
	if lg := bridge.FindLog(originReceipt, l1Bridge, a.l1Bridge.Events["ERC20DepositInitiated"].ID); lg != nil {
		var dep erc20DepositInitiated
		if err := bridge.UnpackLog(a.l1Bridge, &dep, "ERC20DepositInitiated", *lg); err != nil {
			return false, fmt.Errorf("opstack: decode deposit event: %w", err)
		}
		topics = []common.Hash{common.BytesToHash(dep.L1Token.Bytes()), common.BytesToHash(dep.L2Token.Bytes()), common.BytesToHash(dep.From.Bytes())}
		wantTo, wantAmount = dep.To, dep.Amount
	} else if lg := bridge.FindLog(originReceipt, l1Bridge, a.l1Bridge.Events["ETHDepositInitiated"].ID); lg != nil {
		var dep ethDepositInitiated
		if err := bridge.UnpackLog(a.l1Bridge, &dep, "ETHDepositInitiated", *lg); err != nil {
			return false, fmt.Errorf("opstack: decode deposit event: %w", err)
		}
		topics = []common.Hash{{}, common.BytesToHash(l2EthToken.Bytes()), common.BytesToHash(dep.From.Bytes())}
		wantTo, wantAmount = dep.To, dep.Amount
	} else {
		return false, fmt.Errorf("opstack: no deposit event in receipt %s", originReceipt.TxHash)
	}

	l2, err := a.clients.Client(route.Destination)
	if err != nil {
		return false, err
	}
	head, err := l2.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	from := new(big.Int)
	if head > depositScanBlocks {
		from.SetUint64(head - depositScanBlocks)
	}
	logs, err := l2.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		Addresses: []common.Address{ends.rollup.Deployments.L2StandardBridge},
		Topics: [][]common.Hash{
			{a.l2Bridge.Events["DepositFinalized"].ID},
			{topics[0]},
			{topics[1]},
			{topics[2]},
		},
	})
	if err != nil {
		return false, err
	}
	for _, lg := range logs {
		var fin depositFinalized
		if err := bridge.UnpackLog(a.l2Bridge, &fin, "DepositFinalized", lg); err != nil {
			continue
		}
		if fin.To == wantTo && fin.Amount.Cmp(wantAmount) == 0 {
			return true, nil
		}
	}
	return false, nil
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

func (a *Adapter) finalized(ctx context.Context, l1 *chainclient.Client, ends *routeEnds, wh [32]byte) (bool, error) {
	out, err := a.callView(ctx, l1, ends.rollup.Deployments.OptimismPortal, a.portal, "finalizedWithdrawals", wh)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// provenAt returns the L1 timestamp of the proof, zero when unproven.
func (a *Adapter) provenAt(ctx context.Context, l1 *chainclient.Client, ends *routeEnds, wh [32]byte) (uint64, error) {
	out, err := a.callView(ctx, l1, ends.rollup.Deployments.OptimismPortal, a.portal, "provenWithdrawals", wh)
	if err != nil {
		return 0, err
	}
	return out[1].(*big.Int).Uint64(), nil
}

func (a *Adapter) outputPosted(ctx context.Context, l1 *chainclient.Client, ends *routeEnds, l2Block *big.Int) (bool, error) {
	out, err := a.callView(ctx, l1, ends.rollup.Deployments.L2OutputOracle, a.oracle, "latestBlockNumber")
	if err != nil {
		return false, err
	}
	return out[0].(*big.Int).Cmp(l2Block) >= 0, nil
}

// challengeElapsed compares the proof age against the oracle's
// finalization period using L1 chain time, not wall time.
func (a *Adapter) challengeElapsed(ctx context.Context, l1 *chainclient.Client, ends *routeEnds, provenAt uint64) (bool, error) {
	out, err := a.callView(ctx, l1, ends.rollup.Deployments.L2OutputOracle, a.oracle, "FINALIZATION_PERIOD_SECONDS")
	if err != nil {
		return false, err
	}
	head, err := l1.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, err
	}
	return head.Time >= provenAt+out[0].(*big.Int).Uint64(), nil
}

// DestinationCallback implements bridge.Adapter. Deposits need none;
// withdrawals get the prove transaction first and the finalize
// transaction once the challenge window has passed.
func (a *Adapter) DestinationCallback(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (*bridge.Tx, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return nil, err
	}
	if ends.dir == deposit {
		return nil, nil
	}

	msg, err := a.messageFromReceipt(ends.rollup.Deployments.L2ToL1MessagePasser, originReceipt)
	if err != nil {
		return nil, err
	}
	l1, err := a.clients.Client(route.Destination)
	if err != nil {
		return nil, err
	}
	finalized, err := a.finalized(ctx, l1, ends, msg.WithdrawalHash)
	if err != nil {
		return nil, err
	}
	if finalized {
		return nil, nil
	}

	provenAt, err := a.provenAt(ctx, l1, ends, msg.WithdrawalHash)
	if err != nil {
		return nil, err
	}
	if provenAt == 0 {
		posted, err := a.outputPosted(ctx, l1, ends, originReceipt.BlockNumber)
		if err != nil {
			return nil, err
		}
		if !posted {
			return nil, fmt.Errorf("%w: output root not posted for block %s", bridge.ErrCallbackNotReady, originReceipt.BlockNumber)
		}
		return a.proveTx(ctx, l1, route, ends, msg, originReceipt.BlockNumber)
	}

	elapsed, err := a.challengeElapsed(ctx, l1, ends, provenAt)
	if err != nil {
		return nil, err
	}
	if !elapsed {
		return nil, fmt.Errorf("%w: challenge window still open", bridge.ErrCallbackNotReady)
	}
	data, err := a.portal.Pack("finalizeWithdrawalTransaction", msg.tx())
	if err != nil {
		return nil, err
	}
	a.log.Info("Built withdrawal finalize", "route", route.String(), "withdrawal", common.Hash(msg.WithdrawalHash))
	return &bridge.Tx{
		Memo:    types.MemoCallback,
		ChainID: route.Destination,
		To:      ends.rollup.Deployments.OptimismPortal,
		Value:   new(big.Int),
		Data:    data,
	}, nil
}

// proveTx assembles the storage proof of the withdrawal slot in the
// message passer against the posted output root.
func (a *Adapter) proveTx(ctx context.Context, l1 *chainclient.Client, route types.Route, ends *routeEnds, msg *messagePassed, l2Block *big.Int) (*bridge.Tx, error) {
	oracle := ends.rollup.Deployments.L2OutputOracle
	out, err := a.callView(ctx, l1, oracle, a.oracle, "getL2OutputIndexAfter", l2Block)
	if err != nil {
		return nil, err
	}
	index := out[0].(*big.Int)

	out, err = a.callView(ctx, l1, oracle, a.oracle, "getL2Output", index)
	if err != nil {
		return nil, err
	}
	proposal := *abi.ConvertType(out[0], new(outputProposal)).(*outputProposal)

	l2, err := a.clients.Client(route.Origin)
	if err != nil {
		return nil, err
	}
	header, err := l2.HeaderByNumber(ctx, proposal.L2BlockNumber)
	if err != nil {
		return nil, err
	}

	slot := withdrawalSlot(msg.WithdrawalHash)
	proof, err := l2.Proof(ctx, ends.rollup.Deployments.L2ToL1MessagePasser, []string{slot.Hex()}, proposal.L2BlockNumber)
	if err != nil {
		return nil, err
	}
	if len(proof.StorageProof) == 0 {
		return nil, fmt.Errorf("opstack: empty storage proof for slot %s", slot)
	}
	nodes := make([][]byte, len(proof.StorageProof[0].Proof))
	for i, node := range proof.StorageProof[0].Proof {
		if nodes[i], err = hexutil.Decode(node); err != nil {
			return nil, fmt.Errorf("opstack: malformed proof node: %w", err)
		}
	}

	rootProof := outputRootProof{
		StateRoot:                header.Root,
		MessagePasserStorageRoot: proof.StorageHash,
		LatestBlockhash:          header.Hash(),
	}
	data, err := a.portal.Pack("proveWithdrawalTransaction", msg.tx(), index, rootProof, nodes)
	if err != nil {
		return nil, err
	}
	a.log.Info("Built withdrawal prove", "route", route.String(), "withdrawal", common.Hash(msg.WithdrawalHash), "outputIndex", index)
	return &bridge.Tx{
		Memo:    types.MemoCallback,
		ChainID: route.Destination,
		To:      ends.rollup.Deployments.OptimismPortal,
		Value:   new(big.Int),
		Data:    data,
	}, nil
}

// withdrawalSlot is the storage slot of sentMessages[withdrawalHash] in
// the message passer: keccak256(hash ++ uint256(0)).
func withdrawalSlot(wh [32]byte) common.Hash {
	var buf [64]byte
	copy(buf[:32], wh[:])
	return crypto.Keccak256Hash(buf[:])
}

// IsCallbackComplete implements bridge.Adapter. Deposits complete on
// their own; withdrawals are complete once the portal finalized them.
func (a *Adapter) IsCallbackComplete(ctx context.Context, route types.Route, originReceipt *gtypes.Receipt) (bool, error) {
	ends, err := a.resolve(route)
	if err != nil {
		return false, err
	}
	if ends.dir == deposit {
		return true, nil
	}
	msg, err := a.messageFromReceipt(ends.rollup.Deployments.L2ToL1MessagePasser, originReceipt)
	if err != nil {
		return false, err
	}
	l1, err := a.clients.Client(route.Destination)
	if err != nil {
		return false, err
	}
	return a.finalized(ctx, l1, ends, msg.WithdrawalHash)
}
