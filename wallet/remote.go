package wallet

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/everclear-net/mark/types"
)

// RemoteSigner delegates signing to a clef-compatible JSON-RPC service.
// The service owns the key; only signed payloads cross the wire.
type RemoteSigner struct {
	client *rpc.Client
	addr   common.Address
}

// NewRemoteSigner connects to the signer endpoint.
func NewRemoteSigner(rawurl string, addr common.Address) (*RemoteSigner, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("wallet: remote signer requires Wallet.Address")
	}
	client, err := rpc.Dial(rawurl)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial signer: %w", err)
	}
	return &RemoteSigner{client: client, addr: addr}, nil
}

func (s *RemoteSigner) Address() common.Address    { return s.addr }
func (s *RemoteSigner) Kind() types.SubmissionKind { return types.SubmissionOnchain }

// signTransactionResult mirrors the wire shape of the signer's
// account_signTransaction response.
type signTransactionResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

// SignTx sends the unsigned transaction to the remote service and
// decodes the signed raw payload it returns.
func (s *RemoteSigner) SignTx(ctx context.Context, chainID *big.Int, tx *gtypes.Transaction) (*gtypes.Transaction, error) {
	args := apitypes.SendTxArgs{
		From:  common.NewMixedcaseAddress(s.addr),
		Gas:   hexutil.Uint64(tx.Gas()),
		Value: hexutil.Big(*tx.Value()),
		Nonce: hexutil.Uint64(tx.Nonce()),
	}
	if to := tx.To(); to != nil {
		mixed := common.NewMixedcaseAddress(*to)
		args.To = &mixed
	}
	if data := tx.Data(); len(data) > 0 {
		b := hexutil.Bytes(data)
		args.Data = &b
	}
	if chainID != nil {
		args.ChainID = (*hexutil.Big)(chainID)
	}
	if tipCap := tx.GasTipCap(); tipCap != nil {
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tipCap)
	}
	if feeCap := tx.GasFeeCap(); feeCap != nil {
		args.MaxFeePerGas = (*hexutil.Big)(feeCap)
	}

	var res signTransactionResult
	if err := s.client.CallContext(ctx, &res, "account_signTransaction", args); err != nil {
		return nil, fmt.Errorf("wallet: remote signing: %w", err)
	}
	signed := new(gtypes.Transaction)
	if err := signed.UnmarshalBinary(res.Raw); err != nil {
		return nil, fmt.Errorf("wallet: decode signed tx: %w", err)
	}
	return signed, nil
}
