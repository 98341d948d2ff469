package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/types"
)

// Safe EIP-712 type hashes, fixed by the Safe contracts.
var (
	safeDomainTypehash = common.HexToHash("0x47e79534a245952e8b16893a336b85a3d9ea9fa8c573f3d803afb92a79469218")
	safeTxTypehash     = common.HexToHash("0xbb8310d486368db6bd6f849402fdd73ad53d316b5a4b2644ad6efe0f941286d8")
)

// SafeProposer queues calls on a Safe through its transaction service.
// The delegate key signs proposals; the Safe's signers approve and
// execute them out of band.
type SafeProposer struct {
	chainID  uint64
	safe     common.Address
	service  string
	delegate *LocalSigner
	http     *http.Client
	log      log.Logger
}

// NewSafeProposer wires a proposer for one chain's Safe.
func NewSafeProposer(chainID uint64, safe common.Address, service string, delegate *LocalSigner, logger log.Logger) *SafeProposer {
	return &SafeProposer{
		chainID:  chainID,
		safe:     safe,
		service:  service,
		delegate: delegate,
		http:     &http.Client{Timeout: 15 * time.Second},
		log:      logger,
	}
}

func (p *SafeProposer) Address() common.Address    { return p.safe }
func (p *SafeProposer) Kind() types.SubmissionKind { return types.SubmissionProposal }

// Propose computes the Safe transaction hash for the call at the Safe's
// next nonce, signs it with the delegate key and posts it to the
// transaction service. The returned identifier is the Safe transaction
// hash, which doubles as the recorded "transaction hash" until the
// multisig executes.
func (p *SafeProposer) Propose(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	nonce, err := p.nextNonce(ctx)
	if err != nil {
		return "", err
	}
	if value == nil {
		value = new(big.Int)
	}
	safeTxHash := p.transactionHash(to, value, data, nonce)
	sig, err := p.delegate.signDigest(safeTxHash)
	if err != nil {
		return "", fmt.Errorf("wallet: sign proposal: %w", err)
	}

	body := map[string]any{
		"safe":                    p.safe.Hex(),
		"to":                      to.Hex(),
		"value":                   value.String(),
		"data":                    "0x" + common.Bytes2Hex(data),
		"operation":               0,
		"safeTxGas":               0,
		"baseGas":                 0,
		"gasPrice":                "0",
		"gasToken":                (common.Address{}).Hex(),
		"refundReceiver":          (common.Address{}).Hex(),
		"nonce":                   nonce,
		"contractTransactionHash": safeTxHash.Hex(),
		"sender":                  p.delegate.Address().Hex(),
		"signature":               "0x" + common.Bytes2Hex(sig),
		"origin":                  "mark",
	}
	url := fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/", p.service, p.safe.Hex())
	if err := p.postJSON(ctx, url, body); err != nil {
		return "", err
	}
	p.log.Info("Queued safe proposal", "to", to, "value", value, "nonce", nonce, "safeTxHash", safeTxHash)
	return safeTxHash.Hex(), nil
}

// Execution resolves a proposal to its executing transaction hash once
// the multisig has executed it.
func (p *SafeProposer) Execution(ctx context.Context, proposalID string) (common.Hash, bool, error) {
	url := fmt.Sprintf("%s/api/v1/multisig-transactions/%s/", p.service, proposalID)
	var res struct {
		IsExecuted      bool    `json:"isExecuted"`
		IsSuccessful    *bool   `json:"isSuccessful"`
		TransactionHash *string `json:"transactionHash"`
	}
	if err := p.getJSON(ctx, url, &res); err != nil {
		return common.Hash{}, false, err
	}
	if !res.IsExecuted || res.TransactionHash == nil {
		return common.Hash{}, false, nil
	}
	if res.IsSuccessful != nil && !*res.IsSuccessful {
		return common.Hash{}, false, fmt.Errorf("wallet: safe proposal %s executed but reverted", proposalID)
	}
	return common.HexToHash(*res.TransactionHash), true, nil
}

// transactionHash computes the EIP-712 Safe transaction digest with the
// standard zeroed gas parameters.
func (p *SafeProposer) transactionHash(to common.Address, value *big.Int, data []byte, nonce uint64) common.Hash {
	domain := crypto.Keccak256Hash(
		safeDomainTypehash.Bytes(),
		common.BigToHash(new(big.Int).SetUint64(p.chainID)).Bytes(),
		common.BytesToHash(p.safe.Bytes()).Bytes(),
	)
	structHash := crypto.Keccak256Hash(
		safeTxTypehash.Bytes(),
		common.BytesToHash(to.Bytes()).Bytes(),
		common.BigToHash(value).Bytes(),
		crypto.Keccak256(data),
		common.Hash{}.Bytes(), // operation: CALL
		common.Hash{}.Bytes(), // safeTxGas
		common.Hash{}.Bytes(), // baseGas
		common.Hash{}.Bytes(), // gasPrice
		common.Hash{}.Bytes(), // gasToken
		common.Hash{}.Bytes(), // refundReceiver
		common.BigToHash(new(big.Int).SetUint64(nonce)).Bytes(),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain.Bytes(), structHash.Bytes())
}

func (p *SafeProposer) nextNonce(ctx context.Context) (uint64, error) {
	url := fmt.Sprintf("%s/api/v1/safes/%s/", p.service, p.safe.Hex())
	var res struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := p.getJSON(ctx, url, &res); err != nil {
		return 0, err
	}
	return res.Nonce, nil
}

func (p *SafeProposer) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: safe service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet: safe service %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *SafeProposer) postJSON(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: safe service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("wallet: safe service %s: status %d: %s", url, resp.StatusCode, msg)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
