// Package wallet abstracts how value leaves the service. In EOA mode a
// single key signs on every chain, either in-process or through a
// remote signer. In Zodiac mode funds sit in per-chain Safes and spends
// are queued on the Safe transaction service as multisig proposals.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

var (
	ErrNoSigner      = errors.New("wallet: no signing key configured")
	ErrNotProposable = errors.New("wallet: chain has no safe configured")
)

// Wallet is the funds owner on one chain.
type Wallet interface {
	// Address is where balances accrue: the EOA, or the Safe in Zodiac
	// mode.
	Address() common.Address
	// Kind reports how submissions through this wallet are recorded.
	Kind() types.SubmissionKind
}

// Signer signs raw transactions for direct broadcast.
type Signer interface {
	Wallet
	SignTx(ctx context.Context, chainID *big.Int, tx *gtypes.Transaction) (*gtypes.Transaction, error)
}

// Proposer queues calls on a multisig instead of broadcasting them.
type Proposer interface {
	Wallet
	// Propose enqueues the call and returns a proposal identifier,
	// recorded in place of a transaction hash.
	Propose(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error)
	// Execution resolves a previously returned proposal identifier to
	// the executing transaction hash, if the signers have approved and
	// executed it.
	Execution(ctx context.Context, proposalID string) (common.Hash, bool, error)
}

// Service resolves the wallet to use per chain.
type Service struct {
	cfg *config.Config
	log log.Logger

	signer Signer // nil only if zodiac mode with remote-less config is broken

	mu        sync.Mutex
	proposers map[uint64]*SafeProposer
}

// NewService builds the wallet layer from configuration and secrets.
// EOA mode requires either a local key or a remote signer; Zodiac mode
// additionally needs the per-chain Safe entries, with the EOA acting as
// the proposal delegate.
func NewService(cfg *config.Config, secrets *config.Secrets, logger log.Logger) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		log:       logger,
		proposers: make(map[uint64]*SafeProposer),
	}
	switch {
	case cfg.Wallet.RemoteSigner != "":
		remote, err := NewRemoteSigner(cfg.Wallet.RemoteSigner, cfg.Wallet.Address)
		if err != nil {
			return nil, err
		}
		s.signer = remote
		logger.Info("Using remote signer", "url", cfg.Wallet.RemoteSigner, "address", cfg.Wallet.Address)
	case secrets != nil && secrets.SignerKey != "":
		local, err := NewLocalSigner(secrets.SignerKey)
		if err != nil {
			return nil, err
		}
		s.signer = local
		logger.Info("Using local signer", "address", local.Address())
	default:
		return nil, ErrNoSigner
	}
	return s, nil
}

// Signer returns the transaction signer shared across chains.
func (s *Service) Signer() Signer { return s.signer }

// SignerAddress is the EOA that signs transactions and proposals. In
// Zodiac mode it pays gas but does not hold inventory.
func (s *Service) SignerAddress() common.Address { return s.signer.Address() }

// OwnerAddress is where inventory accrues on a chain: the Safe in
// Zodiac mode, the signer otherwise.
func (s *Service) OwnerAddress(chain uint64) common.Address {
	if s.cfg.Wallet.Kind == "zodiac" {
		if cc, err := s.cfg.Chain(chain); err == nil && cc.SafeAddress != (common.Address{}) {
			return cc.SafeAddress
		}
	}
	return s.signer.Address()
}

// ForChain returns the wallet used to spend on a chain.
func (s *Service) ForChain(chain uint64) (Wallet, error) {
	if s.cfg.Wallet.Kind != "zodiac" {
		return s.signer, nil
	}
	cc, err := s.cfg.Chain(chain)
	if err != nil {
		return nil, err
	}
	if cc.SafeAddress == (common.Address{}) || cc.SafeService == "" {
		// Chains without a Safe (e.g. base58-format chains) fall back
		// to direct signing.
		return s.signer, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proposers[chain]; ok {
		return p, nil
	}
	local, ok := s.signer.(*LocalSigner)
	if !ok {
		return nil, fmt.Errorf("%w: zodiac mode needs a local delegate key", ErrNotProposable)
	}
	p := NewSafeProposer(chain, cc.SafeAddress, cc.SafeService, local, s.log.New("safe", cc.SafeAddress, "chain", chain))
	s.proposers[chain] = p
	return p, nil
}
