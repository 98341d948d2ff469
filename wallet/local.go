package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/everclear-net/mark/types"
)

// LocalSigner holds the signing key in process. The key string comes
// from reconstructed secrets and is never logged.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner parses a hex-encoded secp256k1 private key.
func NewLocalSigner(hexkey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid signer key: %w", err)
	}
	return &LocalSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *LocalSigner) Address() common.Address    { return s.addr }
func (s *LocalSigner) Kind() types.SubmissionKind { return types.SubmissionOnchain }

// SignTx signs with the chain-specific EIP-155/1559 signer.
func (s *LocalSigner) SignTx(_ context.Context, chainID *big.Int, tx *gtypes.Transaction) (*gtypes.Transaction, error) {
	return gtypes.SignTx(tx, gtypes.LatestSignerForChainID(chainID), s.key)
}

// signDigest signs a 32-byte digest, for Safe proposal signatures.
func (s *LocalSigner) signDigest(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, err
	}
	// Safe services expect the Ethereum recovery id convention.
	sig[64] += 27
	return sig, nil
}
