package chainclient

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// Chains with AddressFormat "base58" encode the 20-byte account as
// base58check with a 0x41 version prefix. Internally everything stays a
// common.Address; these helpers convert at the edges.

const base58Version = 0x41

// ErrBadBase58Address is returned for strings that fail base58check
// validation.
var ErrBadBase58Address = errors.New("chainclient: invalid base58 address")

// DecodeBase58Address parses a base58check account string into the
// underlying EVM address.
func DecodeBase58Address(s string) (common.Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadBase58Address, err)
	}
	if len(raw) != 25 || raw[0] != base58Version {
		return common.Address{}, fmt.Errorf("%w: bad length or version", ErrBadBase58Address)
	}
	payload, check := raw[:21], raw[21:]
	if !bytes.Equal(checksum(payload), check) {
		return common.Address{}, fmt.Errorf("%w: checksum mismatch", ErrBadBase58Address)
	}
	return common.BytesToAddress(payload[1:]), nil
}

// EncodeBase58Address renders an EVM address in the chain's base58check
// account format.
func EncodeBase58Address(addr common.Address) string {
	payload := append([]byte{base58Version}, addr.Bytes()...)
	return base58.Encode(append(payload, checksum(payload)...))
}

func checksum(payload []byte) []byte {
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	return h2[:4]
}
