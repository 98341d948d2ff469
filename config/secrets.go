package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Secret material arrives split in two shares, typically one from a
// parameter store and one from a secret manager, and is reconstructed
// before first use. Shares are self-describing: "<method>$<hex>".

const (
	SplitShamir = "shamir"
	SplitXor    = "xor"
	SplitConcat = "concat"
)

var (
	// ErrInvalidShareFormat means a share failed structural checks:
	// unknown method tag, bad hex, or mismatched lengths.
	ErrInvalidShareFormat = errors.New("config: invalid share format")
	// ErrReconstructionFailed means the shares parsed but do not
	// combine into a secret under the requested method.
	ErrReconstructionFailed = errors.New("config: secret reconstruction failed")
)

// Split produces the two shares of a secret under the given method.
// The inverse of Reconstruct; used by provisioning tooling and tests.
func Split(method, secret string) (string, string, error) {
	data := []byte(secret)
	switch method {
	case SplitConcat:
		half := (len(data) + 1) / 2
		return encodeShare(method, data[:half]), encodeShare(method, data[half:]), nil
	case SplitXor:
		pad := make([]byte, len(data))
		if _, err := rand.Read(pad); err != nil {
			return "", "", err
		}
		masked := make([]byte, len(data))
		for i := range data {
			masked[i] = data[i] ^ pad[i]
		}
		return encodeShare(method, pad), encodeShare(method, masked), nil
	case SplitShamir:
		s1 := make([]byte, len(data)+1)
		s2 := make([]byte, len(data)+1)
		s1[0], s2[0] = 1, 2
		coeffs := make([]byte, len(data))
		if _, err := rand.Read(coeffs); err != nil {
			return "", "", err
		}
		for i, b := range data {
			s1[i+1] = b ^ gfMul(coeffs[i], s1[0])
			s2[i+1] = b ^ gfMul(coeffs[i], s2[0])
		}
		return encodeShare(method, s1), encodeShare(method, s2), nil
	default:
		return "", "", fmt.Errorf("%w: unknown method %q", ErrInvalidShareFormat, method)
	}
}

// Reconstruct combines two shares produced by Split under the same
// method. Shares carrying a different method tag are rejected before
// any combination is attempted.
func Reconstruct(method, share1, share2 string) (string, error) {
	a, err := decodeShare(method, share1)
	if err != nil {
		return "", err
	}
	b, err := decodeShare(method, share2)
	if err != nil {
		return "", err
	}
	switch method {
	case SplitConcat:
		return string(a) + string(b), nil
	case SplitXor:
		if len(a) != len(b) {
			return "", fmt.Errorf("%w: xor shares differ in length", ErrReconstructionFailed)
		}
		out := make([]byte, len(a))
		for i := range a {
			out[i] = a[i] ^ b[i]
		}
		return string(out), nil
	case SplitShamir:
		if len(a) == 0 || len(a) != len(b) {
			return "", fmt.Errorf("%w: shamir shares differ in length", ErrReconstructionFailed)
		}
		x1, x2 := a[0], b[0]
		if x1 == x2 {
			return "", fmt.Errorf("%w: duplicate shamir share index", ErrReconstructionFailed)
		}
		out := make([]byte, len(a)-1)
		den := gfInv(x1 ^ x2)
		for i := range out {
			// Lagrange interpolation at x=0 over GF(256).
			t1 := gfMul(a[i+1], gfMul(x2, den))
			t2 := gfMul(b[i+1], gfMul(x1, den))
			out[i] = t1 ^ t2
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("%w: unknown method %q", ErrInvalidShareFormat, method)
	}
}

func encodeShare(method string, payload []byte) string {
	return method + "$" + hex.EncodeToString(payload)
}

func decodeShare(method, share string) ([]byte, error) {
	tag, payload, ok := strings.Cut(share, "$")
	if !ok {
		return nil, fmt.Errorf("%w: missing method tag", ErrInvalidShareFormat)
	}
	if tag != method {
		return nil, fmt.Errorf("%w: share is %q, expected %q", ErrInvalidShareFormat, tag, method)
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not hex", ErrInvalidShareFormat)
	}
	return data, nil
}

// GF(256) arithmetic with the AES reduction polynomial.

func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 != 0 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func gfInv(a byte) byte {
	// a^254 == a^-1 in GF(256).
	result := byte(1)
	base := a
	for exp := 254; exp > 0; exp >>= 1 {
		if exp&1 != 0 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
	}
	return result
}

// Secrets carries everything that must never appear in the TOML file or
// in logs.
type Secrets struct {
	SignerKey        string // hex-encoded private key; empty with a remote signer
	BinanceAPIKey    string
	BinanceAPISecret string
	RelayerAPIKey    string // optional per-invoice relayer credential
}

// LoadSecrets assembles secrets from the environment. Each secret FOO is
// read either whole from MARK_FOO, or reconstructed from MARK_FOO_SHARD1
// and MARK_FOO_SHARD2 using the method named by MARK_FOO_SPLIT.
func LoadSecrets(getenv func(string) string) (*Secrets, error) {
	s := &Secrets{}
	for _, entry := range []struct {
		name string
		dst  *string
	}{
		{"SIGNER_KEY", &s.SignerKey},
		{"BINANCE_API_KEY", &s.BinanceAPIKey},
		{"BINANCE_API_SECRET", &s.BinanceAPISecret},
		{"RELAYER_API_KEY", &s.RelayerAPIKey},
	} {
		val, err := secretFromEnv(getenv, "MARK_"+entry.name)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", entry.name, err)
		}
		*entry.dst = val
	}
	return s, nil
}

func secretFromEnv(getenv func(string) string, base string) (string, error) {
	if whole := getenv(base); whole != "" {
		return whole, nil
	}
	s1, s2 := getenv(base+"_SHARD1"), getenv(base+"_SHARD2")
	if s1 == "" && s2 == "" {
		return "", nil
	}
	if s1 == "" || s2 == "" {
		return "", fmt.Errorf("%w: only one shard present", ErrInvalidShareFormat)
	}
	method := getenv(base + "_SPLIT")
	if method == "" {
		method = SplitShamir
	}
	return Reconstruct(method, s1, s2)
}
