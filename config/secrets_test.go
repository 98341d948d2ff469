package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitReconstructRoundTrip(t *testing.T) {
	secrets := []string{
		"",
		"x",
		"4c0883a69102937d6231471b5dbb6204fe512961708279feb1be6ae5538da033",
		"binance-api-key-with-dashes_and_underscores",
	}
	for _, method := range []string{SplitShamir, SplitXor, SplitConcat} {
		for _, secret := range secrets {
			s1, s2, err := Split(method, secret)
			require.NoError(t, err, method)
			got, err := Reconstruct(method, s1, s2)
			require.NoError(t, err, method)
			require.Equal(t, secret, got, "method %s", method)
		}
	}
}

func TestSharesDoNotLeakSecret(t *testing.T) {
	// A single shamir or xor share carries no information about the
	// secret; consecutive splits must differ.
	const secret = "super-secret-value"
	a1, _, err := Split(SplitShamir, secret)
	require.NoError(t, err)
	b1, _, err := Split(SplitShamir, secret)
	require.NoError(t, err)
	require.NotEqual(t, a1, b1)

	x1, _, err := Split(SplitXor, secret)
	require.NoError(t, err)
	y1, _, err := Split(SplitXor, secret)
	require.NoError(t, err)
	require.NotEqual(t, x1, y1)
}

func TestReconstructRejectsWrongMethod(t *testing.T) {
	s1, s2, err := Split(SplitShamir, "payload")
	require.NoError(t, err)

	_, err = Reconstruct(SplitXor, s1, s2)
	require.ErrorIs(t, err, ErrInvalidShareFormat)
	_, err = Reconstruct(SplitConcat, s1, s2)
	require.ErrorIs(t, err, ErrInvalidShareFormat)
	_, err = Reconstruct("base64", s1, s2)
	require.ErrorIs(t, err, ErrInvalidShareFormat)
}

func TestReconstructRejectsMalformedShares(t *testing.T) {
	_, err := Reconstruct(SplitXor, "no-separator", "xor$00")
	require.ErrorIs(t, err, ErrInvalidShareFormat)

	_, err = Reconstruct(SplitXor, "xor$zz", "xor$00")
	require.ErrorIs(t, err, ErrInvalidShareFormat)

	_, err = Reconstruct(SplitXor, "xor$0011", "xor$00")
	require.ErrorIs(t, err, ErrReconstructionFailed)

	_, err = Reconstruct(SplitShamir, "shamir$01ab", "shamir$01cd")
	require.ErrorIs(t, err, ErrReconstructionFailed)
}

func TestSplitRejectsUnknownMethod(t *testing.T) {
	_, _, err := Split("sss", "secret")
	require.ErrorIs(t, err, ErrInvalidShareFormat)
}

func TestLoadSecretsWhole(t *testing.T) {
	env := map[string]string{
		"MARK_SIGNER_KEY":      "aa11",
		"MARK_BINANCE_API_KEY": "key",
	}
	s, err := LoadSecrets(func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "aa11", s.SignerKey)
	require.Equal(t, "key", s.BinanceAPIKey)
	require.Empty(t, s.BinanceAPISecret)
}

func TestLoadSecretsFromShards(t *testing.T) {
	s1, s2, err := Split(SplitXor, "reconstructed-key")
	require.NoError(t, err)
	env := map[string]string{
		"MARK_SIGNER_KEY_SHARD1": s1,
		"MARK_SIGNER_KEY_SHARD2": s2,
		"MARK_SIGNER_KEY_SPLIT":  SplitXor,
	}
	s, err := LoadSecrets(func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "reconstructed-key", s.SignerKey)
}

func TestLoadSecretsDefaultsToShamir(t *testing.T) {
	s1, s2, err := Split(SplitShamir, "shamir-default")
	require.NoError(t, err)
	env := map[string]string{
		"MARK_BINANCE_API_SECRET_SHARD1": s1,
		"MARK_BINANCE_API_SECRET_SHARD2": s2,
	}
	s, err := LoadSecrets(func(k string) string { return env[k] })
	require.NoError(t, err)
	require.Equal(t, "shamir-default", s.BinanceAPISecret)
}

func TestLoadSecretsRejectsLoneShard(t *testing.T) {
	env := map[string]string{"MARK_SIGNER_KEY_SHARD1": "shamir$01aa"}
	_, err := LoadSecrets(func(k string) string { return env[k] })
	require.ErrorIs(t, err, ErrInvalidShareFormat)
}
