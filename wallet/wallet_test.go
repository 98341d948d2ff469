package wallet

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

const (
	testKey  = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testAddr = "0x71562b71999873DB5b286dF957af199Ec94617F7"
)

func TestLocalSignerAddress(t *testing.T) {
	s, err := NewLocalSigner(testKey)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(testAddr), s.Address())
	require.Equal(t, types.SubmissionOnchain, s.Kind())

	_, err = NewLocalSigner("not-a-key")
	require.Error(t, err)

	// 0x prefix is tolerated.
	s2, err := NewLocalSigner("0x" + testKey)
	require.NoError(t, err)
	require.Equal(t, s.Address(), s2.Address())
}

func TestLocalSignerSignTx(t *testing.T) {
	s, err := NewLocalSigner(testKey)
	require.NoError(t, err)

	chainID := big.NewInt(10)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := gtypes.NewTx(&gtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	signed, err := s.SignTx(context.Background(), chainID, tx)
	require.NoError(t, err)

	sender, err := gtypes.Sender(gtypes.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	require.Equal(t, s.Address(), sender)
}

func newTestProposer(t *testing.T, handler http.Handler) (*SafeProposer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	delegate, err := NewLocalSigner(testKey)
	require.NoError(t, err)
	safe := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return NewSafeProposer(10, safe, srv.URL, delegate, log.Root()), srv
}

func TestSafeProposerPropose(t *testing.T) {
	var posted map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/safes/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"nonce": 42})
	})
	mux.HandleFunc("POST /api/v1/safes/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		w.WriteHeader(http.StatusCreated)
	})
	p, _ := newTestProposer(t, mux)

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	id, err := p.Propose(context.Background(), to, big.NewInt(5), []byte{0xde, 0xad})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Equal(t, float64(42), posted["nonce"])
	require.Equal(t, id, posted["contractTransactionHash"])
	require.Equal(t, to.Hex(), posted["to"])
	require.Equal(t, "0xdead", posted["data"])
	require.Equal(t, p.delegate.Address().Hex(), posted["sender"])
	require.NotEmpty(t, posted["signature"])
}

func TestSafeTransactionHashDeterministic(t *testing.T) {
	delegate, err := NewLocalSigner(testKey)
	require.NoError(t, err)
	safe := common.HexToAddress("0x2222222222222222222222222222222222222222")
	p := NewSafeProposer(10, safe, "http://unused", delegate, log.Root())

	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	h1 := p.transactionHash(to, big.NewInt(5), []byte{0x01}, 3)
	h2 := p.transactionHash(to, big.NewInt(5), []byte{0x01}, 3)
	require.Equal(t, h1, h2)

	// Any input change moves the digest.
	require.NotEqual(t, h1, p.transactionHash(to, big.NewInt(6), []byte{0x01}, 3))
	require.NotEqual(t, h1, p.transactionHash(to, big.NewInt(5), []byte{0x02}, 3))
	require.NotEqual(t, h1, p.transactionHash(to, big.NewInt(5), []byte{0x01}, 4))
}

func TestSafeProposerExecution(t *testing.T) {
	states := map[string]any{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/multisig-transactions/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(states)
	})
	p, _ := newTestProposer(t, mux)

	// Pending: not executed yet.
	states = map[string]any{"isExecuted": false}
	_, done, err := p.Execution(context.Background(), "0xabc")
	require.NoError(t, err)
	require.False(t, done)

	// Executed successfully.
	ok := true
	hash := "0x37b985d1ee4192da8a87a2c84cd735f98b4b63b2c54b5a94cd12ab093a81cbd6"
	states = map[string]any{"isExecuted": true, "isSuccessful": ok, "transactionHash": hash}
	got, done, err := p.Execution(context.Background(), "0xabc")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, common.HexToHash(hash), got)

	// Executed but reverted surfaces as an error.
	states = map[string]any{"isExecuted": true, "isSuccessful": false, "transactionHash": hash}
	_, _, err = p.Execution(context.Background(), "0xabc")
	require.Error(t, err)
}

func walletConfig(kind string) *config.Config {
	cfg := config.Defaults()
	cfg.Wallet.Kind = kind
	cfg.Chains["10"] = &config.ChainConfig{
		Providers:   []string{"http://unused"},
		SafeAddress: common.HexToAddress("0x2222222222222222222222222222222222222222"),
		SafeService: "http://safe.unused",
	}
	cfg.Chains["728126428"] = &config.ChainConfig{
		Providers:     []string{"http://unused"},
		AddressFormat: "base58",
	}
	return cfg
}

func TestServiceEOAMode(t *testing.T) {
	cfg := walletConfig("eoa")
	svc, err := NewService(cfg, &config.Secrets{SignerKey: testKey}, log.Root())
	require.NoError(t, err)

	w, err := svc.ForChain(10)
	require.NoError(t, err)
	require.Equal(t, types.SubmissionOnchain, w.Kind())
	require.Equal(t, common.HexToAddress(testAddr), w.Address())
	require.Equal(t, common.HexToAddress(testAddr), svc.OwnerAddress(10))
}

func TestServiceZodiacMode(t *testing.T) {
	cfg := walletConfig("zodiac")
	svc, err := NewService(cfg, &config.Secrets{SignerKey: testKey}, log.Root())
	require.NoError(t, err)

	w, err := svc.ForChain(10)
	require.NoError(t, err)
	require.Equal(t, types.SubmissionProposal, w.Kind())
	require.Equal(t, cfg.Chains["10"].SafeAddress, w.Address())

	// Inventory accrues at the Safe, gas at the signer.
	require.Equal(t, cfg.Chains["10"].SafeAddress, svc.OwnerAddress(10))
	require.Equal(t, common.HexToAddress(testAddr), svc.SignerAddress())

	// Chains without a Safe fall back to the signer.
	w, err = svc.ForChain(728126428)
	require.NoError(t, err)
	require.Equal(t, types.SubmissionOnchain, w.Kind())
}

func TestServiceRequiresKey(t *testing.T) {
	cfg := walletConfig("eoa")
	_, err := NewService(cfg, &config.Secrets{}, log.Root())
	require.ErrorIs(t, err, ErrNoSigner)
}
