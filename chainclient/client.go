// Package chainclient wraps JSON-RPC access to every configured chain:
// balance and contract reads, log filtering, transaction submission with
// confirmation tracking, and raw escape hatches for RPC methods the
// typed client does not cover. Every operation retries transient
// failures and rotates across the chain's providers.
package chainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/retry"
)

const (
	// ReadTimeout bounds individual read calls.
	ReadTimeout = 10 * time.Second
	// SubmitTimeout bounds building, signing and broadcasting one
	// transaction, excluding confirmation tracking.
	SubmitTimeout = 45 * time.Second

	receiptPollInterval = 2 * time.Second
)

// Service hands out one lazily-dialed Client per configured chain.
type Service struct {
	cfg *config.Config
	log log.Logger

	mu      sync.Mutex
	clients map[uint64]*Client
}

// NewService creates the client registry. Connections are established
// on first use per chain.
func NewService(cfg *config.Config, logger log.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     logger,
		clients: make(map[uint64]*Client),
	}
}

// Client returns the client for a chain, dialing it if needed.
func (s *Service) Client(chain uint64) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[chain]; ok {
		return c, nil
	}
	cc, err := s.cfg.Chain(chain)
	if err != nil {
		return nil, err
	}
	c := newClient(chain, cc, s.log.New("chain", chain))
	s.clients[chain] = c
	return c, nil
}

// Close tears down every dialed connection.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[uint64]*Client)
}

// Client talks to one chain through an ordered provider list. The first
// provider is primary; later entries are used when it misbehaves.
type Client struct {
	chainID       uint64
	urls          []string
	confirmations uint64
	log           log.Logger

	mu   sync.Mutex
	idx  int
	conn *rpc.Client
	eth  *ethclient.Client
}

func newClient(chainID uint64, cc *config.ChainConfig, logger log.Logger) *Client {
	confs := cc.Confirmations
	if confs == 0 {
		confs = 1
	}
	return &Client{
		chainID:       chainID,
		urls:          append([]string(nil), cc.Providers...),
		confirmations: confs,
		log:           logger,
	}
}

// ChainID returns the chain this client serves.
func (c *Client) ChainID() uint64 { return c.chainID }

// Confirmations returns the configured confirmation depth.
func (c *Client) Confirmations() uint64 { return c.confirmations }

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn, c.eth = nil, nil
	}
}

// connect returns the current connection, dialing the provider at the
// current rotation index if necessary.
func (c *Client) connect(ctx context.Context) (*ethclient.Client, *rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.eth, c.conn, nil
	}
	url := c.urls[c.idx%len(c.urls)]
	conn, err := rpc.DialContext(ctx, url)
	if err != nil {
		c.idx++
		return nil, nil, fmt.Errorf("chain %d: dial %s: %w", c.chainID, url, err)
	}
	c.conn = conn
	c.eth = ethclient.NewClient(conn)
	return c.eth, c.conn, nil
}

// rotate drops the current connection and advances to the next provider.
func (c *Client) rotate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn, c.eth = nil, nil
	}
	c.idx++
	c.log.Warn("Rotating to fallback provider", "next", c.urls[c.idx%len(c.urls)])
}

// do runs fn against each provider in turn until it succeeds or returns
// a non-transient error. One full rotation exhausts the attempt.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context, eth *ethclient.Client, raw *rpc.Client) error) error {
	var last error
	for i := 0; i < len(c.urls); i++ {
		eth, raw, err := c.connect(ctx)
		if err != nil {
			last = err
			continue
		}
		if err := fn(ctx, eth, raw); err != nil {
			last = err
			if !retry.Transient(err) {
				return err
			}
			c.rotate()
			continue
		}
		return nil
	}
	return last
}

// read runs fn under the read timeout and the default retry policy,
// rotating providers inside each attempt.
func (c *Client) read(ctx context.Context, fn func(ctx context.Context, eth *ethclient.Client, raw *rpc.Client) error) error {
	return retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, ReadTimeout)
		defer cancel()
		return c.do(rctx, fn)
	})
}

// NativeBalance returns the chain-native balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := c.read(ctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		bal, err := eth.BalanceAt(ctx, addr, nil)
		if err != nil {
			return err
		}
		out = bal
		return nil
	})
	return out, err
}

// TokenBalance returns holder's balance of an ERC20 token.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(holder)
	if err != nil {
		return nil, err
	}
	ret, err := c.CallView(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(ret), nil
}

// Allowance returns the ERC20 allowance owner has granted spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	ret, err := c.CallView(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(ret), nil
}

// CallView executes a read-only contract call at the latest block.
func (c *Client) CallView(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.read(ctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		ret, err := eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if err != nil {
			return err
		}
		out = ret
		return nil
	})
	return out, err
}

// Receipt fetches a transaction receipt. ethereum.NotFound passes
// through untouched so callers can poll.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	var out *gtypes.Receipt
	err := c.read(ctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		r, err := eth.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// RawReceipt fetches a receipt as raw JSON, preserving chain-specific
// extension fields the typed receipt drops (e.g. ZK-rollup batch
// numbers and L2-to-L1 logs).
func (c *Client) RawReceipt(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.read(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		var msg json.RawMessage
		if err := raw.CallContext(ctx, &msg, "eth_getTransactionReceipt", hash); err != nil {
			return err
		}
		if len(msg) == 0 || string(msg) == "null" {
			return ethereum.NotFound
		}
		out = msg
		return nil
	})
	return out, err
}

// RawCall invokes an arbitrary RPC method, for provider-specific
// namespaces like zks_.
func (c *Client) RawCall(ctx context.Context, result any, method string, args ...any) error {
	return c.read(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		return raw.CallContext(ctx, result, method, args...)
	})
}

// FilterLogs runs an eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gtypes.Log, error) {
	var out []gtypes.Log
	err := c.read(ctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		logs, err := eth.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		out = logs
		return nil
	})
	return out, err
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := c.read(ctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		n, err := eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// HeaderByNumber returns a block header; nil number means latest.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gtypes.Header, error) {
	var out *gtypes.Header
	err := c.read(ctx, func(ctx context.Context, eth *ethclient.Client, _ *rpc.Client) error {
		h, err := eth.HeaderByNumber(ctx, number)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// Proof returns a Merkle-Patricia account/storage proof, used by rollup
// withdrawal proving.
func (c *Client) Proof(ctx context.Context, account common.Address, keys []string, blockNumber *big.Int) (*gethclient.AccountResult, error) {
	var out *gethclient.AccountResult
	err := c.read(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		res, err := gethclient.New(raw).GetProof(ctx, account, keys, blockNumber)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
