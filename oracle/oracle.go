// Package oracle aggregates the service's view of its own funds: token
// balances per ticker and chain, native gas balances, and the amounts
// the hub custodies per ticker and domain. Every tick produces one
// Snapshot; individual read failures record a zero so one unhealthy
// chain cannot stall the loops.
package oracle

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/everclear-net/mark/chainclient"
	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/hub"
	"github.com/everclear-net/mark/num"
	"github.com/everclear-net/mark/types"
	"github.com/everclear-net/mark/wallet"
)

// fanout bounds concurrent RPC reads across chains.
const fanout = 8

// Snapshot is one tick's view of the inventory. All token amounts are
// canonical 18-decimal; gas balances stay in native wei.
type Snapshot struct {
	// Balances[ticker][chain] is the owner's balance of the ticker's
	// asset on the chain.
	Balances map[common.Hash]map[uint64]*big.Int
	// Gas[chain] is the signer's native balance.
	Gas map[uint64]*big.Int
	// Custodied[ticker][chain] is the hub-custodied amount awaiting
	// settlement toward the chain.
	Custodied map[common.Hash]map[uint64]*big.Int
}

// Balance returns the held balance, zero when unknown.
func (s *Snapshot) Balance(ticker common.Hash, chain uint64) *big.Int {
	if m := s.Balances[ticker]; m != nil && m[chain] != nil {
		return m[chain]
	}
	return new(big.Int)
}

// CustodiedAmount returns the custodied amount, zero when unknown.
func (s *Snapshot) CustodiedAmount(ticker common.Hash, chain uint64) *big.Int {
	if m := s.Custodied[ticker]; m != nil && m[chain] != nil {
		return m[chain]
	}
	return new(big.Int)
}

// Oracle reads balances through the chain clients and the hub contract.
type Oracle struct {
	cfg     *config.Config
	clients *chainclient.Service
	wallets *wallet.Service
	log     log.Logger
}

// New builds the oracle.
func New(cfg *config.Config, clients *chainclient.Service, wallets *wallet.Service, logger log.Logger) *Oracle {
	return &Oracle{cfg: cfg, clients: clients, wallets: wallets, log: logger}
}

// Snapshot fans out over every configured (chain, asset) pair plus the
// hub custody ledger and assembles the tick's view. It never fails as a
// whole: unreadable entries are logged and recorded as zero.
func (o *Oracle) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Balances:  make(map[common.Hash]map[uint64]*big.Int),
		Gas:       make(map[uint64]*big.Int),
		Custodied: make(map[common.Hash]map[uint64]*big.Int),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)

	for _, chain := range o.cfg.ChainIDs() {
		chain := chain
		cc, err := o.cfg.Chain(chain)
		if err != nil {
			continue
		}

		g.Go(func() error {
			gas := o.gasBalance(gctx, chain)
			mu.Lock()
			snap.Gas[chain] = gas
			mu.Unlock()
			return nil
		})

		for _, entry := range cc.Assets {
			entry := entry
			asset, err := o.cfg.AssetByAddress(chain, entry.Address)
			if err != nil {
				continue
			}
			g.Go(func() error {
				bal := o.tokenBalance(gctx, chain, asset.Address, asset.IsNative)
				canonical, cerr := num.ToCanonical(bal, asset.Decimals)
				if cerr != nil {
					o.log.Warn("Balance normalization failed", "chain", chain, "asset", asset.Symbol, "err", cerr)
					canonical = new(big.Int)
				}
				mu.Lock()
				if snap.Balances[asset.TickerHash] == nil {
					snap.Balances[asset.TickerHash] = make(map[uint64]*big.Int)
				}
				snap.Balances[asset.TickerHash][chain] = canonical
				mu.Unlock()
				return nil
			})

			ticker := asset.TickerHash
			g.Go(func() error {
				amount := o.custodied(gctx, ticker, chain)
				mu.Lock()
				if snap.Custodied[ticker] == nil {
					snap.Custodied[ticker] = make(map[uint64]*big.Int)
				}
				snap.Custodied[ticker][chain] = amount
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()
	return snap
}

// gasBalance reads the signer's native balance on a chain. Gas is paid
// by the signing EOA even in Zodiac mode.
func (o *Oracle) gasBalance(ctx context.Context, chain uint64) *big.Int {
	client, err := o.clients.Client(chain)
	if err != nil {
		o.log.Warn("Gas balance unavailable", "chain", chain, "err", err)
		return new(big.Int)
	}
	bal, err := client.NativeBalance(ctx, o.wallets.SignerAddress())
	if err != nil {
		o.log.Warn("Gas balance read failed", "chain", chain, "err", err)
		return new(big.Int)
	}
	return bal
}

// tokenBalance reads the inventory owner's balance of one asset in its
// native decimals. Native assets read the account balance; tokens read
// balanceOf. In Zodiac mode the owner is the chain's Safe.
func (o *Oracle) tokenBalance(ctx context.Context, chain uint64, asset common.Address, isNative bool) *big.Int {
	client, err := o.clients.Client(chain)
	if err != nil {
		o.log.Warn("Balance unavailable", "chain", chain, "asset", asset, "err", err)
		return new(big.Int)
	}
	owner := o.wallets.OwnerAddress(chain)
	var bal *big.Int
	if isNative {
		bal, err = client.NativeBalance(ctx, owner)
	} else {
		bal, err = client.TokenBalance(ctx, asset, owner)
	}
	if err != nil {
		o.log.Warn("Balance read failed", "chain", chain, "asset", asset, "err", err)
		return new(big.Int)
	}
	return bal
}

// custodied reads the hub custody ledger entry for (ticker, domain).
// The hub tracks custody in canonical 18-decimal units already.
func (o *Oracle) custodied(ctx context.Context, ticker common.Hash, domain uint64) *big.Int {
	hubChain, err := o.cfg.Chain(o.cfg.Hub.Domain)
	if err != nil || hubChain.Deployments.Everclear == (common.Address{}) {
		return new(big.Int)
	}
	client, err := o.clients.Client(o.cfg.Hub.Domain)
	if err != nil {
		o.log.Warn("Hub client unavailable", "err", err)
		return new(big.Int)
	}
	data, err := hub.PackCustodiedAssets(types.AssetHash(ticker, domain))
	if err != nil {
		o.log.Warn("Custody pack failed", "ticker", ticker, "domain", domain, "err", err)
		return new(big.Int)
	}
	ret, err := client.CallView(ctx, hubChain.Deployments.Everclear, data)
	if err != nil {
		o.log.Warn("Custody read failed", "ticker", ticker, "domain", domain, "err", err)
		return new(big.Int)
	}
	amount, err := hub.UnpackCustodiedAssets(ret)
	if err != nil {
		o.log.Warn("Custody decode failed", "ticker", ticker, "domain", domain, "err", err)
		return new(big.Int)
	}
	return amount
}
