// Package config loads and validates the poller's TOML configuration:
// chains and their providers, tracked assets, declared rebalance routes,
// hub access and wallet mode. Secret material never lives in the file;
// it is reconstructed from environment shards at startup.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"

	"github.com/everclear-net/mark/types"
)

// These settings ensure that TOML keys use the same names as Go struct
// fields, and that unknown keys surface as warnings instead of silently
// disappearing.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		log.Warn("Config file field not defined", "field", fmt.Sprintf("%s.%s", rt.Name(), field), "hint", link)
		return nil
	},
}

var (
	ErrMissingChain = errors.New("config: chain not configured")
	ErrMissingAsset = errors.New("config: asset not configured")
)

// Config is the root of the TOML file.
type Config struct {
	// Environment tags log lines and metrics, e.g. "mainnet", "staging".
	Environment string

	// PurchaseIntervalSeconds and RebalanceIntervalSeconds drive the two
	// loops. Each tick also inherits its interval as its deadline.
	PurchaseIntervalSeconds  uint64
	RebalanceIntervalSeconds uint64

	// InvoiceAgeSeconds is the minimum queue age before an invoice is
	// considered purchasable.
	InvoiceAgeSeconds uint64

	// ForceOldestInvoice makes the purchase loop stop at the first
	// invoice of a ticker it cannot buy, preserving hub queue order.
	ForceOldestInvoice bool

	// SupportedSettlementDomains orders the chains the planner may pull
	// liquidity from. Its length also bounds the planner's first
	// allocation pass.
	SupportedSettlementDomains []uint64

	// SupportedAssets is the symbol allow-list.
	SupportedAssets []string

	// PurchaseCacheTTLSeconds bounds how long a submitted purchase keeps
	// its invoice reserved while the hub catches up.
	PurchaseCacheTTLSeconds uint64

	// EarmarkExpirySeconds is the queue age past which an unready
	// earmark expires and releases its invoice claim.
	EarmarkExpirySeconds uint64

	// CacheDir holds the local purchase-record database.
	CacheDir string

	Hub      HubConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
	Wallet   WalletConfig
	Binance  BinanceConfig
	Across   AcrossConfig

	Chains map[string]*ChainConfig
	Routes []*RouteConfig
}

// HubConfig locates the clearing hub: its REST API and its domain. The
// hub chain itself must also appear under Chains with the hub contract
// as its Everclear deployment.
type HubConfig struct {
	Domain uint64
	APIURL string
	// RequestTimeoutSeconds bounds individual API calls. Zero means 10s.
	RequestTimeoutSeconds uint64
}

// DatabaseConfig selects the persistent store. An empty DSN switches to
// the in-memory store, which is only suitable for tests and dry runs.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime uint64 // seconds
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// WalletConfig selects how transactions leave the service. Kind "eoa"
// signs locally (or via a remote signer when RemoteSigner is set); kind
// "zodiac" routes spends through per-chain Safes, with transactions
// queued as multisig proposals.
type WalletConfig struct {
	Kind         string // "eoa" | "zodiac"
	Address      common.Address
	RemoteSigner string // JSON-RPC signer endpoint; empty = in-process key
}

// BinanceConfig points the CEX adapter at an API host. Credentials come
// from the environment, never from this file.
type BinanceConfig struct {
	APIURL string
	// AssetRefreshSeconds bounds the coin/network mapping cache. Zero
	// means 10 minutes.
	AssetRefreshSeconds uint64
}

// AcrossConfig points the Across adapter at the fee-quote API.
type AcrossConfig struct {
	APIURL string
}

// ChainConfig describes one chain: how to reach it, what we hold there
// and where the protocol contracts live.
type ChainConfig struct {
	Providers     []string
	Confirmations uint64
	// AddressFormat is "hex" (default) or "base58" for chains whose
	// account strings are base58check-encoded.
	AddressFormat string

	// GasThreshold alerts when the signer's native balance drops under
	// it. Bandwidth/Energy thresholds apply to base58-format chains.
	GasThreshold       *math.HexOrDecimal256
	BandwidthThreshold *math.HexOrDecimal256
	EnergyThreshold    *math.HexOrDecimal256

	// SafeAddress and SafeService configure the Zodiac wallet on this
	// chain: the Safe that owns funds and the transaction service that
	// queues proposals.
	SafeAddress common.Address
	SafeService string

	Assets      []*AssetEntry
	Deployments Deployments
}

// AssetEntry is one tracked token on one chain.
type AssetEntry struct {
	Symbol     string
	Address    common.Address
	Decimals   uint8
	TickerHash common.Hash // derived from Symbol when zero
	IsNative   bool
	IsXerc20   bool
	// BalanceThreshold alerts when the held balance drops under it,
	// denominated in native token units.
	BalanceThreshold *math.HexOrDecimal256
}

// Deployments lists the contract addresses an adapter may need on this
// chain. Rollup entries carry both their L1-side and L2-side contracts
// under the rollup's own chain entry.
type Deployments struct {
	Everclear  common.Address // spoke, or the hub contract on the hub domain
	Multicall3 common.Address
	Permit2    common.Address
	WETH       common.Address

	AcrossSpokePool common.Address

	// OP-stack family. Portal, L1StandardBridge and L2OutputOracle are
	// L1-side addresses for this rollup.
	OptimismPortal      common.Address
	L1StandardBridge    common.Address
	L2OutputOracle      common.Address
	L2StandardBridge    common.Address
	L2ToL1MessagePasser common.Address

	// ZK-rollup family. Diamond and L1SharedBridge are L1-side.
	ZkDiamond        common.Address
	ZkL1SharedBridge common.Address
	ZkL2Bridge       common.Address

	// Liquid-staking composite.
	MethStaking common.Address
	MethToken   common.Address
}

// RouteConfig declares one rebalance route and its execution policy.
type RouteConfig struct {
	Origin           uint64
	Destination      uint64
	Asset            common.Address
	DestinationAsset common.Address

	// Preferences orders bridge adapters for the main leg;
	// SlippagesDbps aligns with it one-to-one.
	Preferences   []string
	SlippagesDbps []int64

	// SwapPreferences orders adapters for a same-chain swap leg when the
	// route needs one. SwapSlippageDbps bounds that leg.
	SwapPreferences  []string
	SwapSlippageDbps int64

	// Maximum is the high-water mark on the origin: balances above it
	// trigger a top-up toward the destination down to Reserve. Both are
	// in origin native units.
	Maximum *math.HexOrDecimal256
	Reserve *math.HexOrDecimal256
}

// Route returns the declared route triple.
func (rc *RouteConfig) Route() types.Route {
	return types.Route{
		Origin:           rc.Origin,
		Destination:      rc.Destination,
		Asset:            rc.Asset,
		DestinationAsset: rc.DestinationAsset,
	}
}

// SlippageFor returns the configured cap for a bridge tag, or -1 when
// the tag is not among the route's preferences.
func (rc *RouteConfig) SlippageFor(tag string) int64 {
	for i, p := range rc.Preferences {
		if p == tag && i < len(rc.SlippagesDbps) {
			return rc.SlippagesDbps[i]
		}
	}
	return -1
}

// Load reads and decodes the TOML file at path into cfg.
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Dump encodes cfg back to TOML, for the dumpconfig command.
func Dump(cfg *Config) ([]byte, error) {
	return tomlSettings.Marshal(cfg)
}

// Defaults returns a config with the documented fallback values filled
// in. Load overrides whatever the file specifies.
func Defaults() *Config {
	return &Config{
		Environment:              "local",
		PurchaseIntervalSeconds:  30,
		RebalanceIntervalSeconds: 300,
		InvoiceAgeSeconds:        600,
		PurchaseCacheTTLSeconds:  900,
		EarmarkExpirySeconds:     86_400,
		CacheDir:                 "markdata",
		Hub:                      HubConfig{RequestTimeoutSeconds: 10},
		Metrics:                  MetricsConfig{Host: "127.0.0.1", Port: 9090},
		Binance:                  BinanceConfig{APIURL: "https://api.binance.com", AssetRefreshSeconds: 600},
		Across:                   AcrossConfig{APIURL: "https://app.across.to/api"},
		Chains:                   make(map[string]*ChainConfig),
	}
}

// PurchaseInterval returns the purchase loop cadence.
func (c *Config) PurchaseInterval() time.Duration {
	return time.Duration(c.PurchaseIntervalSeconds) * time.Second
}

// RebalanceInterval returns the rebalance loop cadence.
func (c *Config) RebalanceInterval() time.Duration {
	return time.Duration(c.RebalanceIntervalSeconds) * time.Second
}

// InvoiceAge returns the minimum purchasable queue age.
func (c *Config) InvoiceAge() time.Duration {
	return time.Duration(c.InvoiceAgeSeconds) * time.Second
}

// PurchaseCacheTTL returns how long purchase records shadow the hub.
func (c *Config) PurchaseCacheTTL() time.Duration {
	return time.Duration(c.PurchaseCacheTTLSeconds) * time.Second
}

// EarmarkExpiry returns the queue age at which unready earmarks lapse.
func (c *Config) EarmarkExpiry() time.Duration {
	return time.Duration(c.EarmarkExpirySeconds) * time.Second
}

// Chain resolves a chain's configuration by id.
func (c *Config) Chain(id uint64) (*ChainConfig, error) {
	cc, ok := c.Chains[strconv.FormatUint(id, 10)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingChain, id)
	}
	return cc, nil
}

// ChainIDs returns every configured chain id.
func (c *Config) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Chains))
	for key := range c.Chains {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// TickerFor derives the canonical ticker hash of a symbol:
// keccak256 of the upper-cased symbol string.
func TickerFor(symbol string) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.ToUpper(symbol)))
}

// AssetByTicker resolves a tracked asset on a chain by ticker hash.
func (c *Config) AssetByTicker(chain uint64, ticker common.Hash) (*types.AssetConfig, error) {
	cc, err := c.Chain(chain)
	if err != nil {
		return nil, err
	}
	for _, a := range cc.Assets {
		if a.ticker() == ticker {
			return a.resolve(), nil
		}
	}
	return nil, fmt.Errorf("%w: ticker %s on chain %d", ErrMissingAsset, ticker, chain)
}

// AssetByAddress resolves a tracked asset on a chain by token address.
func (c *Config) AssetByAddress(chain uint64, addr common.Address) (*types.AssetConfig, error) {
	cc, err := c.Chain(chain)
	if err != nil {
		return nil, err
	}
	for _, a := range cc.Assets {
		if a.Address == addr {
			return a.resolve(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s on chain %d", ErrMissingAsset, addr.Hex(), chain)
}

// RoutesFrom returns the declared routes starting on the given chain
// for the given ticker.
func (c *Config) RoutesFrom(origin uint64, ticker common.Hash) []*RouteConfig {
	var out []*RouteConfig
	for _, rc := range c.Routes {
		if rc.Origin != origin {
			continue
		}
		if a, err := c.AssetByAddress(origin, rc.Asset); err == nil && a.TickerHash == ticker {
			out = append(out, rc)
		}
	}
	return out
}

// RouteBetween returns the declared route between two chains for a
// ticker, or nil when none is configured.
func (c *Config) RouteBetween(origin, destination uint64, ticker common.Hash) *RouteConfig {
	for _, rc := range c.RoutesFrom(origin, ticker) {
		if rc.Destination == destination {
			return rc
		}
	}
	return nil
}

func (a *AssetEntry) ticker() common.Hash {
	if a.TickerHash != (common.Hash{}) {
		return a.TickerHash
	}
	return TickerFor(a.Symbol)
}

func (a *AssetEntry) resolve() *types.AssetConfig {
	out := &types.AssetConfig{
		Address:    a.Address,
		Symbol:     a.Symbol,
		Decimals:   a.Decimals,
		TickerHash: a.ticker(),
		IsNative:   a.IsNative,
		IsXerc20:   a.IsXerc20,
	}
	if a.BalanceThreshold != nil {
		out.BalanceThreshold = (*big.Int)(a.BalanceThreshold)
	}
	return out
}

// Validate checks cross-references and ranges. It is called once at
// startup; a failed validation is fatal.
func (c *Config) Validate() error {
	if c.PurchaseIntervalSeconds == 0 {
		return errors.New("config: PurchaseIntervalSeconds must be positive")
	}
	if c.RebalanceIntervalSeconds == 0 {
		return errors.New("config: RebalanceIntervalSeconds must be positive")
	}
	if c.Hub.Domain == 0 {
		return errors.New("config: Hub.Domain is required")
	}
	if c.Hub.APIURL == "" {
		return errors.New("config: Hub.APIURL is required")
	}
	if _, err := c.Chain(c.Hub.Domain); err != nil {
		return fmt.Errorf("config: hub domain %d missing from Chains", c.Hub.Domain)
	}
	switch c.Wallet.Kind {
	case "", "eoa", "zodiac":
	default:
		return fmt.Errorf("config: unknown Wallet.Kind %q", c.Wallet.Kind)
	}

	for key, cc := range c.Chains {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("config: chain key %q is not a chain id", key)
		}
		if len(cc.Providers) == 0 {
			return fmt.Errorf("config: chain %d has no providers", id)
		}
		switch cc.AddressFormat {
		case "", "hex", "base58":
		default:
			return fmt.Errorf("config: chain %d: unknown AddressFormat %q", id, cc.AddressFormat)
		}
		if c.Wallet.Kind == "zodiac" && cc.AddressFormat != "base58" {
			if cc.SafeAddress == (common.Address{}) {
				return fmt.Errorf("config: chain %d: zodiac wallet needs SafeAddress", id)
			}
			if cc.SafeService == "" {
				return fmt.Errorf("config: chain %d: zodiac wallet needs SafeService", id)
			}
		}
		for _, a := range cc.Assets {
			if a.Symbol == "" {
				return fmt.Errorf("config: chain %d: asset with empty symbol", id)
			}
			if a.Decimals > 18 {
				return fmt.Errorf("config: chain %d: asset %s has %d decimals, max 18", id, a.Symbol, a.Decimals)
			}
		}
	}

	for i, rc := range c.Routes {
		if _, err := c.Chain(rc.Origin); err != nil {
			return fmt.Errorf("config: route %d: origin %d not configured", i, rc.Origin)
		}
		if _, err := c.Chain(rc.Destination); err != nil {
			return fmt.Errorf("config: route %d: destination %d not configured", i, rc.Destination)
		}
		if _, err := c.AssetByAddress(rc.Origin, rc.Asset); err != nil {
			return fmt.Errorf("config: route %d: asset %s not tracked on origin %d", i, rc.Asset.Hex(), rc.Origin)
		}
		if len(rc.Preferences) == 0 {
			return fmt.Errorf("config: route %d: no bridge preferences", i)
		}
		if len(rc.SlippagesDbps) != len(rc.Preferences) {
			return fmt.Errorf("config: route %d: SlippagesDbps must align with Preferences", i)
		}
		for _, s := range rc.SlippagesDbps {
			if s < 0 || s >= types.DbpsDenominator {
				return fmt.Errorf("config: route %d: slippage %d out of range", i, s)
			}
		}
		if rc.SwapSlippageDbps < 0 || rc.SwapSlippageDbps >= types.DbpsDenominator {
			return fmt.Errorf("config: route %d: swap slippage %d out of range", i, rc.SwapSlippageDbps)
		}
		if rc.Maximum != nil && rc.Reserve != nil {
			if (*big.Int)(rc.Maximum).Cmp((*big.Int)(rc.Reserve)) < 0 {
				return fmt.Errorf("config: route %d: Maximum below Reserve", i)
			}
		}
	}
	return nil
}
