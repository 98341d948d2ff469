package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/everclear-net/mark/bridge"
)

const (
	assetCacheSize = 512
	// refreshBackoff floors the forced refresh triggered by a lookup
	// miss, so an unlisted coin cannot hammer the exchange.
	refreshBackoff = 30 * time.Second

	defaultAssetTTL = 10 * time.Minute
)

// assetCatalog caches the exchange's coin/network matrix. The whole
// snapshot refreshes together: on age-out, and once per backoff window
// when a lookup misses, so newly listed rails appear without a restart.
type assetCatalog struct {
	api *apiClient
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries *lru.Cache // "COIN/NETWORK" -> *networkEntry
	fetched time.Time
}

func newAssetCatalog(api *apiClient, ttl time.Duration) *assetCatalog {
	if ttl <= 0 {
		ttl = defaultAssetTTL
	}
	cache, err := lru.New(assetCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &assetCatalog{api: api, ttl: ttl, now: time.Now, entries: cache}
}

func railKey(coin, network string) string { return coin + "/" + network }

// lookup resolves the rail for a coin on a network, refreshing the
// snapshot when it is stale or the rail is unknown.
func (c *assetCatalog) lookup(ctx context.Context, coin, network string) (*networkEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := railKey(coin, network)
	age := c.now().Sub(c.fetched)
	if age < c.ttl {
		if v, ok := c.entries.Get(key); ok {
			return v.(*networkEntry), nil
		}
		if age < refreshBackoff {
			return nil, fmt.Errorf("%w: %s not listed on network %s", bridge.ErrUnsupported, coin, network)
		}
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if v, ok := c.entries.Get(key); ok {
		return v.(*networkEntry), nil
	}
	return nil, fmt.Errorf("%w: %s not listed on network %s", bridge.ErrUnsupported, coin, network)
}

func (c *assetCatalog) refreshLocked(ctx context.Context) error {
	coins, err := c.api.coins(ctx)
	if err != nil {
		return err
	}
	c.entries.Purge()
	for _, ci := range coins {
		for i := range ci.NetworkList {
			e := ci.NetworkList[i]
			if e.Coin == "" {
				e.Coin = ci.Coin
			}
			c.entries.Add(railKey(e.Coin, e.Network), &e)
		}
	}
	c.fetched = c.now()
	return nil
}
