package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/everclear-net/mark/types"
)

// purchasePrefix namespaces purchase records inside the database so the
// cache can grow other record kinds later without a format break.
var purchasePrefix = []byte("purchase/")

// PurchaseCache is the restart-safe memory of submitted purchases. Each
// record shadows its invoice until the hub reports a terminal intent
// status or the TTL runs out, whichever comes first.
type PurchaseCache struct {
	db  *leveldb.DB
	ttl time.Duration
	log log.Logger

	now func() time.Time
}

// OpenPurchaseCache opens (or creates) the cache under dir.
func OpenPurchaseCache(dir string, ttl time.Duration, logger log.Logger) (*PurchaseCache, error) {
	db, err := leveldb.OpenFile(filepath.Join(dir, "purchases"), nil)
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(filepath.Join(dir, "purchases"), nil)
		}
		if err != nil {
			return nil, fmt.Errorf("store: open purchase cache: %w", err)
		}
	}
	return &PurchaseCache{db: db, ttl: ttl, log: logger, now: time.Now}, nil
}

// Close flushes and closes the database.
func (c *PurchaseCache) Close() error { return c.db.Close() }

func purchaseKey(invoiceID string) []byte {
	return append(append([]byte(nil), purchasePrefix...), invoiceID...)
}

// Add stores a record keyed by its invoice id.
func (c *PurchaseCache) Add(rec *types.PurchaseRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode purchase: %w", err)
	}
	if err := c.db.Put(purchaseKey(rec.InvoiceID), raw, nil); err != nil {
		return fmt.Errorf("store: write purchase: %w", err)
	}
	return nil
}

// Get returns the live record for an invoice. Expired records count as
// absent and are deleted on sight.
func (c *PurchaseCache) Get(invoiceID string) (*types.PurchaseRecord, error) {
	raw, err := c.db.Get(purchaseKey(invoiceID), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: purchase %s", ErrNotFound, invoiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read purchase: %w", err)
	}
	var rec types.PurchaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("store: decode purchase %s: %w", invoiceID, err)
	}
	if c.expired(&rec) {
		c.db.Delete(purchaseKey(invoiceID), nil)
		return nil, fmt.Errorf("%w: purchase %s", ErrNotFound, invoiceID)
	}
	return &rec, nil
}

// All returns every live record, dropping expired ones as it goes.
func (c *PurchaseCache) All() ([]*types.PurchaseRecord, error) {
	iter := c.db.NewIterator(util.BytesPrefix(purchasePrefix), nil)
	defer iter.Release()
	var out []*types.PurchaseRecord
	for iter.Next() {
		var rec types.PurchaseRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			c.log.Warn("Dropping undecodable purchase record", "key", string(iter.Key()), "err", err)
			c.db.Delete(append([]byte(nil), iter.Key()...), nil)
			continue
		}
		if c.expired(&rec) {
			c.db.Delete(append([]byte(nil), iter.Key()...), nil)
			continue
		}
		out = append(out, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: scan purchases: %w", err)
	}
	return out, nil
}

// Remove evicts an invoice's record.
func (c *PurchaseCache) Remove(invoiceID string) error {
	if err := c.db.Delete(purchaseKey(invoiceID), nil); err != nil {
		return fmt.Errorf("store: remove purchase: %w", err)
	}
	return nil
}

func (c *PurchaseCache) expired(rec *types.PurchaseRecord) bool {
	return c.ttl > 0 && c.now().Sub(rec.CreatedAt) > c.ttl
}
