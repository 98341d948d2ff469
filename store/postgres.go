package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/everclear-net/mark/config"
	"github.com/everclear-net/mark/types"
)

// schema is applied idempotently on open. The partial unique index is
// the duplicate-earmark guard; the trigger maintains updated_at.
const schema = `
CREATE TABLE IF NOT EXISTS earmarks (
	id uuid PRIMARY KEY,
	invoice_id text NOT NULL,
	designated_purchase_chain bigint NOT NULL,
	ticker_hash text NOT NULL,
	min_amount text NOT NULL,
	status text NOT NULL CHECK (status IN ('initiating','pending','ready','completed','cancelled','failed','expired')),
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS earmarks_active_invoice
	ON earmarks (invoice_id)
	WHERE status IN ('initiating','pending','ready');

CREATE TABLE IF NOT EXISTS rebalance_operations (
	id uuid PRIMARY KEY,
	earmark_id uuid REFERENCES earmarks(id) ON DELETE CASCADE,
	origin_chain_id bigint NOT NULL,
	destination_chain_id bigint NOT NULL,
	ticker_hash text NOT NULL,
	amount text NOT NULL,
	expected_output text,
	received text,
	slippage bigint NOT NULL,
	bridge text NOT NULL,
	recipient text NOT NULL DEFAULT '',
	tx_hashes jsonb NOT NULL DEFAULT '{}',
	status text NOT NULL CHECK (status IN ('pending','awaiting_callback','completed','expired','cancelled')),
	is_orphaned boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS rebalance_operations_status ON rebalance_operations (status);
CREATE INDEX IF NOT EXISTS rebalance_operations_earmark ON rebalance_operations (earmark_id);

CREATE TABLE IF NOT EXISTS earmark_audit_log (
	id bigserial PRIMARY KEY,
	earmark_id uuid NOT NULL REFERENCES earmarks(id) ON DELETE CASCADE,
	operation text NOT NULL,
	previous_status text,
	new_status text NOT NULL,
	details jsonb,
	timestamp timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS earmark_audit_log_earmark ON earmark_audit_log (earmark_id);

CREATE OR REPLACE FUNCTION mark_set_updated_at() RETURNS trigger AS $$
BEGIN
	NEW.updated_at = now();
	RETURN NEW;
END
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS earmarks_updated_at ON earmarks;
CREATE TRIGGER earmarks_updated_at
	BEFORE UPDATE ON earmarks
	FOR EACH ROW EXECUTE PROCEDURE mark_set_updated_at();

DROP TRIGGER IF EXISTS rebalance_operations_updated_at ON rebalance_operations;
CREATE TRIGGER rebalance_operations_updated_at
	BEFORE UPDATE ON rebalance_operations
	FOR EACH ROW EXECUTE PROCEDURE mark_set_updated_at();
`

// Postgres is the production store.
type Postgres struct {
	db  *sql.DB
	log log.Logger
}

// OpenPostgres connects, applies the schema and returns the store.
func OpenPostgres(cfg *config.DatabaseConfig, logger log.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	logger.Info("Connected to state store")
	return &Postgres{db: db, log: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func isUniqueViolation(err error) bool {
	var pqe *pq.Error
	return errors.As(err, &pqe) && pqe.Code == "23505"
}

// withTx runs fn inside a transaction, committing on nil.
func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func audit(tx *sql.Tx, earmarkID uuid.UUID, event types.AuditEvent, prev, next types.EarmarkStatus, details string) error {
	var detailsJSON any
	if details != "" {
		raw, err := json.Marshal(map[string]string{"details": details})
		if err != nil {
			return err
		}
		detailsJSON = raw
	}
	_, err := tx.Exec(
		`INSERT INTO earmark_audit_log (earmark_id, operation, previous_status, new_status, details) VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
		earmarkID, string(event), string(prev), string(next), detailsJSON)
	return err
}

// CreateEarmark implements Store.
func (p *Postgres) CreateEarmark(ctx context.Context, em *types.Earmark, ops []*types.RebalanceOperation) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO earmarks (id, invoice_id, designated_purchase_chain, ticker_hash, min_amount, status) VALUES ($1, $2, $3, $4, $5, $6)`,
			em.ID, em.InvoiceID, em.DesignatedPurchaseChain, em.TickerHash.Hex(), em.MinAmount.String(), string(em.Status))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: invoice %s", ErrDuplicateEarmark, em.InvoiceID)
			}
			return fmt.Errorf("store: create earmark: %w", err)
		}
		for _, op := range ops {
			if err := insertOperation(tx, op); err != nil {
				return err
			}
		}
		return audit(tx, em.ID, types.AuditCreated, "", em.Status, fmt.Sprintf("%d initial operations", len(ops)))
	})
}

// UpdateEarmarkStatus implements Store.
func (p *Postgres) UpdateEarmarkStatus(ctx context.Context, id uuid.UUID, status types.EarmarkStatus, details string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var prev types.EarmarkStatus
		err := tx.QueryRow(`SELECT status FROM earmarks WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("store: lock earmark: %w", err)
		}
		if !prev.CanTransition(status) {
			return fmt.Errorf("%w: earmark %s: %s -> %s", ErrBadTransition, id, prev, status)
		}
		if _, err := tx.Exec(`UPDATE earmarks SET status = $2 WHERE id = $1`, id, string(status)); err != nil {
			return fmt.Errorf("store: update earmark: %w", err)
		}
		return audit(tx, id, types.AuditStatusChanged, prev, status, details)
	})
}

// RemoveEarmark implements Store. In-flight operations are detached and
// orphaned before the delete so their funds stay tracked; settled ones
// cascade away with the earmark.
func (p *Postgres) RemoveEarmark(ctx context.Context, id uuid.UUID) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE rebalance_operations SET earmark_id = NULL, is_orphaned = true WHERE earmark_id = $1 AND status IN ('pending','awaiting_callback')`,
			id)
		if err != nil {
			return fmt.Errorf("store: orphan operations: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM earmarks WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("store: remove earmark: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
		}
		return nil
	})
}

const earmarkColumns = `id, invoice_id, designated_purchase_chain, ticker_hash, min_amount, status, created_at, updated_at`

func scanEarmark(row interface{ Scan(...any) error }) (*types.Earmark, error) {
	var (
		em        types.Earmark
		ticker    string
		minAmount string
		status    string
	)
	if err := row.Scan(&em.ID, &em.InvoiceID, &em.DesignatedPurchaseChain, &ticker, &minAmount, &status, &em.CreatedAt, &em.UpdatedAt); err != nil {
		return nil, err
	}
	em.TickerHash = common.HexToHash(ticker)
	em.Status = types.EarmarkStatus(status)
	amount, ok := new(big.Int).SetString(minAmount, 10)
	if !ok {
		return nil, fmt.Errorf("store: earmark %s: bad min amount %q", em.ID, minAmount)
	}
	em.MinAmount = amount
	return &em, nil
}

// GetEarmark implements Store.
func (p *Postgres) GetEarmark(ctx context.Context, id uuid.UUID) (*types.Earmark, error) {
	em, err := scanEarmark(p.db.QueryRowContext(ctx, `SELECT `+earmarkColumns+` FROM earmarks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	return em, err
}

// GetEarmarkForInvoice implements Store.
func (p *Postgres) GetEarmarkForInvoice(ctx context.Context, invoiceID string) (*types.Earmark, error) {
	em, err := scanEarmark(p.db.QueryRowContext(ctx,
		`SELECT `+earmarkColumns+` FROM earmarks WHERE invoice_id = $1 AND status IN ('initiating','pending','ready')`,
		invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
	}
	return em, err
}

// GetActiveEarmarksForChain implements Store.
func (p *Postgres) GetActiveEarmarksForChain(ctx context.Context, chain uint64) ([]*types.Earmark, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+earmarkColumns+` FROM earmarks WHERE designated_purchase_chain = $1 AND status IN ('initiating','pending','ready') ORDER BY created_at`,
		chain)
	if err != nil {
		return nil, fmt.Errorf("store: query earmarks: %w", err)
	}
	defer rows.Close()
	var out []*types.Earmark
	for rows.Next() {
		em, err := scanEarmark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, em)
	}
	return out, rows.Err()
}

func insertOperation(tx *sql.Tx, op *types.RebalanceOperation) error {
	txsJSON, err := marshalTxs(op.Transactions)
	if err != nil {
		return err
	}
	var expected any
	if op.ExpectedOutput != nil {
		expected = op.ExpectedOutput.String()
	}
	var received any
	if op.Received != nil {
		received = op.Received.String()
	}
	var earmarkID any
	if op.EarmarkID != nil {
		earmarkID = *op.EarmarkID
	}
	_, err = tx.Exec(
		`INSERT INTO rebalance_operations (id, earmark_id, origin_chain_id, destination_chain_id, ticker_hash, amount, expected_output, received, slippage, bridge, recipient, tx_hashes, status, is_orphaned)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		op.ID, earmarkID, op.Origin, op.Destination, op.TickerHash.Hex(), op.Amount.String(), expected, received,
		op.SlippageDbps, op.Bridge, op.Recipient.Hex(), txsJSON, string(op.Status), op.IsOrphaned)
	if err != nil {
		return fmt.Errorf("store: create operation: %w", err)
	}
	return nil
}

// CreateRebalanceOperation implements Store.
func (p *Postgres) CreateRebalanceOperation(ctx context.Context, op *types.RebalanceOperation) error {
	return p.withTx(ctx, func(tx *sql.Tx) error { return insertOperation(tx, op) })
}

// UpdateRebalanceOperation implements Store.
func (p *Postgres) UpdateRebalanceOperation(ctx context.Context, op *types.RebalanceOperation) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var prev types.OperationStatus
		err := tx.QueryRow(`SELECT status FROM rebalance_operations WHERE id = $1 FOR UPDATE`, op.ID).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: operation %s", ErrNotFound, op.ID)
		}
		if err != nil {
			return fmt.Errorf("store: lock operation: %w", err)
		}
		if prev != op.Status && !prev.CanTransition(op.Status) {
			return fmt.Errorf("%w: operation %s: %s -> %s", ErrBadTransition, op.ID, prev, op.Status)
		}
		txsJSON, err := marshalTxs(op.Transactions)
		if err != nil {
			return err
		}
		var expected any
		if op.ExpectedOutput != nil {
			expected = op.ExpectedOutput.String()
		}
		var received any
		if op.Received != nil {
			received = op.Received.String()
		}
		_, err = tx.Exec(
			`UPDATE rebalance_operations SET status = $2, tx_hashes = $3, expected_output = $4, received = $5, is_orphaned = $6 WHERE id = $1`,
			op.ID, string(op.Status), txsJSON, expected, received, op.IsOrphaned)
		if err != nil {
			return fmt.Errorf("store: update operation: %w", err)
		}
		return nil
	})
}

// CancelRebalanceOperation implements Store.
func (p *Postgres) CancelRebalanceOperation(ctx context.Context, id uuid.UUID, reason string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var (
			prev    types.OperationStatus
			rawEmID sql.NullString
		)
		err := tx.QueryRow(`SELECT status, earmark_id FROM rebalance_operations WHERE id = $1 FOR UPDATE`, id).Scan(&prev, &rawEmID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: operation %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("store: lock operation: %w", err)
		}
		if !prev.CanTransition(types.OperationCancelled) {
			return fmt.Errorf("%w: operation %s: %s -> cancelled", ErrBadTransition, id, prev)
		}
		_, err = tx.Exec(
			`UPDATE rebalance_operations SET status = 'cancelled', is_orphaned = $2 WHERE id = $1`,
			id, rawEmID.Valid)
		if err != nil {
			return fmt.Errorf("store: cancel operation: %w", err)
		}
		if rawEmID.Valid {
			emID, perr := uuid.Parse(rawEmID.String)
			if perr != nil {
				return fmt.Errorf("store: operation %s: bad earmark id: %w", id, perr)
			}
			var status types.EarmarkStatus
			if err := tx.QueryRow(`SELECT status FROM earmarks WHERE id = $1`, emID).Scan(&status); err == nil {
				return audit(tx, emID, types.AuditStatusChanged, status, status,
					fmt.Sprintf("operation %s cancelled: %s", id, reason))
			}
		}
		return nil
	})
}

const operationColumns = `id, earmark_id, origin_chain_id, destination_chain_id, ticker_hash, amount, expected_output, received, slippage, bridge, recipient, tx_hashes, status, is_orphaned, created_at, updated_at`

func scanOperation(row interface{ Scan(...any) error }) (*types.RebalanceOperation, error) {
	var (
		op        types.RebalanceOperation
		earmarkID sql.NullString
		ticker    string
		amount    string
		expected  sql.NullString
		received  sql.NullString
		recipient string
		txsJSON   []byte
		status    string
	)
	err := row.Scan(&op.ID, &earmarkID, &op.Origin, &op.Destination, &ticker, &amount, &expected, &received,
		&op.SlippageDbps, &op.Bridge, &recipient, &txsJSON, &status, &op.IsOrphaned, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if earmarkID.Valid {
		id, err := uuid.Parse(earmarkID.String)
		if err != nil {
			return nil, fmt.Errorf("store: operation %s: bad earmark id: %w", op.ID, err)
		}
		op.EarmarkID = &id
	}
	op.TickerHash = common.HexToHash(ticker)
	op.Recipient = common.HexToAddress(recipient)
	op.Status = types.OperationStatus(status)
	a, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("store: operation %s: bad amount %q", op.ID, amount)
	}
	op.Amount = a
	if expected.Valid {
		e, ok := new(big.Int).SetString(expected.String, 10)
		if !ok {
			return nil, fmt.Errorf("store: operation %s: bad expected output %q", op.ID, expected.String)
		}
		op.ExpectedOutput = e
	}
	if received.Valid {
		r, ok := new(big.Int).SetString(received.String, 10)
		if !ok {
			return nil, fmt.Errorf("store: operation %s: bad received %q", op.ID, received.String)
		}
		op.Received = r
	}
	txs, err := unmarshalTxs(txsJSON)
	if err != nil {
		return nil, fmt.Errorf("store: operation %s: %w", op.ID, err)
	}
	op.Transactions = txs
	return &op, nil
}

// GetRebalanceOperations implements Store.
func (p *Postgres) GetRebalanceOperations(ctx context.Context, statuses ...types.OperationStatus) ([]*types.RebalanceOperation, error) {
	set := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		set[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM rebalance_operations WHERE status = ANY($1) ORDER BY created_at`, set)
	if err != nil {
		return nil, fmt.Errorf("store: query operations: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// GetRebalanceOperationByTransactionHash implements Store. The hash is
// matched against any recorded leg on the origin chain.
func (p *Postgres) GetRebalanceOperationByTransactionHash(ctx context.Context, hash string, originChain uint64) (*types.RebalanceOperation, error) {
	op, err := scanOperation(p.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM rebalance_operations
		 WHERE origin_chain_id = $2 AND tx_hashes -> $3 ->> 'hash' = $1`,
		hash, originChain, strconv.FormatUint(originChain, 10)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tx %s on chain %d", ErrNotFound, hash, originChain)
	}
	return op, err
}

// GetRebalanceOperationsByEarmark implements Store.
func (p *Postgres) GetRebalanceOperationsByEarmark(ctx context.Context, earmarkID uuid.UUID) ([]*types.RebalanceOperation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM rebalance_operations WHERE earmark_id = $1 ORDER BY created_at`, earmarkID)
	if err != nil {
		return nil, fmt.Errorf("store: query operations: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

func collectOperations(rows *sql.Rows) ([]*types.RebalanceOperation, error) {
	var out []*types.RebalanceOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// AuditTrail implements Store.
func (p *Postgres) AuditTrail(ctx context.Context, earmarkID uuid.UUID) ([]*types.AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, earmark_id, operation, COALESCE(previous_status, ''), new_status, COALESCE(details ->> 'details', ''), timestamp
		 FROM earmark_audit_log WHERE earmark_id = $1 ORDER BY id`, earmarkID)
	if err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	defer rows.Close()
	var out []*types.AuditEntry
	for rows.Next() {
		var (
			entry  types.AuditEntry
			event  string
			prev   string
			status string
		)
		if err := rows.Scan(&entry.ID, &entry.EarmarkID, &event, &prev, &status, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Event = types.AuditEvent(event)
		entry.PrevStatus = types.EarmarkStatus(prev)
		entry.Status = types.EarmarkStatus(status)
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// marshalTxs renders the per-chain transaction map as jsonb keyed by
// decimal chain id.
func marshalTxs(txs map[uint64]*types.OperationTx) ([]byte, error) {
	out := make(map[string]*types.OperationTx, len(txs))
	for chain, tx := range txs {
		out[strconv.FormatUint(chain, 10)] = tx
	}
	return json.Marshal(out)
}

func unmarshalTxs(raw []byte) (map[uint64]*types.OperationTx, error) {
	if len(raw) == 0 {
		return map[uint64]*types.OperationTx{}, nil
	}
	var in map[string]*types.OperationTx
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("bad tx map: %w", err)
	}
	out := make(map[uint64]*types.OperationTx, len(in))
	for key, tx := range in {
		chain, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad tx map key %q", key)
		}
		out[chain] = tx
	}
	return out, nil
}

var _ Store = (*Postgres)(nil)
