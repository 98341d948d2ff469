// Package store persists the poller's earmarks, rebalance operations
// and the append-only earmark audit trail. The Postgres implementation
// is the production backend; Memory mirrors its invariants for tests
// and dry runs. Purchase records live in a local leveldb cache instead,
// since they only shadow the hub for a bounded TTL.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/everclear-net/mark/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateEarmark is returned when an active earmark already
	// claims the invoice. Benign: another writer won the race.
	ErrDuplicateEarmark = errors.New("store: invoice already earmarked")
	// ErrBadTransition is returned for status changes the lifecycle
	// does not allow.
	ErrBadTransition = errors.New("store: illegal status transition")
)

// Store owns every earmark and rebalance operation row. The loops keep
// no authoritative state of their own; they re-read from here at every
// decision point.
type Store interface {
	// CreateEarmark inserts the earmark and its initial operations in
	// one transaction. At most one non-terminal earmark may exist per
	// invoice; violating that returns ErrDuplicateEarmark.
	CreateEarmark(ctx context.Context, em *types.Earmark, ops []*types.RebalanceOperation) error
	// UpdateEarmarkStatus advances the earmark lifecycle and writes an
	// audit row carrying details.
	UpdateEarmarkStatus(ctx context.Context, id uuid.UUID, status types.EarmarkStatus, details string) error
	// RemoveEarmark deletes the earmark. In-flight operations bound to
	// it are detached and flagged orphaned instead of cascading away,
	// so their funds stay tracked.
	RemoveEarmark(ctx context.Context, id uuid.UUID) error
	// GetEarmark fetches one earmark by id.
	GetEarmark(ctx context.Context, id uuid.UUID) (*types.Earmark, error)
	// GetEarmarkForInvoice returns the invoice's active earmark, or
	// ErrNotFound.
	GetEarmarkForInvoice(ctx context.Context, invoiceID string) (*types.Earmark, error)
	// GetActiveEarmarksForChain lists non-terminal earmarks whose
	// designated purchase chain matches.
	GetActiveEarmarksForChain(ctx context.Context, chain uint64) ([]*types.Earmark, error)

	// CreateRebalanceOperation inserts one operation row.
	CreateRebalanceOperation(ctx context.Context, op *types.RebalanceOperation) error
	// UpdateRebalanceOperation persists the mutable fields: status,
	// transactions, received amount and the orphan flag.
	UpdateRebalanceOperation(ctx context.Context, op *types.RebalanceOperation) error
	// CancelRebalanceOperation flips the operation to cancelled and, if
	// it still belongs to a live earmark, marks it orphaned so returned
	// funds land in the free pool.
	CancelRebalanceOperation(ctx context.Context, id uuid.UUID, reason string) error
	// GetRebalanceOperations lists operations in any of the statuses.
	GetRebalanceOperations(ctx context.Context, statuses ...types.OperationStatus) ([]*types.RebalanceOperation, error)
	// GetRebalanceOperationByTransactionHash finds the operation that
	// recorded the hash on the given origin chain, for restart
	// recovery.
	GetRebalanceOperationByTransactionHash(ctx context.Context, hash string, originChain uint64) (*types.RebalanceOperation, error)
	// GetRebalanceOperationsByEarmark lists an earmark's operations.
	GetRebalanceOperationsByEarmark(ctx context.Context, earmarkID uuid.UUID) ([]*types.RebalanceOperation, error)

	// AuditTrail returns the earmark's audit rows, oldest first.
	AuditTrail(ctx context.Context, earmarkID uuid.UUID) ([]*types.AuditEntry, error)

	Close() error
}
