package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/everclear-net/mark/types"
)

// Memory mirrors the Postgres invariants in process memory: the active
// unique index per invoice, lifecycle transition checks, orphaning on
// earmark removal and the audit trail. It backs loop tests and dry
// runs; nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	earmarks map[uuid.UUID]*types.Earmark
	ops      map[uuid.UUID]*types.RebalanceOperation
	auditLog []*types.AuditEntry
	auditSeq int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		earmarks: make(map[uuid.UUID]*types.Earmark),
		ops:      make(map[uuid.UUID]*types.RebalanceOperation),
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func copyEarmark(em *types.Earmark) *types.Earmark {
	out := *em
	out.MinAmount = new(big.Int).Set(em.MinAmount)
	return &out
}

func copyOperation(op *types.RebalanceOperation) *types.RebalanceOperation {
	out := *op
	out.Amount = new(big.Int).Set(op.Amount)
	if op.ExpectedOutput != nil {
		out.ExpectedOutput = new(big.Int).Set(op.ExpectedOutput)
	}
	if op.Received != nil {
		out.Received = new(big.Int).Set(op.Received)
	}
	if op.EarmarkID != nil {
		id := *op.EarmarkID
		out.EarmarkID = &id
	}
	out.Transactions = make(map[uint64]*types.OperationTx, len(op.Transactions))
	for chain, tx := range op.Transactions {
		cp := *tx
		if tx.Metadata != nil {
			cp.Metadata = make(map[string]string, len(tx.Metadata))
			for k, v := range tx.Metadata {
				cp.Metadata[k] = v
			}
		}
		out.Transactions[chain] = &cp
	}
	return &out
}

func (m *Memory) audit(earmarkID uuid.UUID, event types.AuditEvent, prev, next types.EarmarkStatus, details string) {
	m.auditSeq++
	m.auditLog = append(m.auditLog, &types.AuditEntry{
		ID:         m.auditSeq,
		EarmarkID:  earmarkID,
		Event:      event,
		PrevStatus: prev,
		Status:     next,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	})
}

// CreateEarmark implements Store.
func (m *Memory) CreateEarmark(ctx context.Context, em *types.Earmark, ops []*types.RebalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.earmarks {
		if existing.InvoiceID == em.InvoiceID && existing.Status.Active() {
			return fmt.Errorf("%w: invoice %s", ErrDuplicateEarmark, em.InvoiceID)
		}
	}
	now := time.Now().UTC()
	stored := copyEarmark(em)
	stored.CreatedAt, stored.UpdatedAt = now, now
	m.earmarks[stored.ID] = stored
	for _, op := range ops {
		cp := copyOperation(op)
		cp.CreatedAt, cp.UpdatedAt = now, now
		m.ops[cp.ID] = cp
	}
	m.audit(em.ID, types.AuditCreated, "", em.Status, fmt.Sprintf("%d initial operations", len(ops)))
	return nil
}

// UpdateEarmarkStatus implements Store.
func (m *Memory) UpdateEarmarkStatus(ctx context.Context, id uuid.UUID, status types.EarmarkStatus, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.earmarks[id]
	if !ok {
		return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	if !em.Status.CanTransition(status) {
		return fmt.Errorf("%w: earmark %s: %s -> %s", ErrBadTransition, id, em.Status, status)
	}
	prev := em.Status
	em.Status = status
	em.UpdatedAt = time.Now().UTC()
	m.audit(id, types.AuditStatusChanged, prev, status, details)
	return nil
}

// RemoveEarmark implements Store.
func (m *Memory) RemoveEarmark(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.earmarks[id]; !ok {
		return fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	for opID, op := range m.ops {
		if op.EarmarkID == nil || *op.EarmarkID != id {
			continue
		}
		if op.Status.Terminal() {
			delete(m.ops, opID)
			continue
		}
		op.EarmarkID = nil
		op.IsOrphaned = true
		op.UpdatedAt = time.Now().UTC()
	}
	delete(m.earmarks, id)
	kept := m.auditLog[:0]
	for _, entry := range m.auditLog {
		if entry.EarmarkID != id {
			kept = append(kept, entry)
		}
	}
	m.auditLog = kept
	return nil
}

// GetEarmark implements Store.
func (m *Memory) GetEarmark(ctx context.Context, id uuid.UUID) (*types.Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.earmarks[id]
	if !ok {
		return nil, fmt.Errorf("%w: earmark %s", ErrNotFound, id)
	}
	return copyEarmark(em), nil
}

// GetEarmarkForInvoice implements Store.
func (m *Memory) GetEarmarkForInvoice(ctx context.Context, invoiceID string) (*types.Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, em := range m.earmarks {
		if em.InvoiceID == invoiceID && em.Status.Active() {
			return copyEarmark(em), nil
		}
	}
	return nil, fmt.Errorf("%w: invoice %s", ErrNotFound, invoiceID)
}

// GetActiveEarmarksForChain implements Store.
func (m *Memory) GetActiveEarmarksForChain(ctx context.Context, chain uint64) ([]*types.Earmark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Earmark
	for _, em := range m.earmarks {
		if em.DesignatedPurchaseChain == chain && em.Status.Active() {
			out = append(out, copyEarmark(em))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateRebalanceOperation implements Store.
func (m *Memory) CreateRebalanceOperation(ctx context.Context, op *types.RebalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := copyOperation(op)
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.ops[cp.ID] = cp
	return nil
}

// UpdateRebalanceOperation implements Store.
func (m *Memory) UpdateRebalanceOperation(ctx context.Context, op *types.RebalanceOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.ops[op.ID]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, op.ID)
	}
	if existing.Status != op.Status && !existing.Status.CanTransition(op.Status) {
		return fmt.Errorf("%w: operation %s: %s -> %s", ErrBadTransition, op.ID, existing.Status, op.Status)
	}
	cp := copyOperation(op)
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.ops[cp.ID] = cp
	return nil
}

// CancelRebalanceOperation implements Store.
func (m *Memory) CancelRebalanceOperation(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if !op.Status.CanTransition(types.OperationCancelled) {
		return fmt.Errorf("%w: operation %s: %s -> cancelled", ErrBadTransition, id, op.Status)
	}
	op.Status = types.OperationCancelled
	op.UpdatedAt = time.Now().UTC()
	if op.EarmarkID != nil {
		op.IsOrphaned = true
		if em, ok := m.earmarks[*op.EarmarkID]; ok {
			m.audit(em.ID, types.AuditStatusChanged, em.Status, em.Status,
				fmt.Sprintf("operation %s cancelled: %s", id, reason))
		}
	}
	return nil
}

// GetRebalanceOperations implements Store.
func (m *Memory) GetRebalanceOperations(ctx context.Context, statuses ...types.OperationStatus) ([]*types.RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[types.OperationStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.RebalanceOperation
	for _, op := range m.ops {
		if want[op.Status] {
			out = append(out, copyOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetRebalanceOperationByTransactionHash implements Store.
func (m *Memory) GetRebalanceOperationByTransactionHash(ctx context.Context, hash string, originChain uint64) (*types.RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.Origin != originChain {
			continue
		}
		if tx := op.Transactions[originChain]; tx != nil && tx.Hash == hash {
			return copyOperation(op), nil
		}
	}
	return nil, fmt.Errorf("%w: tx %s on chain %d", ErrNotFound, hash, originChain)
}

// GetRebalanceOperationsByEarmark implements Store.
func (m *Memory) GetRebalanceOperationsByEarmark(ctx context.Context, earmarkID uuid.UUID) ([]*types.RebalanceOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.RebalanceOperation
	for _, op := range m.ops {
		if op.EarmarkID != nil && *op.EarmarkID == earmarkID {
			out = append(out, copyOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AuditTrail implements Store.
func (m *Memory) AuditTrail(ctx context.Context, earmarkID uuid.UUID) ([]*types.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AuditEntry
	for _, entry := range m.auditLog {
		if entry.EarmarkID == earmarkID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
