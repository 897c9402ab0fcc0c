package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opacore/opacore/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. Used
// for testing and development. Not suitable for production (no
// persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	ledger   []model.LedgerEntry
	invoices map[string]*model.Invoice
	order    []string // invoice IDs in creation order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*model.Invoice),
	}
}

// --- Ledger ---

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntries(_ context.Context, portfolioID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.PortfolioID == portfolioID {
			result = append(result, e)
		}
	}
	// Stable: equal timestamps keep insertion order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// --- Invoices ---

func (s *MemoryStore) CreateInvoice(_ context.Context, inv *model.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	cp := *inv
	s.invoices[inv.ID] = &cp
	s.order = append(s.order, inv.ID)
	return nil
}

func (s *MemoryStore) GetInvoice(_ context.Context, id string) (*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) ListInvoices(_ context.Context, status string, limit int) ([]model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Invoice
	// Newest first.
	for i := len(s.order) - 1; i >= 0 && len(result) < limit; i-- {
		inv := s.invoices[s.order[i]]
		if status == "" || inv.Status == status {
			result = append(result, *inv)
		}
	}
	return result, nil
}

func (s *MemoryStore) SendInvoice(_ context.Context, id string, issuedAt time.Time, expiresAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok || inv.Status != model.InvoiceDraft {
		return false, nil
	}
	inv.Status = model.InvoiceSent
	t := issuedAt
	inv.IssuedAt = &t
	if expiresAt != nil {
		e := *expiresAt
		inv.ExpiresAt = &e
	}
	inv.UpdatedAt = issuedAt
	return true, nil
}

func (s *MemoryStore) CancelInvoice(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok || inv.Status == model.InvoiceCancelled {
		return false, nil
	}
	inv.Status = model.InvoiceCancelled
	inv.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) MarkInvoicePaid(_ context.Context, id string, p model.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return false, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	// Same predicate as the SQL conditional update: a settled
	// non-reusable invoice never re-applies, and a reusable one only
	// applies for a transaction it has not already recorded.
	if inv.Status == model.InvoicePaid {
		if !inv.Reusable || inv.PaidTxid == p.Txid {
			return false, nil
		}
	}
	inv.Status = model.InvoicePaid
	t := p.PaidAt
	inv.PaidAt = &t
	inv.PaidTxid = p.Txid
	inv.PaidAmountSat = p.AmountSat
	inv.UpdatedAt = p.PaidAt
	return true, nil
}

func (s *MemoryStore) ExpireInvoices(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, inv := range s.invoices {
		if inv.Status == model.InvoiceSent && inv.ExpiresAt != nil && inv.ExpiresAt.Before(now) {
			inv.Status = model.InvoiceExpired
			inv.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListPayableInvoices(ctx context.Context, limit int) ([]model.Invoice, error) {
	return s.ListInvoices(ctx, model.InvoiceSent, limit)
}
