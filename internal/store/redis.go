package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opacore/opacore/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
// The watcher's conditional paid update always happens against the
// primary, so the cache can never win a lost-update race.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey(entry.PortfolioID))
	return nil
}

func (s *CachedStore) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	if err := s.primary.CreateInvoice(ctx, inv); err != nil {
		return err
	}
	s.cacheInvoice(ctx, inv)
	return nil
}

func (s *CachedStore) SendInvoice(ctx context.Context, id string, issuedAt time.Time, expiresAt *time.Time) (bool, error) {
	ok, err := s.primary.SendInvoice(ctx, id, issuedAt, expiresAt)
	if ok {
		s.rdb.Del(ctx, invoiceKey(id))
	}
	return ok, err
}

func (s *CachedStore) CancelInvoice(ctx context.Context, id string, now time.Time) (bool, error) {
	ok, err := s.primary.CancelInvoice(ctx, id, now)
	if ok {
		s.rdb.Del(ctx, invoiceKey(id))
	}
	return ok, err
}

func (s *CachedStore) MarkInvoicePaid(ctx context.Context, id string, p model.Payment) (bool, error) {
	ok, err := s.primary.MarkInvoicePaid(ctx, id, p)
	if ok {
		s.rdb.Del(ctx, invoiceKey(id))
	}
	return ok, err
}

// ExpireInvoices touches an unknown set of invoices, so expiry relies
// on the short TTL to age stale cache entries out.
func (s *CachedStore) ExpireInvoices(ctx context.Context, now time.Time) (int64, error) {
	return s.primary.ExpireInvoices(ctx, now)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLedgerEntries(ctx context.Context, portfolioID string) ([]model.LedgerEntry, error) {
	data, err := s.rdb.Get(ctx, ledgerKey(portfolioID)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	entries, err := s.primary.GetLedgerEntries(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, ledgerKey(portfolioID), data, s.ttl)
	}
	return entries, nil
}

func (s *CachedStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	data, err := s.rdb.Get(ctx, invoiceKey(id)).Bytes()
	if err == nil {
		var inv model.Invoice
		if json.Unmarshal(data, &inv) == nil {
			return &inv, nil
		}
	}

	inv, err := s.primary.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInvoice(ctx, inv)
	return inv, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInvoices(ctx context.Context, status string, limit int) ([]model.Invoice, error) {
	return s.primary.ListInvoices(ctx, status, limit)
}

func (s *CachedStore) ListPayableInvoices(ctx context.Context, limit int) ([]model.Invoice, error) {
	return s.primary.ListPayableInvoices(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInvoice(ctx context.Context, inv *model.Invoice) {
	if data, err := json.Marshal(inv); err == nil {
		s.rdb.Set(ctx, invoiceKey(inv.ID), data, s.ttl)
	}
}

func invoiceKey(id string) string         { return fmt.Sprintf("invoice:%s", id) }
func ledgerKey(portfolioID string) string { return fmt.Sprintf("ledger:%s", portfolioID) }
