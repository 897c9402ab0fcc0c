// Package store defines the persistence interface for the ledger and
// invoice records. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/opacore/opacore/internal/model"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	// --- Append-only transaction ledger ---

	// InsertLedgerEntry appends an immutable economic event record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntries returns a portfolio's ledger ordered by
	// timestamp ascending, ties broken by insertion order.
	GetLedgerEntries(ctx context.Context, portfolioID string) ([]model.LedgerEntry, error)

	// --- Invoices ---

	// CreateInvoice persists a new invoice.
	CreateInvoice(ctx context.Context, inv *model.Invoice) error

	// GetInvoice retrieves an invoice by ID.
	GetInvoice(ctx context.Context, id string) (*model.Invoice, error)

	// ListInvoices returns invoices, optionally filtered by status,
	// newest first, capped at limit.
	ListInvoices(ctx context.Context, status string, limit int) ([]model.Invoice, error)

	// SendInvoice moves a draft invoice to sent, stamping issue and
	// optional expiry times. Returns false if the invoice was not in
	// draft.
	SendInvoice(ctx context.Context, id string, issuedAt time.Time, expiresAt *time.Time) (bool, error)

	// CancelInvoice cancels an invoice from any non-cancelled state.
	CancelInvoice(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkInvoicePaid conditionally applies an observed payment: the
	// update only lands if the invoice is not already paid, or is
	// reusable and the txid differs from the one already recorded
	// (in which case the paid_* fields are refreshed). Returns whether
	// the update applied. This conditional write is what serializes
	// concurrent checks of the same invoice.
	MarkInvoicePaid(ctx context.Context, id string, p model.Payment) (bool, error)

	// ExpireInvoices bulk-expires sent invoices whose expiry has
	// passed, returning the number transitioned.
	ExpireInvoices(ctx context.Context, now time.Time) (int64, error)

	// ListPayableInvoices returns up to limit sent invoices for the
	// watcher's next reconciliation batch.
	ListPayableInvoices(ctx context.Context, limit int) ([]model.Invoice, error)
}
