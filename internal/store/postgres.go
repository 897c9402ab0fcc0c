package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opacore/opacore/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. USD values are stored as NUMERIC for exact decimal precision;
// satoshi amounts as BIGINT. Schema is managed out of band; the
// ledger_entries table needs a BIGSERIAL seq column so that entries
// with equal timestamps read back in insertion order:
//
//	CREATE TABLE ledger_entries (
//	    seq          BIGSERIAL,
//	    id           TEXT PRIMARY KEY,
//	    portfolio_id TEXT NOT NULL,
//	    tx_type      TEXT NOT NULL,
//	    amount_sat   BIGINT NOT NULL,
//	    price_usd    NUMERIC,
//	    txid         TEXT NOT NULL DEFAULT '',
//	    timestamp    TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Ledger ---

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	var price *string
	if e.PriceUSD.Valid {
		v := e.PriceUSD.Decimal.String()
		price = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, portfolio_id, tx_type, amount_sat, price_usd, txid, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		e.ID, e.PortfolioID, e.TxType, e.AmountSat, price, e.Txid, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntries(ctx context.Context, portfolioID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, tx_type, amount_sat, price_usd::TEXT, txid, timestamp
		 FROM ledger_entries
		 WHERE portfolio_id = $1
		 ORDER BY timestamp, seq`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var price *string
		if err := rows.Scan(&e.ID, &e.PortfolioID, &e.TxType, &e.AmountSat,
			&price, &e.Txid, &e.Timestamp); err != nil {
			return nil, err
		}
		if price != nil {
			d, derr := decimal.NewFromString(*price)
			if derr != nil {
				return nil, fmt.Errorf("ledger entry %s: bad price: %w", e.ID, derr)
			}
			e.PriceUSD = decimal.NullDecimal{Decimal: d, Valid: true}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Invoices ---

const invoiceCols = `id, portfolio_id, invoice_number, description, address,
	amount_sat, reusable, status, issued_at, expires_at,
	paid_at, paid_txid, paid_amount_sat, created_at, updated_at`

func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invoices (`+invoiceCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inv.ID, inv.PortfolioID, inv.InvoiceNumber, inv.Description, inv.Address,
		inv.AmountSat, inv.Reusable, inv.Status, inv.IssuedAt, inv.ExpiresAt,
		inv.PaidAt, inv.PaidTxid, inv.PaidAmountSat, inv.CreatedAt, inv.UpdatedAt,
	)
	return err
}

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var inv model.Invoice
	err := row.Scan(&inv.ID, &inv.PortfolioID, &inv.InvoiceNumber, &inv.Description,
		&inv.Address, &inv.AmountSat, &inv.Reusable, &inv.Status,
		&inv.IssuedAt, &inv.ExpiresAt,
		&inv.PaidAt, &inv.PaidTxid, &inv.PaidAmountSat,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	inv, err := scanInvoice(s.pool.QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return inv, nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, status string, limit int) ([]model.Invoice, error) {
	q := `SELECT ` + invoiceCols + ` FROM invoices`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func (s *PostgresStore) SendInvoice(ctx context.Context, id string, issuedAt time.Time, expiresAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices
		 SET status = $2, issued_at = $3, expires_at = COALESCE($4, expires_at), updated_at = $3
		 WHERE id = $1 AND status = $5`,
		id, model.InvoiceSent, issuedAt, expiresAt, model.InvoiceDraft,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CancelInvoice(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = $3
		 WHERE id = $1 AND status != $2`,
		id, model.InvoiceCancelled, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkInvoicePaid performs the conditional paid transition. The WHERE
// clause is the serialization point for concurrent checks: a second
// writer observing the same unpaid invoice loses the race here, and a
// reusable invoice keeps accepting refreshed payment details — but
// only for a transaction it has not already recorded, so re-polling
// the same payment never rewrites paid_at.
func (s *PostgresStore) MarkInvoicePaid(ctx context.Context, id string, p model.Payment) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices
		 SET status = $2, paid_at = $3, paid_txid = $4, paid_amount_sat = $5, updated_at = $3
		 WHERE id = $1 AND (status != $2 OR (reusable AND paid_txid IS DISTINCT FROM $4))`,
		id, model.InvoicePaid, p.PaidAt, p.Txid, p.AmountSat,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ExpireInvoices(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = $1
		 WHERE status = $3 AND expires_at IS NOT NULL AND expires_at < $1`,
		now, model.InvoiceExpired, model.InvoiceSent,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListPayableInvoices(ctx context.Context, limit int) ([]model.Invoice, error) {
	return s.ListInvoices(ctx, model.InvoiceSent, limit)
}
