package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opacore/opacore/internal/model"
)

func seedInvoice(t *testing.T, s *MemoryStore, id, status string, reusable bool) *model.Invoice {
	t.Helper()
	inv := &model.Invoice{
		ID:          id,
		PortfolioID: "p1",
		Address:     "bc1q" + id,
		AmountSat:   100_000,
		Reusable:    reusable,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateInvoice(context.Background(), inv))
	return inv
}

func TestMemoryStore_LedgerOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Inserted out of order; equal timestamps keep insertion order.
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "b", PortfolioID: "p1", TxType: model.TxBuy, AmountSat: 2, Timestamp: t1.AddDate(0, 1, 0)}))
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "a", PortfolioID: "p1", TxType: model.TxBuy, AmountSat: 1, Timestamp: t1}))
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "c", PortfolioID: "p1", TxType: model.TxBuy, AmountSat: 3, Timestamp: t1.AddDate(0, 1, 0)}))
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "x", PortfolioID: "p2", TxType: model.TxBuy, AmountSat: 9, Timestamp: t1}))

	entries, err := s.GetLedgerEntries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", entries[0].ID)
	require.Equal(t, "b", entries[1].ID)
	require.Equal(t, "c", entries[2].ID)
}

func TestMemoryStore_MarkInvoicePaid_Conditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedInvoice(t, s, "inv1", model.InvoiceSent, false)

	now := time.Now().UTC()
	applied, err := s.MarkInvoicePaid(ctx, "inv1", model.Payment{Txid: "tx1", AmountSat: 100_000, PaidAt: now})
	require.NoError(t, err)
	require.True(t, applied)

	// Second write loses the conditional update.
	applied, err = s.MarkInvoicePaid(ctx, "inv1", model.Payment{Txid: "tx2", AmountSat: 100_000, PaidAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.False(t, applied)

	inv, err := s.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	require.Equal(t, model.InvoicePaid, inv.Status)
	require.Equal(t, "tx1", inv.PaidTxid, "first payment must stick")
}

func TestMemoryStore_MarkInvoicePaid_ReusableReapplies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedInvoice(t, s, "don1", model.InvoiceSent, true)

	now := time.Now().UTC()
	applied, err := s.MarkInvoicePaid(ctx, "don1", model.Payment{Txid: "tx1", AmountSat: 100_000, PaidAt: now})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = s.MarkInvoicePaid(ctx, "don1", model.Payment{Txid: "tx2", AmountSat: 250_000, PaidAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, applied, "reusable invoices accept repeated payments")

	inv, err := s.GetInvoice(ctx, "don1")
	require.NoError(t, err)
	require.Equal(t, "tx2", inv.PaidTxid)
	require.Equal(t, int64(250_000), inv.PaidAmountSat)
}

func TestMemoryStore_MarkInvoicePaid_ReusableSameTxidNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedInvoice(t, s, "don1", model.InvoiceSent, true)

	now := time.Now().UTC()
	applied, err := s.MarkInvoicePaid(ctx, "don1", model.Payment{Txid: "tx1", AmountSat: 100_000, PaidAt: now})
	require.NoError(t, err)
	require.True(t, applied)

	// Same txid again: the already-recorded transaction is not a new
	// payment, so nothing is re-applied.
	applied, err = s.MarkInvoicePaid(ctx, "don1", model.Payment{Txid: "tx1", AmountSat: 100_000, PaidAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.False(t, applied)

	inv, err := s.GetInvoice(ctx, "don1")
	require.NoError(t, err)
	require.Equal(t, now, *inv.PaidAt, "paid_at must not be rewritten for a repeated txid")
	require.Equal(t, int64(100_000), inv.PaidAmountSat)
}

func TestMemoryStore_ExpireInvoices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := seedInvoice(t, s, "late", model.InvoiceDraft, false)
	ok, err := s.SendInvoice(ctx, overdue.ID, now.Add(-2*time.Hour), &past)
	require.NoError(t, err)
	require.True(t, ok)

	fresh := seedInvoice(t, s, "fresh", model.InvoiceDraft, false)
	ok, err = s.SendInvoice(ctx, fresh.ID, now, &future)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ExpireInvoices(ctx, now)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	inv, _ := s.GetInvoice(ctx, "late")
	require.Equal(t, model.InvoiceExpired, inv.Status)
	inv, _ = s.GetInvoice(ctx, "fresh")
	require.Equal(t, model.InvoiceSent, inv.Status)
}

func TestMemoryStore_SendAndCancel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	seedInvoice(t, s, "inv1", model.InvoiceDraft, false)

	ok, err := s.SendInvoice(ctx, "inv1", now, nil)
	require.NoError(t, err)
	require.True(t, ok)

	// Sending twice is a no-op.
	ok, err = s.SendInvoice(ctx, "inv1", now, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CancelInvoice(ctx, "inv1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CancelInvoice(ctx, "inv1", now)
	require.NoError(t, err)
	require.False(t, ok, "cancel is terminal")
}

func TestMemoryStore_ListPayable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		inv := seedInvoice(t, s, id, model.InvoiceDraft, false)
		_, err := s.SendInvoice(ctx, inv.ID, now, nil)
		require.NoError(t, err)
	}
	seedInvoice(t, s, "d", model.InvoiceDraft, false)

	batch, err := s.ListPayableInvoices(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2, "batch is bounded")
	for _, inv := range batch {
		require.Equal(t, model.InvoiceSent, inv.Status)
	}
}
