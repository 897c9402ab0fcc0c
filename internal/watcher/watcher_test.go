package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/opacore/opacore/internal/esplora"
	"github.com/opacore/opacore/internal/model"
	"github.com/opacore/opacore/internal/store"
)

// fakeChain returns a fixed response (or error) per address.
type fakeChain struct {
	txs   map[string][]esplora.Tx
	err   error
	calls int
}

func (f *fakeChain) AddressTxs(_ context.Context, address string) ([]esplora.Tx, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.txs[address], nil
}

// fakeOracle returns a fixed USD price.
type fakeOracle struct {
	price decimal.Decimal
}

func (f *fakeOracle) CurrentPrice(context.Context, string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeOracle) HistoricalPrice(context.Context, time.Time, string) (decimal.Decimal, error) {
	return f.price, nil
}

func paymentTx(txid, address string, value int64) esplora.Tx {
	return esplora.Tx{
		Txid:   txid,
		Status: esplora.TxStatus{Confirmed: true},
		Vout: []esplora.Vout{
			{ScriptpubkeyAddress: address, Value: value},
			{ScriptpubkeyAddress: "bc1qchange", Value: 42},
		},
	}
}

func sentInvoice(t *testing.T, ms *store.MemoryStore, id, address string, amountSat int64, reusable bool) *model.Invoice {
	t.Helper()
	ctx := context.Background()
	inv := &model.Invoice{
		ID:          id,
		PortfolioID: "p1",
		Address:     address,
		AmountSat:   amountSat,
		Reusable:    reusable,
		Status:      model.InvoiceDraft,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, ms.CreateInvoice(ctx, inv))
	ok, err := ms.SendInvoice(ctx, id, time.Now().UTC(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := ms.GetInvoice(ctx, id)
	require.NoError(t, err)
	return got
}

func TestCheckInvoicePayment_Detects(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "inv1", "bc1qinv1", 100_000, false)

	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qinv1": {paymentTx("tx1", "bc1qinv1", 150_000)},
	}}
	w := New(ms, chain, &fakeOracle{price: decimal.NewFromInt(60_000)}, nil, Config{CheckDelay: -1})

	detected, err := w.CheckInvoicePayment(ctx, inv)
	require.NoError(t, err)
	require.True(t, detected)

	got, err := ms.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	require.Equal(t, model.InvoicePaid, got.Status)
	require.Equal(t, "tx1", got.PaidTxid)
	require.Equal(t, int64(150_000), got.PaidAmountSat)
	require.NotNil(t, got.PaidAt)

	// The accompanying ledger write landed, priced by the oracle.
	entries, err := ms.GetLedgerEntries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, model.TxReceive, entries[0].TxType)
	require.Equal(t, int64(150_000), entries[0].AmountSat)
	require.Equal(t, "tx1", entries[0].Txid)
	require.True(t, entries[0].PriceUSD.Valid)
	require.True(t, entries[0].PriceUSD.Decimal.Equal(decimal.NewFromInt(60_000)))
}

func TestCheckInvoicePayment_InsufficientAmount(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "inv1", "bc1qinv1", 100_000, false)

	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qinv1": {paymentTx("tx1", "bc1qinv1", 99_999)},
	}}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1})

	detected, err := w.CheckInvoicePayment(ctx, inv)
	require.NoError(t, err)
	require.False(t, detected)

	got, _ := ms.GetInvoice(ctx, "inv1")
	require.Equal(t, model.InvoiceSent, got.Status)
}

func TestCheckInvoicePayment_SumsOutputsToAddress(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "inv1", "bc1qinv1", 100_000, false)

	// Two outputs of 60k each to the invoice address within one tx.
	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qinv1": {{
			Txid: "tx1",
			Vout: []esplora.Vout{
				{ScriptpubkeyAddress: "bc1qinv1", Value: 60_000},
				{ScriptpubkeyAddress: "bc1qinv1", Value: 60_000},
			},
		}},
	}}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1})

	detected, err := w.CheckInvoicePayment(ctx, inv)
	require.NoError(t, err)
	require.True(t, detected)

	got, _ := ms.GetInvoice(ctx, "inv1")
	require.Equal(t, int64(120_000), got.PaidAmountSat)
}

func TestCheckInvoicePayment_IdempotentNonReusable(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "inv1", "bc1qinv1", 100_000, false)

	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qinv1": {paymentTx("tx1", "bc1qinv1", 100_000)},
	}}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1})

	detected, err := w.CheckInvoicePayment(ctx, inv)
	require.NoError(t, err)
	require.True(t, detected)

	paidOnce, err := ms.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	firstPaidAt := *paidOnce.PaidAt

	// Second check with a fresh read: settled non-reusable invoices
	// are skipped outright and never written again.
	detected, err = w.CheckInvoicePayment(ctx, paidOnce)
	require.NoError(t, err)
	require.False(t, detected)

	paidTwice, err := ms.GetInvoice(ctx, "inv1")
	require.NoError(t, err)
	require.Equal(t, firstPaidAt, *paidTwice.PaidAt, "paid_at must be written exactly once")

	entries, _ := ms.GetLedgerEntries(ctx, "p1")
	require.Len(t, entries, 1, "ledger entry must be written exactly once")
	require.Equal(t, 1, chain.calls, "settled invoice should not hit the chain API")
}

func TestCheckInvoicePayment_ReusableRepeats(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "don1", "bc1qdon", 50_000, true)

	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qdon": {paymentTx("tx1", "bc1qdon", 50_000)},
	}}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1})

	detected, err := w.CheckInvoicePayment(ctx, inv)
	require.NoError(t, err)
	require.True(t, detected)

	// A second, distinct payment arrives; the reusable invoice
	// re-enters detection even though it is already paid.
	chain.txs["bc1qdon"] = []esplora.Tx{paymentTx("tx2", "bc1qdon", 75_000)}

	paid, err := ms.GetInvoice(ctx, "don1")
	require.NoError(t, err)
	detected, err = w.CheckInvoicePayment(ctx, paid)
	require.NoError(t, err)
	require.True(t, detected)

	got, _ := ms.GetInvoice(ctx, "don1")
	require.Equal(t, "tx2", got.PaidTxid)
	require.Equal(t, int64(75_000), got.PaidAmountSat)

	// Two distinct payments, two ledger entries.
	entries, _ := ms.GetLedgerEntries(ctx, "p1")
	require.Len(t, entries, 2)
}

func TestCheckInvoicePayment_ReusableSameTxDoesNotDoubleBook(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "don1", "bc1qdon", 50_000, true)

	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qdon": {paymentTx("tx1", "bc1qdon", 50_000)},
	}}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1})

	_, err := w.CheckInvoicePayment(ctx, inv)
	require.NoError(t, err)

	paid, err := ms.GetInvoice(ctx, "don1")
	require.NoError(t, err)
	firstPaidAt := *paid.PaidAt

	// Same chain response, fresh read: detection still reports true
	// but nothing is re-applied — paid_at stays put and the ledger is
	// not booked again.
	detected, err := w.CheckInvoicePayment(ctx, paid)
	require.NoError(t, err)
	require.True(t, detected)

	again, err := ms.GetInvoice(ctx, "don1")
	require.NoError(t, err)
	require.Equal(t, firstPaidAt, *again.PaidAt, "paid_at must not be rewritten on an unchanged repeated match")

	entries, _ := ms.GetLedgerEntries(ctx, "p1")
	require.Len(t, entries, 1)
}

func TestCheckInvoicePayment_ChainError(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	inv := sentInvoice(t, ms, "inv1", "bc1qinv1", 100_000, false)

	chain := &fakeChain{err: errors.New("esplora: status 429")}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1})

	detected, err := w.CheckInvoicePayment(ctx, inv)
	require.Error(t, err)
	require.False(t, detected)

	got, _ := ms.GetInvoice(ctx, "inv1")
	require.Equal(t, model.InvoiceSent, got.Status)
}

func TestRun_DetectsAndStops(t *testing.T) {
	ms := store.NewMemoryStore()
	sentInvoice(t, ms, "inv1", "bc1qinv1", 100_000, false)

	// An expired invoice rides along: the cycle bulk-expires it.
	past := time.Now().UTC().Add(-time.Hour)
	stale := &model.Invoice{
		ID: "old", PortfolioID: "p1", Address: "bc1qold", AmountSat: 1,
		Status: model.InvoiceDraft, CreatedAt: past, UpdatedAt: past,
	}
	require.NoError(t, ms.CreateInvoice(context.Background(), stale))
	ok, err := ms.SendInvoice(context.Background(), "old", past, &past)
	require.NoError(t, err)
	require.True(t, ok)

	chain := &fakeChain{txs: map[string][]esplora.Tx{
		"bc1qinv1": {paymentTx("tx1", "bc1qinv1", 100_000)},
	}}
	w := New(ms, chain, nil, nil, Config{
		Interval:   5 * time.Millisecond,
		CheckDelay: -1,
		BatchSize:  10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		inv, err := ms.GetInvoice(context.Background(), "inv1")
		return err == nil && inv.Status == model.InvoicePaid
	}, time.Second, 5*time.Millisecond)

	exp, err := ms.GetInvoice(context.Background(), "old")
	require.NoError(t, err)
	require.Equal(t, model.InvoiceExpired, exp.Status)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestCycle_OneFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	// Listed newest-first: "bad" (no matching tx → unpaid, fine) and a
	// chain that errors only for its address.
	sentInvoice(t, ms, "good", "bc1qgood", 100_000, false)
	sentInvoice(t, ms, "bad", "bc1qbad", 100_000, false)

	chain := &erroringChain{
		failFor: "bc1qbad",
		txs:     map[string][]esplora.Tx{"bc1qgood": {paymentTx("tx1", "bc1qgood", 100_000)}},
	}
	w := New(ms, chain, nil, nil, Config{CheckDelay: -1, BatchSize: 10})

	w.cycle(ctx)

	good, err := ms.GetInvoice(ctx, "good")
	require.NoError(t, err)
	require.Equal(t, model.InvoicePaid, good.Status, "failure on one invoice must not skip the rest")
}

type erroringChain struct {
	failFor string
	txs     map[string][]esplora.Tx
}

func (e *erroringChain) AddressTxs(_ context.Context, address string) ([]esplora.Tx, error) {
	if address == e.failFor {
		return nil, errors.New("connection reset")
	}
	return e.txs[address], nil
}
