// Package watcher reconciles issued invoices against observed on-chain
// payments. A background loop polls the chain client for each open
// invoice's address and, when a qualifying payment appears, performs a
// conditional paid transition plus an accompanying receive entry in
// the transaction ledger.
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opacore/opacore/internal/esplora"
	"github.com/opacore/opacore/internal/events"
	"github.com/opacore/opacore/internal/metrics"
	"github.com/opacore/opacore/internal/model"
	"github.com/opacore/opacore/internal/prices"
	"github.com/opacore/opacore/internal/store"
	"github.com/opacore/opacore/internal/throttle"
)

// ChainClient is the slice of the Esplora API the watcher needs.
type ChainClient interface {
	AddressTxs(ctx context.Context, address string) ([]esplora.Tx, error)
}

// Config bounds the watcher's call rate against the chain API.
type Config struct {
	// Interval between reconciliation cycles.
	Interval time.Duration
	// CheckDelay is the minimum spacing between per-invoice checks.
	CheckDelay time.Duration
	// BatchSize caps how many sent invoices one cycle examines.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.CheckDelay < 0 {
		c.CheckDelay = 0
	} else if c.CheckDelay == 0 {
		c.CheckDelay = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Watcher polls the chain for invoice payments. The same check path
// serves the background loop and synchronous on-demand checks; the
// store's conditional update serializes the two.
type Watcher struct {
	store  store.Store
	chain  ChainClient
	oracle prices.Oracle // optional; prices the ledger write
	hub    *events.Hub   // optional; broadcasts paid/expired events
	cfg    Config
	pacer  *throttle.Pacer
}

// New creates a watcher. oracle and hub may be nil.
func New(st store.Store, chain ChainClient, oracle prices.Oracle, hub *events.Hub, cfg Config) *Watcher {
	cfg = cfg.withDefaults()
	return &Watcher{
		store:  st,
		chain:  chain,
		oracle: oracle,
		hub:    hub,
		cfg:    cfg,
		pacer:  throttle.NewPacer(cfg.CheckDelay),
	}
}

// CheckInvoicePayment queries the chain for the invoice's address and
// applies the first qualifying payment it finds. Returns whether a
// payment was detected and applied (for reusable invoices, whether one
// was found). A settled non-reusable invoice is never re-checked.
//
// No lock is held across the network call: the conditional store
// update tolerates the check-then-write window because the write is
// predicated on current state, not on the state observed here.
func (w *Watcher) CheckInvoicePayment(ctx context.Context, inv *model.Invoice) (bool, error) {
	if inv.Status == model.InvoicePaid && !inv.Reusable {
		return false, nil
	}

	txs, err := w.chain.AddressTxs(ctx, inv.Address)
	if err != nil {
		metrics.InvoiceChecksTotal.WithLabelValues("error").Inc()
		return false, err
	}

	for i := range txs {
		tx := &txs[i]
		received := tx.ValueToAddress(inv.Address)
		if received < inv.AmountSat {
			continue
		}

		// First qualifying transaction in returned order wins.
		now := time.Now().UTC()
		applied, err := w.store.MarkInvoicePaid(ctx, inv.ID, model.Payment{
			Txid:      tx.Txid,
			AmountSat: received,
			PaidAt:    now,
		})
		if err != nil {
			metrics.InvoiceChecksTotal.WithLabelValues("error").Inc()
			return false, err
		}

		if applied {
			metrics.PaymentsDetectedTotal.Inc()
			metrics.InvoiceChecksTotal.WithLabelValues("paid").Inc()
			slog.Info("invoice payment detected",
				"invoice_id", inv.ID,
				"txid", tx.Txid,
				"amount_sat", received,
			)

			// The conditional update only applies for a previously
			// unseen txid, so re-polling a reusable address never
			// double-books the ledger.
			w.recordReceipt(ctx, inv, tx.Txid, received, now)

			if w.hub != nil {
				w.hub.Broadcast(events.Message{
					Type:          events.TypeInvoicePaid,
					InvoiceID:     inv.ID,
					PortfolioID:   inv.PortfolioID,
					Address:       inv.Address,
					Txid:          tx.Txid,
					PaidAmountSat: received,
				})
			}
		} else {
			metrics.InvoiceChecksTotal.WithLabelValues("unpaid").Inc()
		}

		return applied || inv.Reusable, nil
	}

	metrics.InvoiceChecksTotal.WithLabelValues("unpaid").Inc()
	return false, nil
}

// recordReceipt appends the observed payment to the portfolio ledger.
// Failures are logged, not propagated: the invoice transition already
// happened and the ledger can be reconciled later.
func (w *Watcher) recordReceipt(ctx context.Context, inv *model.Invoice, txid string, amountSat int64, now time.Time) {
	var price decimal.NullDecimal
	if w.oracle != nil {
		p, err := w.oracle.CurrentPrice(ctx, "usd")
		if err != nil {
			slog.Warn("price lookup failed for payment ledger entry",
				"invoice_id", inv.ID, "err", err)
		} else {
			price = decimal.NullDecimal{Decimal: p, Valid: true}
		}
	}

	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		PortfolioID: inv.PortfolioID,
		TxType:      model.TxReceive,
		AmountSat:   amountSat,
		PriceUSD:    price,
		Txid:        txid,
		Timestamp:   now,
	}
	if err := w.store.InsertLedgerEntry(ctx, entry); err != nil {
		slog.Error("failed to record payment in ledger",
			"invoice_id", inv.ID, "txid", txid, "err", err)
	}
}

// Run executes reconciliation cycles at the configured interval until
// ctx is cancelled. Must be called in a goroutine.
func (w *Watcher) Run(ctx context.Context) {
	slog.Info("payment watcher started",
		"interval", w.cfg.Interval,
		"batch_size", w.cfg.BatchSize,
		"check_delay", w.cfg.CheckDelay,
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("payment watcher stopped")
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

// cycle expires overdue invoices, then checks a bounded batch of sent
// invoices with fixed pacing. A failed check is logged and skipped; it
// never aborts the cycle.
func (w *Watcher) cycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.WatcherCycleDuration.Observe(time.Since(start).Seconds())
	}()

	now := time.Now().UTC()
	expired, err := w.store.ExpireInvoices(ctx, now)
	if err != nil {
		slog.Error("failed to expire invoices", "err", err)
	} else if expired > 0 {
		metrics.InvoicesExpiredTotal.Add(float64(expired))
		slog.Info("expired overdue invoices", "count", expired)
		if w.hub != nil {
			w.hub.Broadcast(events.Message{
				Type:         events.TypeInvoiceExpired,
				ExpiredCount: expired,
			})
		}
	}

	invoices, err := w.store.ListPayableInvoices(ctx, w.cfg.BatchSize)
	if err != nil {
		slog.Error("failed to list payable invoices", "err", err)
		return
	}
	if len(invoices) == 0 {
		return
	}
	slog.Debug("checking pending invoices", "count", len(invoices))

	for i := range invoices {
		if err := w.pacer.Wait(ctx); err != nil {
			return // cancelled between checks
		}
		inv := &invoices[i]
		detected, err := w.CheckInvoicePayment(ctx, inv)
		if err != nil {
			slog.Warn("invoice check failed", "invoice_id", inv.ID, "err", err)
			continue
		}
		if detected {
			slog.Info("invoice settled", "invoice_id", inv.ID)
		}
	}
}
