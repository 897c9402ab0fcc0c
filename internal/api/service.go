// Package api provides the HTTP handlers for the portfolio ledger,
// cost-basis and tax-report queries, and the invoice lifecycle.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opacore/opacore/internal/bitcoin"
	"github.com/opacore/opacore/internal/costbasis"
	"github.com/opacore/opacore/internal/metrics"
	"github.com/opacore/opacore/internal/model"
	"github.com/opacore/opacore/internal/prices"
	"github.com/opacore/opacore/internal/store"
	"github.com/opacore/opacore/internal/taxreport"
	"github.com/opacore/opacore/internal/watcher"
)

// defaultInvoiceTTL is how long a sent invoice stays payable when the
// request does not name its own expiry.
const defaultInvoiceTTL = 24 * time.Hour

// Service handles portfolio and invoice operations. Computation is
// request-scoped and pure; the store serializes invoice transitions, so
// no service-level locking is needed.
type Service struct {
	store   store.Store
	oracle  prices.Oracle    // optional; prices the summary view
	watcher *watcher.Watcher // optional; serves on-demand payment checks
}

// NewService creates the HTTP service. Pass nil for oracle or w when
// the summary view or on-demand checks are not needed.
func NewService(st store.Store, oracle prices.Oracle, w *watcher.Watcher) *Service {
	return &Service{
		store:   st,
		oracle:  oracle,
		watcher: w,
	}
}

// --- Request types ---

// CreateTransactionRequest is the JSON body for appending a ledger entry.
type CreateTransactionRequest struct {
	TxType    string              `json:"tx_type"`
	AmountSat int64               `json:"amount_sat"`
	PriceUSD  decimal.NullDecimal `json:"price_usd"`
	Txid      string              `json:"txid"`
	Timestamp time.Time           `json:"timestamp"`
}

// CreateInvoiceRequest is the JSON body for creating a draft invoice.
type CreateInvoiceRequest struct {
	PortfolioID   string `json:"portfolio_id"`
	InvoiceNumber string `json:"invoice_number"`
	Description   string `json:"description"`
	Address       string `json:"address"`
	AmountSat     int64  `json:"amount_sat"`
	Reusable      bool   `json:"reusable"`
}

// SendInvoiceRequest optionally overrides the expiry on send.
type SendInvoiceRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// CheckResponse is returned from the on-demand payment check.
type CheckResponse struct {
	Detected bool           `json:"detected"`
	Invoice  *model.Invoice `json:"invoice"`
}

// --- Ledger handlers ---

// CreateTransaction handles POST /api/v1/portfolios/{portfolioID}/transactions
func (s *Service) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !model.ValidTxType(req.TxType) {
		writeError(w, fmt.Sprintf("unknown tx_type %q", req.TxType), http.StatusBadRequest)
		return
	}
	if req.AmountSat <= 0 {
		writeError(w, "amount_sat must be positive", http.StatusBadRequest)
		return
	}
	if req.PriceUSD.Valid && req.PriceUSD.Decimal.IsNegative() {
		writeError(w, "price_usd must not be negative", http.StatusBadRequest)
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	entry := &model.LedgerEntry{
		ID:          uuid.New().String(),
		PortfolioID: portfolioID,
		TxType:      req.TxType,
		AmountSat:   req.AmountSat,
		PriceUSD:    req.PriceUSD,
		Txid:        req.Txid,
		Timestamp:   ts,
	}
	if err := s.store.InsertLedgerEntry(r.Context(), entry); err != nil {
		slog.Error("failed to insert ledger entry", "portfolio_id", portfolioID, "err", err)
		writeError(w, "failed to record transaction", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// ListTransactions handles GET /api/v1/portfolios/{portfolioID}/transactions
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	entries, err := s.store.GetLedgerEntries(r.Context(), portfolioID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// --- Cost-basis handlers ---

// GetCostBasis handles GET /api/v1/portfolios/{portfolioID}/costbasis
// Optional ?method=fifo|lifo|hifo and ?year=YYYY.
func (s *Service) GetCostBasis(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	method, err := costbasis.ParseMethod(r.URL.Query().Get("method"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var taxYear *int
	if y := r.URL.Query().Get("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			writeError(w, "invalid year", http.StatusBadRequest)
			return
		}
		taxYear = &year
	}

	entries, err := s.store.GetLedgerEntries(r.Context(), portfolioID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}

	result := costbasis.Compute(entries, method, taxYear)
	writeJSON(w, http.StatusOK, result)
}

// GetSummary handles GET /api/v1/portfolios/{portfolioID}/summary
// Optional ?method= controls which lots remain open for the unrealized
// figures. Returns zero current value when no oracle is configured.
func (s *Service) GetSummary(w http.ResponseWriter, r *http.Request) {
	portfolioID := chi.URLParam(r, "portfolioID")

	method, err := costbasis.ParseMethod(r.URL.Query().Get("method"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.store.GetLedgerEntries(r.Context(), portfolioID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}

	price := decimal.Zero
	if s.oracle != nil {
		p, err := s.oracle.CurrentPrice(r.Context(), "usd")
		if err != nil {
			// Summary still renders; value fields stay zero.
			slog.Warn("price lookup failed for summary", "portfolio_id", portfolioID, "err", err)
		} else {
			price = p
		}
	}

	writeJSON(w, http.StatusOK, costbasis.Summarize(entries, price, method))
}

// --- Tax report handlers ---

// GetTaxReport handles GET /api/v1/portfolios/{portfolioID}/tax/{year}
func (s *Service) GetTaxReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.buildReport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ExportTaxReport handles GET /api/v1/portfolios/{portfolioID}/tax/{year}/export
// Streams the disposal schedule as a CSV download.
func (s *Service) ExportTaxReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.buildReport(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="tax_report_%d.csv"`, report.Year))
	if err := report.WriteCSV(w); err != nil {
		slog.Error("failed to write tax report csv", "year", report.Year, "err", err)
	}
}

func (s *Service) buildReport(w http.ResponseWriter, r *http.Request) (taxreport.Report, bool) {
	portfolioID := chi.URLParam(r, "portfolioID")

	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, "invalid year", http.StatusBadRequest)
		return taxreport.Report{}, false
	}

	method, err := costbasis.ParseMethod(r.URL.Query().Get("method"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return taxreport.Report{}, false
	}

	entries, err := s.store.GetLedgerEntries(r.Context(), portfolioID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return taxreport.Report{}, false
	}

	metrics.TaxReportsTotal.WithLabelValues(string(method)).Inc()
	return taxreport.Generate(entries, year, method), true
}

// --- Invoice handlers ---

// CreateInvoice handles POST /api/v1/invoices
func (s *Service) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PortfolioID == "" {
		writeError(w, "portfolio_id is required", http.StatusBadRequest)
		return
	}
	if req.AmountSat <= 0 {
		writeError(w, "amount_sat must be positive", http.StatusBadRequest)
		return
	}
	if _, err := bitcoin.ParseAddress(req.Address); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	inv := &model.Invoice{
		ID:            uuid.New().String(),
		PortfolioID:   req.PortfolioID,
		InvoiceNumber: req.InvoiceNumber,
		Description:   req.Description,
		Address:       req.Address,
		AmountSat:     req.AmountSat,
		Reusable:      req.Reusable,
		Status:        model.InvoiceDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateInvoice(r.Context(), inv); err != nil {
		slog.Error("failed to create invoice", "err", err)
		writeError(w, "failed to create invoice", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, inv)
}

// GetInvoice handles GET /api/v1/invoices/{invoiceID}
func (s *Service) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListInvoices handles GET /api/v1/invoices
// Optional ?status= and ?limit= (default 100).
func (s *Service) ListInvoices(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validInvoiceStatus(status) {
		writeError(w, fmt.Sprintf("unknown status %q", status), http.StatusBadRequest)
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	invoices, err := s.store.ListInvoices(r.Context(), status, limit)
	if err != nil {
		writeError(w, "failed to list invoices", http.StatusInternalServerError)
		return
	}
	if invoices == nil {
		invoices = []model.Invoice{}
	}

	writeJSON(w, http.StatusOK, invoices)
}

// SendInvoice handles POST /api/v1/invoices/{invoiceID}/send
// Transitions draft → sent, stamping issued_at and expires_at.
func (s *Service) SendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}

	var req SendInvoiceRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	now := time.Now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		e := now.Add(defaultInvoiceTTL)
		expiresAt = &e
	} else if !expiresAt.After(now) {
		writeError(w, "expires_at must be in the future", http.StatusBadRequest)
		return
	}

	applied, err := s.store.SendInvoice(r.Context(), inv.ID, now, expiresAt)
	if err != nil {
		writeError(w, "failed to send invoice", http.StatusInternalServerError)
		return
	}
	if !applied {
		writeError(w, fmt.Sprintf("invoice is %s, only draft invoices can be sent", inv.Status),
			http.StatusConflict)
		return
	}

	sent, err := s.store.GetInvoice(r.Context(), inv.ID)
	if err != nil {
		writeError(w, "failed to load invoice", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sent)
}

// CancelInvoice handles POST /api/v1/invoices/{invoiceID}/cancel
func (s *Service) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}

	applied, err := s.store.CancelInvoice(r.Context(), inv.ID, time.Now().UTC())
	if err != nil {
		writeError(w, "failed to cancel invoice", http.StatusInternalServerError)
		return
	}
	if !applied {
		writeError(w, "invoice is already cancelled", http.StatusConflict)
		return
	}

	cancelled, err := s.store.GetInvoice(r.Context(), inv.ID)
	if err != nil {
		writeError(w, "failed to load invoice", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// CheckInvoice handles POST /api/v1/invoices/{invoiceID}/check
// Runs the same payment check as the background watcher, synchronously.
func (s *Service) CheckInvoice(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		writeError(w, "payment checking is not enabled", http.StatusServiceUnavailable)
		return
	}

	inv, ok := s.loadInvoice(w, r)
	if !ok {
		return
	}

	detected, err := s.watcher.CheckInvoicePayment(r.Context(), inv)
	if err != nil {
		slog.Warn("on-demand invoice check failed", "invoice_id", inv.ID, "err", err)
		writeError(w, "payment check failed", http.StatusBadGateway)
		return
	}

	// Re-read so the response reflects the transition just applied.
	current, err := s.store.GetInvoice(r.Context(), inv.ID)
	if err != nil {
		writeError(w, "failed to load invoice", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, CheckResponse{Detected: detected, Invoice: current})
}

// --- helpers ---

func (s *Service) loadInvoice(w http.ResponseWriter, r *http.Request) (*model.Invoice, bool) {
	id := chi.URLParam(r, "invoiceID")
	inv, err := s.store.GetInvoice(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "invoice not found", http.StatusNotFound)
		} else {
			writeError(w, "failed to load invoice", http.StatusInternalServerError)
		}
		return nil, false
	}
	return inv, true
}

func validInvoiceStatus(s string) bool {
	switch s {
	case model.InvoiceDraft, model.InvoiceSent, model.InvoicePaid,
		model.InvoiceExpired, model.InvoiceCancelled:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
