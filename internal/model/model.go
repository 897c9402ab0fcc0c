// Package model defines the core domain types shared across the service.
// All USD values use shopspring/decimal — never float64 for money.
// Bitcoin amounts are satoshis (int64).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types recorded in the ledger. Buy/Receive are acquisitions,
// Sell/Send are disposals, Transfer is a non-taxable movement.
const (
	TxBuy      = "buy"
	TxSell     = "sell"
	TxReceive  = "receive"
	TxSend     = "send"
	TxTransfer = "transfer"
)

// ValidTxType reports whether t is a known ledger entry type.
func ValidTxType(t string) bool {
	switch t {
	case TxBuy, TxSell, TxReceive, TxSend, TxTransfer:
		return true
	}
	return false
}

// LedgerEntry is an immutable record of an economic event in a portfolio.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string              `json:"id" db:"id"`
	PortfolioID string              `json:"portfolio_id" db:"portfolio_id"`
	TxType      string              `json:"tx_type" db:"tx_type"`
	AmountSat   int64               `json:"amount_sat" db:"amount_sat"`
	PriceUSD    decimal.NullDecimal `json:"price_usd" db:"price_usd"` // USD per BTC at event time, if known
	Txid        string              `json:"txid,omitempty" db:"txid"`
	Timestamp   time.Time           `json:"timestamp" db:"timestamp"`
}

// IsAcquisition reports whether the entry opens a tax lot.
func (e *LedgerEntry) IsAcquisition() bool {
	return e.TxType == TxBuy || e.TxType == TxReceive
}

// IsDisposal reports whether the entry consumes tax lots.
func (e *LedgerEntry) IsDisposal() bool {
	return e.TxType == TxSell || e.TxType == TxSend
}

// Invoice lifecycle states.
const (
	InvoiceDraft     = "draft"
	InvoiceSent      = "sent"
	InvoicePaid      = "paid"
	InvoiceExpired   = "expired"
	InvoiceCancelled = "cancelled"
)

// Invoice is a payment request tied to a Bitcoin address. Status moves
// draft → sent → paid, with expired and cancelled as alternate exits.
// A reusable invoice may be paid repeatedly (donation-style address),
// so "paid" is not terminal for that variant.
type Invoice struct {
	ID            string     `json:"id" db:"id"`
	PortfolioID   string     `json:"portfolio_id" db:"portfolio_id"`
	InvoiceNumber string     `json:"invoice_number,omitempty" db:"invoice_number"`
	Description   string     `json:"description,omitempty" db:"description"`
	Address       string     `json:"address" db:"address"`
	AmountSat     int64      `json:"amount_sat" db:"amount_sat"`
	Reusable      bool       `json:"reusable" db:"reusable"`
	Status        string     `json:"status" db:"status"`
	IssuedAt      *time.Time `json:"issued_at,omitempty" db:"issued_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	PaidAt        *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	PaidTxid      string     `json:"paid_txid,omitempty" db:"paid_txid"`
	PaidAmountSat int64      `json:"paid_amount_sat,omitempty" db:"paid_amount_sat"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Payment holds the observed on-chain payment applied to an invoice.
type Payment struct {
	Txid      string    `json:"txid"`
	AmountSat int64     `json:"amount_sat"`
	PaidAt    time.Time `json:"paid_at"`
}
