// Package costbasis implements the tax-lot accounting engine.
//
// Each calculation run replays a portfolio's time-ordered ledger from
// scratch: acquisitions open lots, disposals deplete them under the
// selected method (FIFO/LIFO/HIFO), and every (partial) lot consumed
// yields one realized gain record. Lots never persist between runs —
// the replay is what makes the result deterministic.
//
// All USD values use shopspring/decimal — never float64 for money.
package costbasis

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opacore/opacore/internal/model"
)

// Method selects the lot consumption order for disposals.
type Method string

const (
	// FIFO consumes lots oldest-acquired-first.
	FIFO Method = "fifo"
	// LIFO consumes lots newest-acquired-first.
	LIFO Method = "lifo"
	// HIFO consumes lots highest-unit-price-first.
	HIFO Method = "hifo"
)

// ErrUnknownMethod is returned when a method string is not fifo/lifo/hifo.
var ErrUnknownMethod = errors.New("costbasis: unknown cost basis method")

// ParseMethod parses a method string. The empty string defaults to FIFO.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "":
		return FIFO, nil
	case FIFO, LIFO, HIFO:
		return Method(s), nil
	}
	return "", ErrUnknownMethod
}

// longTermThresholdDays is the strict boundary for long-term treatment:
// exactly 365 days is still short-term.
const longTermThresholdDays = 365

// Disposal is one realized gain/loss record: a single sell/send event
// may emit several of these when it spans multiple lots.
type Disposal struct {
	DisposedAt   time.Time       `json:"disposed_at"`
	DisposedSat  int64           `json:"disposed_sat"`
	SalePriceUSD decimal.Decimal `json:"sale_price_usd"`
	CostBasisUSD decimal.Decimal `json:"cost_basis_usd"`
	ProceedsUSD  decimal.Decimal `json:"proceeds_usd"`
	GainUSD      decimal.Decimal `json:"gain_usd"`
	HoldingDays  int             `json:"holding_days"`
	LongTerm     bool            `json:"long_term"`
}

// Result is the output of a full replay.
type Result struct {
	Method               Method          `json:"method"`
	Disposals            []Disposal      `json:"disposals"`
	TotalRealizedGainUSD decimal.Decimal `json:"total_realized_gain_usd"`
	ShortTermGainUSD     decimal.Decimal `json:"short_term_gain_usd"`
	LongTermGainUSD      decimal.Decimal `json:"long_term_gain_usd"`

	// TotalDisposedSat counts satoshis actually taken out of lots,
	// regardless of any tax-year filter.
	TotalDisposedSat int64 `json:"total_disposed_sat"`

	// TruncatedSat is the portion of disposal requests that found no
	// lot to consume (selling more than was ever acquired). Depletion
	// silently stops there; this field lets callers surface it.
	TruncatedSat int64 `json:"truncated_sat"`

	RemainingLots         int             `json:"remaining_lots"`
	RemainingBalanceSat   int64           `json:"remaining_balance_sat"`
	RemainingCostBasisUSD decimal.Decimal `json:"remaining_cost_basis_usd"`
}

// lot is one open acquisition in the working set. Owned exclusively by
// a single Compute call, never shared or persisted.
type lot struct {
	seq          int
	amountSat    int64
	unitPriceUSD decimal.Decimal
	acquiredAt   time.Time
}

// Compute replays entries (assumed ordered by timestamp ascending, ties
// by ledger sequence) and returns realized gains plus the remaining lot
// state. taxYear, when non-nil, restricts which disposals are reported;
// lot depletion always runs over the whole ledger so a filtered report
// never perturbs the remaining balance seen by later queries.
func Compute(entries []model.LedgerEntry, method Method, taxYear *int) Result {
	var (
		lots      []*lot
		disposals []Disposal
		seq       int
		res       = Result{Method: method}
	)

	for i := range entries {
		e := &entries[i]
		price := decimal.Zero
		if e.PriceUSD.Valid {
			price = e.PriceUSD.Decimal
		}

		switch {
		case e.IsAcquisition():
			lots = append(lots, &lot{
				seq:          seq,
				amountSat:    e.AmountSat,
				unitPriceUSD: price,
				acquiredAt:   e.Timestamp,
			})
			seq++

		case e.IsDisposal():
			remaining := e.AmountSat
			for _, l := range orderLots(lots, method) {
				if remaining == 0 {
					break
				}
				disposed := remaining
				if l.amountSat < disposed {
					disposed = l.amountSat
				}

				costBasis := btcAmount(disposed).Mul(l.unitPriceUSD)
				proceeds := btcAmount(disposed).Mul(price)
				days := holdingDays(l.acquiredAt, e.Timestamp)

				if taxYear == nil || e.Timestamp.UTC().Year() == *taxYear {
					disposals = append(disposals, Disposal{
						DisposedAt:   e.Timestamp,
						DisposedSat:  disposed,
						SalePriceUSD: price,
						CostBasisUSD: costBasis,
						ProceedsUSD:  proceeds,
						GainUSD:      proceeds.Sub(costBasis),
						HoldingDays:  days,
						LongTerm:     days > longTermThresholdDays,
					})
				}

				l.amountSat -= disposed
				remaining -= disposed
				res.TotalDisposedSat += disposed
			}
			res.TruncatedSat += remaining
			lots = compact(lots)
		}
		// transfer: no tax event, no lot change
	}

	for _, d := range disposals {
		res.TotalRealizedGainUSD = res.TotalRealizedGainUSD.Add(d.GainUSD)
		if d.LongTerm {
			res.LongTermGainUSD = res.LongTermGainUSD.Add(d.GainUSD)
		} else {
			res.ShortTermGainUSD = res.ShortTermGainUSD.Add(d.GainUSD)
		}
	}
	for _, l := range lots {
		res.RemainingBalanceSat += l.amountSat
		res.RemainingCostBasisUSD = res.RemainingCostBasisUSD.Add(
			btcAmount(l.amountSat).Mul(l.unitPriceUSD))
	}
	res.RemainingLots = len(lots)
	res.Disposals = disposals
	return res
}

// orderLots returns the consumption order for the next disposal without
// mutating the working set's acquisition order.
func orderLots(lots []*lot, method Method) []*lot {
	ordered := make([]*lot, len(lots))
	copy(ordered, lots)

	switch method {
	case LIFO:
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	case HIFO:
		// Stable: equal prices keep acquisition order.
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].unitPriceUSD.GreaterThan(ordered[j].unitPriceUSD)
		})
	}
	return ordered
}

// compact drops depleted lots, preserving acquisition order.
func compact(lots []*lot) []*lot {
	kept := lots[:0]
	for _, l := range lots {
		if l.amountSat > 0 {
			kept = append(kept, l)
		}
	}
	return kept
}

// holdingDays returns whole days between the acquisition and disposal
// dates (time-of-day ignored). Unknown timestamps yield a zero-day
// holding period rather than failing the run.
func holdingDays(acquired, disposed time.Time) int {
	if acquired.IsZero() || disposed.IsZero() {
		return 0
	}
	a := dateOnly(acquired)
	d := dateOnly(disposed)
	return int(d.Sub(a).Hours() / 24)
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// btcAmount converts satoshis to a BTC decimal (1 BTC = 1e8 sat).
func btcAmount(sat int64) decimal.Decimal {
	return decimal.New(sat, -8)
}

// Summary is the portfolio-level view built on top of the engine:
// current value minus remaining cost basis gives unrealized gain.
type Summary struct {
	TotalBalanceSat   int64           `json:"total_balance_sat"`
	TotalReceivedSat  int64           `json:"total_received_sat"`
	TotalSentSat      int64           `json:"total_sent_sat"`
	TransactionCount  int             `json:"transaction_count"`
	TotalCostBasisUSD decimal.Decimal `json:"total_cost_basis_usd"`
	CurrentValueUSD   decimal.Decimal `json:"current_value_usd"`
	UnrealizedGainUSD decimal.Decimal `json:"unrealized_gain_usd"`
	RealizedGainUSD   decimal.Decimal `json:"realized_gain_usd"`
}

// Summarize computes holdings and unrealized gain for a portfolio at
// the given current BTC price.
func Summarize(entries []model.LedgerEntry, currentPriceUSD decimal.Decimal, method Method) Summary {
	s := Summary{TransactionCount: len(entries)}
	for i := range entries {
		e := &entries[i]
		switch {
		case e.IsAcquisition():
			s.TotalReceivedSat += e.AmountSat
		case e.IsDisposal():
			s.TotalSentSat += e.AmountSat
		}
	}
	s.TotalBalanceSat = s.TotalReceivedSat - s.TotalSentSat
	s.CurrentValueUSD = btcAmount(s.TotalBalanceSat).Mul(currentPriceUSD)

	res := Compute(entries, method, nil)
	s.TotalCostBasisUSD = res.RemainingCostBasisUSD
	s.UnrealizedGainUSD = s.CurrentValueUSD.Sub(res.RemainingCostBasisUSD)
	s.RealizedGainUSD = res.TotalRealizedGainUSD
	return s
}
