// Package taxreport aggregates realized gains for a tax year into a
// capital-gains disposal schedule and its CSV export (Form 8949 layout).
package taxreport

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"github.com/opacore/opacore/internal/costbasis"
	"github.com/opacore/opacore/internal/model"
)

// Disposition is one line of the disposal schedule. The acquisition
// date is reported as "Various" because a single disposal may draw
// from lots acquired on different dates.
type Disposition struct {
	Description   string          `json:"description"`
	DateAcquired  string          `json:"date_acquired"`
	DateSold      string          `json:"date_sold"`
	ProceedsUSD   decimal.Decimal `json:"proceeds"`
	CostBasisUSD  decimal.Decimal `json:"cost_basis"`
	GainOrLossUSD decimal.Decimal `json:"gain_or_loss"`
	HoldingPeriod string          `json:"holding_period"` // "Short-term" or "Long-term"
	HoldingDays   int             `json:"holding_days"`
}

// Report is the aggregated tax report for one year. All currency
// figures are rounded to cents, half away from zero.
type Report struct {
	Year             int              `json:"year"`
	Method           costbasis.Method `json:"method"`
	ShortTermGains   decimal.Decimal  `json:"short_term_gains"`
	LongTermGains    decimal.Decimal  `json:"long_term_gains"`
	TotalGains       decimal.Decimal  `json:"total_gains"`
	TotalProceeds    decimal.Decimal  `json:"total_proceeds"`
	TotalCostBasis   decimal.Decimal  `json:"total_cost_basis"`
	DispositionCount int              `json:"disposition_count"`
	Dispositions     []Disposition    `json:"dispositions"`
}

// Generate runs the lot engine with the year filter and builds the
// disposal schedule.
func Generate(entries []model.LedgerEntry, year int, method costbasis.Method) Report {
	res := costbasis.Compute(entries, method, &year)

	dispositions := make([]Disposition, 0, len(res.Disposals))
	totalProceeds := decimal.Zero
	totalCost := decimal.Zero
	totalGain := decimal.Zero

	for _, g := range res.Disposals {
		term := "Short-term"
		if g.LongTerm {
			term = "Long-term"
		}
		dp := Disposition{
			Description:   fmt.Sprintf("%s BTC", decimal.New(g.DisposedSat, -8).StringFixed(8)),
			DateAcquired:  "Various",
			DateSold:      g.DisposedAt.UTC().Format("2006-01-02"),
			ProceedsUSD:   round2(g.ProceedsUSD),
			CostBasisUSD:  round2(g.CostBasisUSD),
			GainOrLossUSD: round2(g.GainUSD),
			HoldingPeriod: term,
			HoldingDays:   g.HoldingDays,
		}
		totalProceeds = totalProceeds.Add(dp.ProceedsUSD)
		totalCost = totalCost.Add(dp.CostBasisUSD)
		totalGain = totalGain.Add(dp.GainOrLossUSD)
		dispositions = append(dispositions, dp)
	}

	return Report{
		Year:             year,
		Method:           method,
		ShortTermGains:   round2(res.ShortTermGainUSD),
		LongTermGains:    round2(res.LongTermGainUSD),
		// Totals sum the rounded row values so the TOTALS row of the
		// export always matches the rows it summarizes.
		TotalGains:       round2(totalGain),
		TotalProceeds:    round2(totalProceeds),
		TotalCostBasis:   round2(totalCost),
		DispositionCount: len(dispositions),
		Dispositions:     dispositions,
	}
}

// csvHeader matches the standard capital-gains disposal form layout.
var csvHeader = []string{
	"Description of Property",
	"Date Acquired",
	"Date Sold or Disposed Of",
	"Proceeds (Sales Price)",
	"Cost or Other Basis",
	"Gain or (Loss)",
	"Term",
}

// WriteCSV renders the schedule plus a trailing TOTALS row as CSV.
func (r Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, dp := range r.Dispositions {
		record := []string{
			dp.Description,
			dp.DateAcquired,
			dp.DateSold,
			dp.ProceedsUSD.StringFixed(2),
			dp.CostBasisUSD.StringFixed(2),
			dp.GainOrLossUSD.StringFixed(2),
			dp.HoldingPeriod,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	totals := []string{
		"TOTALS",
		"",
		"",
		r.TotalProceeds.StringFixed(2),
		r.TotalCostBasis.StringFixed(2),
		r.TotalGains.StringFixed(2),
		"",
	}
	if err := cw.Write(totals); err != nil {
		return fmt.Errorf("write csv totals: %w", err)
	}

	cw.Flush()
	return cw.Error()
}

// round2 rounds to cents, half away from zero.
func round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}
