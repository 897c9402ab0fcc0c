// Package prices supplies BTC price quotes through an Oracle interface.
// The concrete implementation is the CoinGecko public API; a Redis
// read-through cache keeps summary requests and watcher ledger writes
// from hammering the upstream rate limit.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultURL is the public CoinGecko API.
const DefaultURL = "https://api.coingecko.com/api/v3"

const userAgent = "opacore/0.1"

// Oracle answers price-at-time queries. Currency codes are lowercase
// ISO 4217 ("usd", "eur").
type Oracle interface {
	// CurrentPrice returns the latest BTC price in the given currency.
	CurrentPrice(ctx context.Context, currency string) (decimal.Decimal, error)

	// HistoricalPrice returns the BTC price on the given calendar day.
	HistoricalPrice(ctx context.Context, day time.Time, currency string) (decimal.Decimal, error)
}

// CoinGecko implements Oracle against the CoinGecko HTTP API.
type CoinGecko struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGecko creates a client. An empty baseURL selects the public API.
func NewCoinGecko(baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &CoinGecko{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type simplePriceResponse struct {
	Bitcoin map[string]decimal.Decimal `json:"bitcoin"`
}

type historyResponse struct {
	MarketData *struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

func (c *CoinGecko) CurrentPrice(ctx context.Context, currency string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/simple/price?ids=bitcoin&vs_currencies=%s", c.baseURL, currency)

	var out simplePriceResponse
	if err := c.get(ctx, u, &out); err != nil {
		return decimal.Zero, err
	}
	p, ok := out.Bitcoin[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("prices: no quote for currency %q", currency)
	}
	return p, nil
}

func (c *CoinGecko) HistoricalPrice(ctx context.Context, day time.Time, currency string) (decimal.Decimal, error) {
	// CoinGecko wants dd-mm-yyyy.
	u := fmt.Sprintf("%s/coins/bitcoin/history?date=%s&localization=false",
		c.baseURL, day.UTC().Format("02-01-2006"))

	var out historyResponse
	if err := c.get(ctx, u, &out); err != nil {
		return decimal.Zero, err
	}
	if out.MarketData == nil {
		return decimal.Zero, fmt.Errorf("prices: no market data for %s", day.UTC().Format("2006-01-02"))
	}
	p, ok := out.MarketData.CurrentPrice[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("prices: no quote for currency %q", currency)
	}
	return p, nil
}

func (c *CoinGecko) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("prices: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("prices: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prices: status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("prices: decode response: %w", err)
	}
	return nil
}
