// Package esplora is a minimal client for the Esplora blockchain
// explorer HTTP API (blockstream.info and compatible deployments).
// Only the address-transactions endpoint is exposed; that is all the
// payment watcher needs for invoice reconciliation.
package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultURL is the public Blockstream Esplora instance.
const DefaultURL = "https://blockstream.info/api"

const userAgent = "opacore/0.1"

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed bool  `json:"confirmed"`
	BlockTime int64 `json:"block_time,omitempty"`
}

// Vout is one transaction output.
type Vout struct {
	ScriptpubkeyAddress string `json:"scriptpubkey_address,omitempty"`
	Value               int64  `json:"value"` // satoshis
}

// Tx is a transaction touching a watched address. Inputs are not
// modeled: payment detection only inspects outputs.
type Tx struct {
	Txid   string   `json:"txid"`
	Status TxStatus `json:"status"`
	Vout   []Vout   `json:"vout"`
}

// ValueToAddress sums the outputs paying the given address.
func (t *Tx) ValueToAddress(address string) int64 {
	var total int64
	for _, v := range t.Vout {
		if v.ScriptpubkeyAddress == address {
			total += v.Value
		}
	}
	return total
}

// Client queries an Esplora API instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given Esplora base URL.
// An empty baseURL selects the public Blockstream instance.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// AddressTxs returns the transactions touching an address, in the
// order the API reports them (newest first on Esplora).
func (c *Client) AddressTxs(ctx context.Context, address string) ([]Tx, error) {
	u := fmt.Sprintf("%s/address/%s/txs", c.baseURL, url.PathEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("esplora: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esplora: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("esplora: status %d for %s: %s", resp.StatusCode, address, body)
	}

	var txs []Tx
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, fmt.Errorf("esplora: decode response: %w", err)
	}
	return txs, nil
}
