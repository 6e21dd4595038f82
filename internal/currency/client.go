package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrRateUnavailable indicates the provider had no rate for the pair.
var ErrRateUnavailable = errors.New("currency: rate unavailable")

// Client fetches exchange rates from an external provider exposing the
// common `/latest/{base}` JSON shape.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a rate provider client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type latestResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// Latest returns all rates quoted against the base currency.
func (c *Client) Latest(ctx context.Context, base string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/latest/%s", c.baseURL, base), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("currency: fetch rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("currency: provider returned %d: %w", resp.StatusCode, ErrRateUnavailable)
	}
	var payload latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("currency: decode rates: %w", err)
	}
	if len(payload.Rates) == 0 {
		return nil, ErrRateUnavailable
	}
	return payload.Rates, nil
}
