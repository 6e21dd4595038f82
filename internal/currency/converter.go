// Package currency converts submitted amounts into company currency at
// expense creation time. It is not consulted during approval decisions.
package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/currency"
)

// ErrUnknownCurrency indicates a code that is not valid ISO 4217.
var ErrUnknownCurrency = errors.New("currency: unknown currency code")

// Conversion is the result of converting an amount between currencies.
type Conversion struct {
	Amount float64
	Rate   float64
}

// ProviderPort fetches fresh rates quoted against a base currency.
type ProviderPort interface {
	Latest(ctx context.Context, base string) (map[string]float64, error)
}

// Converter resolves exchange rates through the cache, falling back to the
// provider on miss.
type Converter struct {
	provider ProviderPort
	cache    *RateCache
}

// NewConverter constructs a Converter.
func NewConverter(provider ProviderPort, cache *RateCache) *Converter {
	return &Converter{provider: provider, cache: cache}
}

// Normalize upper-cases and validates an ISO 4217 code.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, err := currency.ParseISO(code); err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return code, nil
}

// Convert returns the amount expressed in the target currency together with
// the rate applied. Identical currencies convert at rate 1.
func (c *Converter) Convert(ctx context.Context, amount float64, from, to string) (Conversion, error) {
	from, err := Normalize(from)
	if err != nil {
		return Conversion{}, err
	}
	to, err = Normalize(to)
	if err != nil {
		return Conversion{}, err
	}
	if from == to {
		return Conversion{Amount: amount, Rate: 1}, nil
	}

	if rate, ok := c.cache.Get(ctx, from, to); ok {
		return Conversion{Amount: amount * rate, Rate: rate}, nil
	}

	rates, err := c.provider.Latest(ctx, from)
	if err != nil {
		return Conversion{}, err
	}
	rate, ok := rates[to]
	if !ok || rate <= 0 {
		return Conversion{}, fmt.Errorf("%w: %s to %s", ErrRateUnavailable, from, to)
	}
	c.cache.Put(ctx, from, to, rate)
	return Conversion{Amount: amount * rate, Rate: rate}, nil
}
