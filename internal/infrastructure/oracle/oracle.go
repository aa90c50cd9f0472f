// Package oracle abstracts USD conversion. Risk gates that need USD
// figures fail closed when the oracle cannot price an asset — the
// pipeline never fabricates a price.
package oracle

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Oracle prices a token in USD.
type Oracle interface {
	// PriceUSD returns the USD price of one unit of token on chain.
	// An error means the asset is unpriceable right now.
	PriceUSD(chain, token string) (decimal.Decimal, error)
}

// Static is a fixed price table, used by tests and dry-run mode.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic builds an oracle over a token -> price table shared across
// chains.
func NewStatic(prices map[string]float64) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for tok, p := range prices {
		s.prices[tok] = decimal.NewFromFloat(p)
	}
	return s
}

// Set updates or adds a price.
func (s *Static) Set(token string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = decimal.NewFromFloat(price)
}

func (s *Static) PriceUSD(_, token string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("no USD price for %s", token)
	}
	return p, nil
}
