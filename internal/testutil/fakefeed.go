package testutil

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/pricefeed"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FakeFeed is an in-memory pricefeed.Feed. Unknown symbols fail with
// PriceFeedUnavailable.
type FakeFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	calls  map[string]int
	Fail   bool
}

func NewFakeFeed(prices map[string]string) *FakeFeed {
	f := &FakeFeed{prices: map[string]decimal.Decimal{}, calls: map[string]int{}}
	for sym, p := range prices {
		f.prices[strings.ToUpper(sym)] = decimal.RequireFromString(p)
	}
	return f
}

// Set changes the price of symbol.
func (f *FakeFeed) Set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[strings.ToUpper(symbol)] = decimal.RequireFromString(price)
}

// Calls returns how many lookups symbol received.
func (f *FakeFeed) Calls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[strings.ToUpper(symbol)]
}

func (f *FakeFeed) GetPrice(ctx context.Context, symbol string) (pricefeed.Quote, error) {
	const op = "testutil.FakeFeed"
	symbol = strings.ToUpper(symbol)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++

	if err := ctx.Err(); err != nil {
		return pricefeed.Quote{}, errs.Wrap(errs.KindPriceFeedUnavailable, op, err)
	}
	p, ok := f.prices[symbol]
	if f.Fail || !ok {
		return pricefeed.Quote{}, errs.New(errs.KindPriceFeedUnavailable, op, "no price for %s", symbol)
	}
	return pricefeed.Quote{Symbol: symbol, Price: p, FetchedAt: time.Now().UTC()}, nil
}
