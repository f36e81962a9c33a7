// Package pricefeed reads spot prices from the HTTP price oracle.
package pricefeed

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Quote is one price observation. DropPercent is the oracle's own 24h change
// figure and is informational only; triggers are computed from Price.
type Quote struct {
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	DropPercent decimal.Decimal `json:"drop_percent"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// Feed returns the current price of a symbol.
type Feed interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// Config for NewHTTPFeed.
type Config struct {
	BaseURL string
	RPS     float64       // client-side request budget; 0 disables limiting
	Burst   int           // default 1
	Timeout time.Duration // per request; default 10s
}

// HTTPFeed implements Feed over GET {base}/price/{symbol}.
type HTTPFeed struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewHTTPFeed(cfg Config, metrics *observability.Metrics, logger zerolog.Logger) (*HTTPFeed, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errs.New(errs.KindConfigurationMissing, "pricefeed.NewHTTPFeed", "price feed url required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errs.New(errs.KindConfigurationMissing, "pricefeed.NewHTTPFeed", "invalid price feed url %q: %v", base, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &HTTPFeed{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}, nil
}

type priceResponse struct {
	Price       *decimal.Decimal `json:"price"`
	DropPercent decimal.Decimal  `json:"dropPercent"`
}

// GetPrice fetches symbol. Every failure, including a non-positive price,
// is PriceFeedUnavailable.
func (f *HTTPFeed) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	const op = "pricefeed.GetPrice"
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Quote{}, errs.New(errs.KindInvalidInput, op, "symbol required")
	}

	q, err := f.fetch(ctx, symbol)
	result := "ok"
	if err != nil {
		result = "error"
		f.logger.Warn().Err(err).Str("symbol", symbol).Msg("price fetch failed")
		err = errs.Wrap(errs.KindPriceFeedUnavailable, op, err)
	}
	if f.metrics != nil {
		f.metrics.PriceFeedRequests.WithLabelValues(symbol, result).Inc()
	}
	return q, err
}

func (f *HTTPFeed) fetch(ctx context.Context, symbol string) (Quote, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Quote{}, fmt.Errorf("rate limit: %w", err)
	}

	endpoint := f.base + "/price/" + url.PathEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("price feed %s: status=%d body=%q", symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload priceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("decode price for %s: %w", symbol, err)
	}
	if payload.Price == nil {
		return Quote{}, fmt.Errorf("price for %s missing from response", symbol)
	}
	if !payload.Price.IsPositive() {
		return Quote{}, fmt.Errorf("price for %s must be positive, got %s", symbol, payload.Price)
	}

	return Quote{
		Symbol:      symbol,
		Price:       *payload.Price,
		DropPercent: payload.DropPercent,
		FetchedAt:   time.Now().UTC(),
	}, nil
}
