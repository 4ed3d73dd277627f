// Package httpfeed is a generic MarketFeed adapter for aggregator-style
// backends: market search over REST and price updates over a WebSocket
// stream. It is venue-agnostic; the backend decides which venues it can
// serve and tags every market and update with its venue identifier.
package httpfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"predarb/pkg/types"
)

// Config for the HTTP/WS feed adapter.
type Config struct {
	BaseURL string // REST endpoint, e.g. https://api.example.com
	WSURL   string // WebSocket endpoint, e.g. wss://stream.example.com/ws
	APIKey  string // optional bearer token for both transports

	Timeout time.Duration // REST timeout, default 10s

	// Search rate limit: burst capacity and sustained refill per second.
	// Defaults 10 burst / 2 per second.
	SearchBurst  float64
	SearchPerSec float64
}

// Feed implements the MarketFeed capability over REST and WebSocket.
type Feed struct {
	http     *resty.Client
	wsURL    string
	apiKey   string
	searchRL *TokenBucket
	logger   *slog.Logger
}

// New creates a Feed.
func New(cfg Config, logger *slog.Logger) *Feed {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	burst, rate := cfg.SearchBurst, cfg.SearchPerSec
	if burst <= 0 {
		burst = 10
	}
	if rate <= 0 {
		rate = 2
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Feed{
		http:     httpClient,
		wsURL:    cfg.WSURL,
		apiKey:   cfg.APIKey,
		searchRL: NewTokenBucket(burst, rate),
		logger:   logger.With("component", "httpfeed"),
	}
}

type wireOutcome struct {
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Volume24h float64 `json:"volume24h"`
}

type wireMarket struct {
	Venue     string        `json:"venue"`
	ID        string        `json:"id"`
	Question  string        `json:"question"`
	Slug      string        `json:"slug"`
	Outcomes  []wireOutcome `json:"outcomes"`
	Volume24h float64       `json:"volume24h"`
	Liquidity float64       `json:"liquidity"`
	EndDate   time.Time     `json:"endDate"`
}

func (w wireMarket) toMarket() types.Market {
	m := types.Market{
		Venue:     w.Venue,
		ID:        w.ID,
		Question:  w.Question,
		Slug:      w.Slug,
		Volume24h: w.Volume24h,
		Liquidity: w.Liquidity,
		EndDate:   w.EndDate,
	}
	for _, o := range w.Outcomes {
		m.Outcomes = append(m.Outcomes, types.Outcome{
			Name:      o.Name,
			Price:     o.Price,
			Volume24h: o.Volume24h,
		})
	}
	return m
}

// SearchMarkets queries GET /markets. An empty query returns the venue's
// active markets up to the backend's page size.
func (f *Feed) SearchMarkets(ctx context.Context, query, venue string) ([]types.Market, error) {
	if err := f.searchRL.Wait(ctx); err != nil {
		return nil, err
	}

	var result []wireMarket
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetQueryParam("venue", venue).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("search markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("search markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	markets := make([]types.Market, 0, len(result))
	for _, w := range result {
		markets = append(markets, w.toMarket())
	}
	return markets, nil
}

// Subscribe opens a WebSocket stream of price updates for the venues.
// The stream reconnects automatically; the channel closes when ctx is
// cancelled.
func (f *Feed) Subscribe(ctx context.Context, venues []string) (<-chan types.PriceUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.wsURL == "" {
		return nil, fmt.Errorf("subscribe: no websocket url configured")
	}

	s := newStream(f.wsURL, f.apiKey, venues, f.logger)
	go s.run(ctx)
	return s.updates, nil
}
