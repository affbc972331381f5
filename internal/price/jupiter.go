// Package price keeps the ORE/SOL quote used for EV calculations.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"ore-agent/internal/domain"
	"ore-agent/internal/logging"
	"ore-agent/internal/observability"
	"ore-agent/internal/ore"
)

// Defaults.
const (
	DefaultEndpoint        = "https://api.jup.ag/price/v2"
	DefaultTimeout         = 1500 * time.Millisecond
	DefaultRefreshInterval = 60 * time.Second

	// NetFactor discounts the refining fee from the spot price.
	NetFactor = 0.9

	failureLogEvery = 3
)

// ErrInvalidPrice is returned when the API has no usable ORE price.
var ErrInvalidPrice = errors.New("invalid ORE price")

// Config configures the oracle.
type Config struct {
	Endpoint        string
	APIKey          string
	Timeout         time.Duration
	RefreshInterval time.Duration
}

// Oracle caches the Jupiter ORE price quoted in SOL. Concurrent refreshes
// share one request.
type Oracle struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	quote     *domain.PriceQuote
	lastFetch time.Time
	failures  int

	now func() time.Time
}

// NewOracle creates an Oracle. A nil client uses http.DefaultClient; the
// request timeout is applied per call.
func NewOracle(cfg Config, client *http.Client, logger *slog.Logger) *Oracle {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Oracle{
		cfg:    cfg,
		client: client,
		logger: logging.Component(logger, "price"),
		now:    time.Now,
	}
}

// Price returns the cached quote, nil before the first successful fetch.
func (o *Oracle) Price() *domain.PriceQuote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.quote == nil {
		return nil
	}
	q := *o.quote
	return &q
}

// IsStale reports whether the cached quote is missing or older than maxAge.
func (o *Oracle) IsStale(maxAge time.Duration) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.quote == nil || o.now().Sub(o.lastFetch) > maxAge
}

// Refresh fetches a new quote unless the cached one is younger than the
// refresh interval. On failure the cached quote is kept and the error
// returned alongside it.
func (o *Oracle) Refresh(ctx context.Context) (*domain.PriceQuote, error) {
	if !o.IsStale(o.cfg.RefreshInterval) {
		return o.Price(), nil
	}

	v, err, _ := o.group.Do("quote", func() (any, error) {
		start := o.now()
		q, err := o.fetch(ctx)
		observability.RecordPriceRefresh(err)

		o.mu.Lock()
		defer o.mu.Unlock()
		if err != nil {
			o.failures++
			if o.failures%failureLogEvery == 0 {
				o.logger.Warn("price refresh failing, using cached quote if available",
					"failures", o.failures, "duration", o.now().Sub(start), "error", err)
			}
			return nil, err
		}
		o.quote = q
		o.lastFetch = o.now()
		o.failures = 0
		return q, nil
	})
	if err != nil {
		return o.Price(), err
	}
	q := *v.(*domain.PriceQuote)
	return &q, nil
}

// ForceRefresh fetches regardless of the cached quote's age.
func (o *Oracle) ForceRefresh(ctx context.Context) (*domain.PriceQuote, error) {
	o.mu.Lock()
	o.lastFetch = time.Time{}
	o.mu.Unlock()
	return o.Refresh(ctx)
}

type priceResponse struct {
	Data map[string]struct {
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

func (o *Oracle) fetch(ctx context.Context) (*domain.PriceQuote, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(o.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	mint := ore.MintAddress.String()
	q := u.Query()
	q.Set("ids", mint)
	q.Set("vsToken", ore.WrappedSOL.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("x-api-key", o.cfg.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter api status %d", resp.StatusCode)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	entry, ok := body.Data[mint]
	if !ok || !entry.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	spot := entry.Price.InexactFloat64()
	return &domain.PriceQuote{
		SolPerOre:    spot,
		NetSolPerOre: entry.Price.Mul(decimal.NewFromFloat(NetFactor)).InexactFloat64(),
		FetchedAt:    o.now(),
	}, nil
}
