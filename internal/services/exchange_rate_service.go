package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

// ErrRateUnavailable means neither rate source produced a usable quote.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Rate is a fiat price for one whole token, with its freshness window.
type Rate struct {
	Price     float64
	Currency  string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the quote is past its freshness window.
func (r Rate) Expired() bool { return time.Now().After(r.ExpiresAt) }

// ExchangeRateService fetches token/fiat prices from a primary source
// with a Coinbase-shaped fallback, caching each quote for its TTL.
type ExchangeRateService struct {
	httpClient  *http.Client
	primaryURL  string
	fallbackURL string
	ttl         time.Duration
	logger      *zap.Logger

	mu    sync.RWMutex
	cache map[string]Rate
}

// NewExchangeRateService creates the rate service.
func NewExchangeRateService(httpClient *http.Client, primaryURL, fallbackURL string, ttl time.Duration, logger *zap.Logger) *ExchangeRateService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &ExchangeRateService{
		httpClient:  httpClient,
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		ttl:         ttl,
		logger:      logger,
		cache:       make(map[string]Rate),
	}
}

// GetRate returns the current fiat price per whole token, serving
// from cache while fresh.
func (s *ExchangeRateService) GetRate(ctx context.Context, token types.TokenType, currency string) (Rate, error) {
	currency = strings.ToUpper(currency)
	key := string(token) + "/" + currency

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && !cached.Expired() {
		return cached, nil
	}

	price, err := s.fetchWithRetry(ctx, s.primaryURL, token, currency, parsePrimary)
	if err != nil {
		s.logger.Warn("primary rate source failed, falling back",
			zap.String("pair", key), zap.Error(err))
		price, err = s.fetchWithRetry(ctx, s.fallbackURL, token, currency, parseCoinbase)
		if err != nil {
			return Rate{}, errors.Wrap(ErrRateUnavailable, err.Error())
		}
	}

	now := time.Now()
	rate := Rate{
		Price:     price,
		Currency:  currency,
		FetchedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.cache[key] = rate
	s.mu.Unlock()

	return rate, nil
}

type priceParser func(body []byte, token types.TokenType, currency string) (float64, error)

func (s *ExchangeRateService) fetchWithRetry(ctx context.Context, baseURL string, token types.TokenType, currency string, parse priceParser) (float64, error) {
	var price float64

	operation := func() error {
		url := buildRateURL(baseURL, token, currency)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("rate source returned status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		price, err = parse(body, token, currency)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxElapsedTime = 3 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return 0, err
	}
	return price, nil
}

// buildRateURL shapes the query for either source. The primary is
// CoinGecko-style (ids/vs_currencies query params); the fallback is
// Coinbase-style (path-encoded pair).
func buildRateURL(baseURL string, token types.TokenType, currency string) string {
	if strings.Contains(baseURL, "coinbase") {
		return fmt.Sprintf("%s/%s-%s/spot", strings.TrimSuffix(baseURL, "/"), coinbaseSymbol(token), currency)
	}
	return fmt.Sprintf("%s?ids=%s&vs_currencies=%s", baseURL, geckoID(token), strings.ToLower(currency))
}

func geckoID(token types.TokenType) string {
	if token == types.TokenUSDC {
		return "usd-coin"
	}
	return "ethereum"
}

func coinbaseSymbol(token types.TokenType) string {
	if token == types.TokenUSDC {
		return "USDC"
	}
	return "ETH"
}

func parsePrimary(body []byte, token types.TokenType, currency string) (float64, error) {
	var payload map[string]map[string]float64
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, errors.Wrap(err, "failed to parse primary rate response")
	}
	price, ok := payload[geckoID(token)][strings.ToLower(currency)]
	if !ok || price <= 0 {
		return 0, errors.New("primary rate response missing price")
	}
	return price, nil
}

func parseCoinbase(body []byte, _ types.TokenType, _ string) (float64, error) {
	var payload struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, errors.Wrap(err, "failed to parse fallback rate response")
	}
	price, err := strconv.ParseFloat(payload.Data.Amount, 64)
	if err != nil || price <= 0 {
		return 0, errors.New("fallback rate response missing price")
	}
	return price, nil
}
