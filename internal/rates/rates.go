package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRateUnavailable means neither the upstream source nor the cache could
// produce a rate. Callers fail closed: no money moves on a guessed rate.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

type Source interface {
	GetRate(ctx context.Context, pair string) (decimal.Decimal, error)
}

// HTTPSource fetches rates from the configured provider with a bounded
// timeout.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type rateResponse struct {
	Pair string `json:"pair"`
	Rate string `json:"rate"`
}

func (s *HTTPSource) GetRate(ctx context.Context, pair string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/rates/%s", s.baseURL, pair), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("rate source returned %d", resp.StatusCode)
	}
	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(body.Rate)
	if err != nil || rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("rate source returned invalid rate %q", body.Rate)
	}
	return rate, nil
}

// CachedSource serves rates from redis for up to the TTL, refreshing from the
// wrapped source on a miss. When the source is unreachable it falls back to
// the last known rate rather than blocking the crediting path on a dead
// upstream.
type CachedSource struct {
	source Source
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedSource(source Source, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedSource {
	return &CachedSource{source: source, redis: redisClient, ttl: ttl, logger: logger}
}

func cacheKey(pair string) string { return "rates:" + pair }
func staleKey(pair string) string { return "rates:stale:" + pair }

func (s *CachedSource) GetRate(ctx context.Context, pair string) (decimal.Decimal, error) {
	if cached, err := s.redis.Get(ctx, cacheKey(pair)).Result(); err == nil {
		if rate, parseErr := decimal.NewFromString(cached); parseErr == nil {
			return rate, nil
		}
	}
	rate, err := s.source.GetRate(ctx, pair)
	if err != nil {
		s.logger.Warn("rate fetch failed, trying last known rate", zap.String("pair", pair), zap.Error(err))
		stale, staleErr := s.redis.Get(ctx, staleKey(pair)).Result()
		if staleErr != nil {
			return decimal.Zero, ErrRateUnavailable
		}
		parsed, parseErr := decimal.NewFromString(stale)
		if parseErr != nil {
			return decimal.Zero, ErrRateUnavailable
		}
		return parsed, nil
	}
	value := rate.String()
	if err := s.redis.Set(ctx, cacheKey(pair), value, s.ttl).Err(); err != nil {
		s.logger.Warn("rate cache write failed", zap.Error(err))
	}
	if err := s.redis.Set(ctx, staleKey(pair), value, 0).Err(); err != nil {
		s.logger.Warn("rate stale-cache write failed", zap.Error(err))
	}
	return rate, nil
}
