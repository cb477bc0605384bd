package rates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPSourceGetRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rates/BTC-NGN", r.URL.Path)
		w.Write([]byte(`{"pair":"BTC-NGN","rate":"98000000.50"}`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, time.Second)
	rate, err := source.GetRate(context.Background(), "BTC-NGN")
	require.NoError(t, err)
	assert.Equal(t, "98000000.5", rate.String())
}

func TestHTTPSourceRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, time.Second)
	_, err := source.GetRate(context.Background(), "BTC-NGN")
	require.Error(t, err)
}

func TestHTTPSourceRejectsNonPositiveRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pair":"BTC-NGN","rate":"0"}`))
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL, time.Second)
	_, err := source.GetRate(context.Background(), "BTC-NGN")
	require.Error(t, err)
}

type failingSource struct{}

func (failingSource) GetRate(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("upstream down")
}

func TestCachedSourceServesCacheHit(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("rates:BTC-NGN").SetVal("98000000.5")

	cached := NewCachedSource(failingSource{}, client, 15*time.Minute, zap.NewNop())
	rate, err := cached.GetRate(context.Background(), "BTC-NGN")
	require.NoError(t, err)
	assert.Equal(t, "98000000.5", rate.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedSourceFetchesAndCachesOnMiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pair":"BTC-NGN","rate":"100.25"}`))
	}))
	defer server.Close()

	client, mock := redismock.NewClientMock()
	mock.ExpectGet("rates:BTC-NGN").RedisNil()
	mock.ExpectSet("rates:BTC-NGN", "100.25", 15*time.Minute).SetVal("OK")
	mock.ExpectSet("rates:stale:BTC-NGN", "100.25", 0).SetVal("OK")

	cached := NewCachedSource(NewHTTPSource(server.URL, time.Second), client, 15*time.Minute, zap.NewNop())
	rate, err := cached.GetRate(context.Background(), "BTC-NGN")
	require.NoError(t, err)
	assert.Equal(t, "100.25", rate.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedSourceFallsBackToStaleRate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("rates:BTC-NGN").RedisNil()
	mock.ExpectGet("rates:stale:BTC-NGN").SetVal("99.5")

	cached := NewCachedSource(failingSource{}, client, 15*time.Minute, zap.NewNop())
	rate, err := cached.GetRate(context.Background(), "BTC-NGN")
	require.NoError(t, err)
	assert.Equal(t, "99.5", rate.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedSourceFailsClosedWithoutAnyRate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("rates:BTC-NGN").RedisNil()
	mock.ExpectGet("rates:stale:BTC-NGN").RedisNil()

	cached := NewCachedSource(failingSource{}, client, 15*time.Minute, zap.NewNop())
	_, err := cached.GetRate(context.Background(), "BTC-NGN")
	require.ErrorIs(t, err, ErrRateUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}
