package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/money"
)

func testIntent(t *testing.T, amountMinor int64) *contracts.PaymentIntent {
	t.Helper()
	amt, err := money.New(amountMinor, "USD")
	require.NoError(t, err)
	return &contracts.PaymentIntent{
		ID:     "pi_test",
		Amount: amt,
		Status: contracts.StatusProcessing,
	}
}

func TestHTTPSettlerApproved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req settleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pi_test", req.Reference)
		assert.Equal(t, int64(2500), req.AmountMinor)
		assert.Equal(t, "USD", req.Currency)
		assert.Equal(t, "fp_abc", req.MethodToken)

		json.NewEncoder(w).Encode(settleResponse{Approved: true, NetworkRef: "net_123"})
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, time.Second)
	method := &contracts.PaymentMethod{ID: "pm_1", Type: contracts.MethodCard, Fingerprint: "fp_abc"}

	res, err := s.Settle(context.Background(), testIntent(t, 2500), method)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, "net_123", res.NetworkRef)
	assert.Empty(t, res.Reason)
}

func TestHTTPSettlerDeclinedIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(settleResponse{Approved: false, Reason: "declined"})
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, time.Second)
	res, err := s.Settle(context.Background(), testIntent(t, 100), nil)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, contracts.ReasonDeclined, res.Reason)
}

func TestHTTPSettlerTimeoutMapsToDownstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, 20*time.Millisecond)
	_, err := s.Settle(context.Background(), testIntent(t, 100), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrDownstreamTimeout), "got %v", err)
}

func TestHTTPSettler5xxMapsToUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, time.Second)
	_, err := s.Settle(context.Background(), testIntent(t, 100), nil)
	assert.True(t, errors.Is(err, contracts.ErrDownstreamUnavailable), "got %v", err)
}

func TestHTTPSettlerBreakerOpensOnRepeatedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPSettler(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		_, err := s.Settle(context.Background(), testIntent(t, 100), nil)
		require.Error(t, err)
	}

	// Breaker is now open; the next attempt must fail without a request.
	srv.Close()
	_, err := s.Settle(context.Background(), testIntent(t, 100), nil)
	assert.True(t, errors.Is(err, contracts.ErrDownstreamUnavailable), "got %v", err)
}

func TestStubSettlerDeclineOver(t *testing.T) {
	s := &StubSettler{DeclineOver: 1000}

	res, err := s.Settle(context.Background(), testIntent(t, 999), nil)
	require.NoError(t, err)
	assert.True(t, res.Approved)

	res, err = s.Settle(context.Background(), testIntent(t, 1001), nil)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, contracts.ReasonDeclined, res.Reason)
}
