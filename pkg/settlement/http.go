package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/util/resiliency"
)

// DefaultTimeout bounds a single settlement attempt end to end.
const DefaultTimeout = 10 * time.Second

// settleRequest is the wire form of one authorization attempt. Reference
// carries the intent ID so the acquirer deduplicates re-submissions.
type settleRequest struct {
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	MethodToken string `json:"method_token"`
	MethodType  string `json:"method_type"`
}

type settleResponse struct {
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
	NetworkRef string `json:"network_ref,omitempty"`
}

// HTTPSettler talks to an acquiring gateway over HTTP. A circuit breaker
// sits in front of the endpoint so that a dead gateway fails fast instead
// of holding every confirm for the full timeout.
//
// Settle makes exactly one attempt. A timed-out attempt has an unknown
// outcome and must never be retried blindly; the error taxonomy lets the
// caller distinguish "never sent" from "outcome unknown".
type HTTPSettler struct {
	endpoint string
	client   *http.Client
	breaker  *resiliency.CircuitBreaker
	log      *slog.Logger
}

// NewHTTPSettler returns a settler for the given gateway endpoint. A
// non-positive timeout falls back to DefaultTimeout.
func NewHTTPSettler(endpoint string, timeout time.Duration) *HTTPSettler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSettler{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  resiliency.NewCircuitBreaker(5, 30*time.Second),
		log:      slog.Default().With("component", "settlement"),
	}
}

func (s *HTTPSettler) Settle(ctx context.Context, intent *contracts.PaymentIntent, method *contracts.PaymentMethod) (*Result, error) {
	if !s.breaker.Allow() {
		return nil, fmt.Errorf("gateway circuit open: %w", contracts.ErrDownstreamUnavailable)
	}

	payload := settleRequest{
		Reference:   intent.ID,
		AmountMinor: intent.Amount.AmountMinor,
		Currency:    intent.Amount.Currency,
	}
	if method != nil {
		payload.MethodToken = method.Fingerprint
		payload.MethodType = string(method.Type)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build settle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.Failure()
		return nil, s.classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.breaker.Failure()
		s.log.Warn("gateway returned non-200", "status", resp.StatusCode, "intent_id", intent.ID)
		return nil, fmt.Errorf("gateway status %d: %w", resp.StatusCode, contracts.ErrDownstreamUnavailable)
	}

	var out settleResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		s.breaker.Failure()
		return nil, fmt.Errorf("decode settle response: %w", contracts.ErrDownstreamUnavailable)
	}

	s.breaker.Success()
	res := &Result{Approved: out.Approved, NetworkRef: out.NetworkRef}
	if !out.Approved {
		res.Reason = contracts.ReasonDeclined
		if out.Reason != "" {
			res.Reason = contracts.FailureReason(out.Reason)
		}
	}
	return res, nil
}

// classify maps transport errors onto the downstream taxonomy. Timeouts
// mean the outcome is unknown; anything else means the request never got
// an answer from the gateway.
func (s *HTTPSettler) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("settle: %w", contracts.ErrDownstreamTimeout)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("settle: %w", contracts.ErrDownstreamTimeout)
	}
	return fmt.Errorf("settle: %v: %w", err, contracts.ErrDownstreamUnavailable)
}
