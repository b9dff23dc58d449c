package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/intent"
	"github.com/keelpay/core/pkg/webhook"
)

// maxBodyBytes bounds request bodies. Payment payloads are small;
// anything larger is hostile.
const maxBodyBytes = 1 << 20

// Handler serves the v1 payment API.
type Handler struct {
	engine     *intent.Engine
	methods    *intent.MethodRegistry
	subs       *webhook.SubscriptionStore
	deliveries *webhook.DeliveryStore
	dispatcher *webhook.Dispatcher
	profiles   *CredentialRegistry
}

// HandlerDeps are the handler's collaborators. Engine and Methods are
// required; the webhook trio may be nil when dispatch is disabled, which
// turns the webhook endpoints into 404s.
type HandlerDeps struct {
	Engine     *intent.Engine
	Methods    *intent.MethodRegistry
	Subs       *webhook.SubscriptionStore
	Deliveries *webhook.DeliveryStore
	Dispatcher *webhook.Dispatcher
	Profiles   *CredentialRegistry
}

func NewHandler(d HandlerDeps) *Handler {
	return &Handler{
		engine:     d.Engine,
		methods:    d.Methods,
		subs:       d.Subs,
		deliveries: d.Deliveries,
		dispatcher: d.Dispatcher,
		profiles:   d.Profiles,
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// listResponse wraps collection endpoints so pagination can be added
// without breaking clients.
type listResponse struct {
	Data any `json:"data"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "request body is not valid JSON")
		return false
	}
	return true
}

type createIntentRequest struct {
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	PaymentMethod  string            `json:"payment_method,omitempty"`
	BillingCountry string            `json:"billing_country,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateIntent handles POST /v1/payment_intents. A replayed
// Idempotency-Key returns the original intent with 200 instead of 201.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		WriteBadRequest(w, r, "Missing Idempotency-Key header")
		return
	}

	var req createIntentRequest
	if !h.decode(w, r, &req) {
		return
	}

	credential, _ := CredentialFrom(r.Context())
	params := intent.CreateParams{
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		BillingCountry: req.BillingCountry,
		CredentialID:   credential,
		Metadata:       req.Metadata,
		IdempotencyKey: idemKey,
	}
	if h.profiles != nil && credential != "" {
		params.Thresholds = h.profiles.Lookup(credential).Thresholds
	}

	in, replayed, err := h.engine.Create(r.Context(), params)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, in)
}

// GetIntent handles GET /v1/payment_intents/{id}.
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	in, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

type confirmIntentRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	PaymentMethod   string `json:"payment_method,omitempty"`
}

// ConfirmIntent handles POST /v1/payment_intents/{id}/confirm. A
// requires_action outcome is a 200 carrying the challenge, not an error.
func (h *Handler) ConfirmIntent(w http.ResponseWriter, r *http.Request) {
	var req confirmIntentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, err := h.engine.Confirm(r.Context(), mux.Vars(r)["id"], req.ExpectedVersion, req.PaymentMethod)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

type cancelIntentRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// CancelIntent handles POST /v1/payment_intents/{id}/cancel.
func (h *Handler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	var req cancelIntentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"], req.ExpectedVersion)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

type completeActionRequest struct {
	IntentID  string `json:"intent_id"`
	Token     string `json:"token"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
}

// CompleteAction handles POST /v1/actions/complete, the return leg of
// the customer authentication flow. The challenge token is the proof of
// possession; the route carries no bearer auth.
func (h *Handler) CompleteAction(w http.ResponseWriter, r *http.Request) {
	var req completeActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		WriteUnprocessable(w, r, "validation failed: token: required")
		return
	}

	in, err := h.engine.ResumeAfterAction(r.Context(), req.IntentID, req.Token, req.Succeeded, req.Reason)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, in)
}

// ListEvents handles GET /v1/payment_intents/{id}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.engine.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Data: evs})
}

type registerMethodRequest struct {
	Type        string `json:"type"`
	VaultToken  string `json:"vault_token"`
	Brand       string `json:"brand,omitempty"`
	Last4       string `json:"last4,omitempty"`
	Country     string `json:"country,omitempty"`
	Issuer      string `json:"issuer,omitempty"`
	RequiresSCA bool   `json:"requires_sca,omitempty"`
}

// RegisterMethod handles POST /v1/payment_methods. The body carries the
// vault token from the tokenization collaborator, never a PAN.
func (h *Handler) RegisterMethod(w http.ResponseWriter, r *http.Request) {
	var req registerMethodRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.methods.Register(r.Context(), intent.RegisterParams{
		Type:        contracts.MethodType(req.Type),
		VaultToken:  req.VaultToken,
		Brand:       req.Brand,
		Last4:       req.Last4,
		Country:     req.Country,
		Issuer:      req.Issuer,
		RequiresSCA: req.RequiresSCA,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// GetMethod handles GET /v1/payment_methods/{id}.
func (h *Handler) GetMethod(w http.ResponseWriter, r *http.Request) {
	m, err := h.methods.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

type createSubscriptionRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types,omitempty"`
}

// subscriptionResponse carries the derived signing secret exactly once,
// in the create response. It is not retrievable afterwards.
type subscriptionResponse struct {
	*webhook.Subscription
	Secret string `json:"secret,omitempty"`
}

// CreateSubscription handles POST /v1/webhook_subscriptions.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if h.subs == nil {
		WriteNotFound(w, r, "webhook dispatch is not enabled")
		return
	}

	var req createSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.subs.Create(r.Context(), req.URL, req.EventTypes)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, subscriptionResponse{Subscription: sub, Secret: sub.Secret})
}

// ListSubscriptions handles GET /v1/webhook_subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if h.subs == nil {
		WriteNotFound(w, r, "webhook dispatch is not enabled")
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Data: h.subs.List(r.Context())})
}

// ListDeliveries handles GET /v1/webhook_deliveries?state=&limit=. The
// operator surface: webhook failures never reach payment callers, they
// land here.
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if h.deliveries == nil {
		WriteNotFound(w, r, "webhook dispatch is not enabled")
		return
	}

	state := webhook.DeliveryState(r.URL.Query().Get("state"))
	switch state {
	case "", webhook.DeliveryPending, webhook.DeliveryAttempting, webhook.DeliveryDelivered, webhook.DeliveryExhausted:
	default:
		WriteUnprocessable(w, r, "validation failed: state: unknown delivery state")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteUnprocessable(w, r, "validation failed: limit: must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	respondJSON(w, http.StatusOK, listResponse{Data: h.deliveries.List(r.Context(), state, limit)})
}

// Redeliver handles POST /v1/webhook_deliveries/{id}/redeliver. The
// attempt counter resets, so an exhausted delivery gets a full new run.
func (h *Handler) Redeliver(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		WriteNotFound(w, r, "webhook dispatch is not enabled")
		return
	}

	dl, err := h.dispatcher.Redeliver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, webhook.ErrDeliveryInFlight) {
			WriteConflict(w, r, err.Error())
			return
		}
		WriteDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, dl)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
