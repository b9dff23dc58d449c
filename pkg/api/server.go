package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keelpay/core/pkg/gate"
)

// RouterConfig wires the cross-cutting middleware.
type RouterConfig struct {
	Auth    *Authenticator
	Limiter gate.Limiter
}

// NewRouter assembles the route table. /healthz and /metrics are open;
// /v1/actions/complete skips bearer auth but keeps the rate limit;
// everything else under /v1 requires both.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(MetricsMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	// The action callback arrives from the customer's browser return
	// leg; the challenge token authenticates it, not a bearer credential.
	// Registered before the authed subrouter so it matches first.
	actions := r.PathPrefix("/v1/actions").Subrouter()
	actions.Use(RateLimitMiddleware(cfg.Limiter, h.profiles))
	actions.HandleFunc("/complete", h.CompleteAction).Methods("POST")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(cfg.Auth.Middleware)
	v1.Use(RateLimitMiddleware(cfg.Limiter, h.profiles))

	v1.HandleFunc("/payment_intents", h.CreateIntent).Methods("POST")
	v1.HandleFunc("/payment_intents/{id}", h.GetIntent).Methods("GET")
	v1.HandleFunc("/payment_intents/{id}/confirm", h.ConfirmIntent).Methods("POST")
	v1.HandleFunc("/payment_intents/{id}/cancel", h.CancelIntent).Methods("POST")
	v1.HandleFunc("/payment_intents/{id}/events", h.ListEvents).Methods("GET")
	v1.HandleFunc("/payment_methods", h.RegisterMethod).Methods("POST")
	v1.HandleFunc("/payment_methods/{id}", h.GetMethod).Methods("GET")
	v1.HandleFunc("/webhook_subscriptions", h.CreateSubscription).Methods("POST")
	v1.HandleFunc("/webhook_subscriptions", h.ListSubscriptions).Methods("GET")
	v1.HandleFunc("/webhook_deliveries", h.ListDeliveries).Methods("GET")
	v1.HandleFunc("/webhook_deliveries/{id}/redeliver", h.Redeliver).Methods("POST")

	return r
}
