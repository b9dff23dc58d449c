package contracts

import "time"

// MethodType is the kind of payment instrument.
type MethodType string

const (
	MethodCard   MethodType = "card"
	MethodBank   MethodType = "bank"
	MethodWallet MethodType = "wallet"
)

// PaymentMethod is the masked reference to a stored payment instrument.
// Tokenization happens in an external vault; the core only ever sees the
// masked presentation and a stable fingerprint. Immutable once registered.
type PaymentMethod struct {
	ID   string     `json:"id"` // "pm_" + uuid
	Type MethodType `json:"type"`

	// Masked presentation fields. Never raw instrument data.
	Brand   string `json:"brand,omitempty"`
	Last4   string `json:"last4,omitempty"`
	Country string `json:"country,omitempty"` // ISO 3166-1 alpha-2 issuing country
	Issuer  string `json:"issuer,omitempty"`

	// Fingerprint is a stable hash of the vault token, shared across
	// intents using the same underlying instrument. Velocity counters
	// key on it.
	Fingerprint string `json:"fingerprint"`

	// RequiresSCA is the issuer's strong-customer-authentication signal.
	RequiresSCA bool `json:"requires_sca"`

	CreatedAt time.Time `json:"created_at"`
}
