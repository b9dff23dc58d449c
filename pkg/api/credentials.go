package api

import (
	"sync"

	"github.com/keelpay/core/pkg/gate"
	"github.com/keelpay/core/pkg/risk"
)

// CredentialProfile is the per-credential override set: how hard the
// gate throttles it and where its risk bands sit.
type CredentialProfile struct {
	RatePolicy gate.Policy     `yaml:"rate" json:"rate"`
	Thresholds risk.Thresholds `yaml:"thresholds" json:"thresholds"`
}

// CredentialRegistry resolves a credential ID to its profile. Unknown
// credentials get the defaults; authentication already proved they
// exist, so there is no deny path here.
type CredentialRegistry struct {
	mu       sync.RWMutex
	profiles map[string]CredentialProfile
}

func NewCredentialRegistry() *CredentialRegistry {
	return &CredentialRegistry{profiles: make(map[string]CredentialProfile)}
}

// Set installs or replaces the profile for one credential.
func (r *CredentialRegistry) Set(credentialID string, p CredentialProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[credentialID] = p
}

// Lookup returns the profile for the credential, falling back to the
// default rate policy and risk thresholds field by field.
func (r *CredentialRegistry) Lookup(credentialID string) CredentialProfile {
	r.mu.RLock()
	p, ok := r.profiles[credentialID]
	r.mu.RUnlock()
	if !ok {
		return CredentialProfile{
			RatePolicy: gate.DefaultPolicy(),
			Thresholds: risk.DefaultThresholds(),
		}
	}
	if p.RatePolicy.PerSecond <= 0 && p.RatePolicy.Burst <= 0 {
		p.RatePolicy = gate.DefaultPolicy()
	}
	if p.Thresholds.Challenge <= 0 && p.Thresholds.Block <= 0 {
		p.Thresholds = risk.DefaultThresholds()
	}
	return p
}
