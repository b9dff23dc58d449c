package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is the per-environment tuning file: risk bands,
// webhook retry policy, lifecycle dwell times, and per-credential
// overrides. Everything in it has a working zero value, so a partial
// profile is fine.
type DeploymentProfile struct {
	Name        string                        `yaml:"name" json:"name"`
	Risk        RiskProfile                   `yaml:"risk" json:"risk"`
	Webhooks    WebhookProfile                `yaml:"webhooks" json:"webhooks"`
	Lifecycle   LifecycleProfile              `yaml:"lifecycle" json:"lifecycle"`
	Credentials map[string]CredentialOverride `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// RiskProfile moves the decision boundaries.
type RiskProfile struct {
	ChallengeAt float64 `yaml:"challenge_at" json:"challenge_at"`
	BlockAt     float64 `yaml:"block_at" json:"block_at"`
}

// WebhookProfile shapes the retry schedule.
type WebhookProfile struct {
	BaseDelaySecs int `yaml:"base_delay_secs" json:"base_delay_secs"`
	MaxDelaySecs  int `yaml:"max_delay_secs" json:"max_delay_secs"`
	MaxAttempts   int `yaml:"max_attempts" json:"max_attempts"`
	Workers       int `yaml:"workers" json:"workers"`
	TimeoutSecs   int `yaml:"timeout_secs" json:"timeout_secs"`
}

// LifecycleProfile bounds how long intents dwell in transient states.
type LifecycleProfile struct {
	ProcessingTimeoutSecs int  `yaml:"processing_timeout_secs" json:"processing_timeout_secs"`
	ActionTimeoutSecs     int  `yaml:"action_timeout_secs" json:"action_timeout_secs"`
	SweepIntervalSecs     int  `yaml:"sweep_interval_secs" json:"sweep_interval_secs"`
	RescoreOnConfirm      bool `yaml:"rescore_on_confirm" json:"rescore_on_confirm"`
}

// CredentialOverride tunes one credential away from the defaults.
type CredentialOverride struct {
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" json:"rate_burst"`
	ChallengeAt   float64 `yaml:"challenge_at" json:"challenge_at"`
	BlockAt       float64 `yaml:"block_at" json:"block_at"`
}

// LoadProfile reads and validates a deployment profile YAML.
func LoadProfile(path string) (*DeploymentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return &profile, nil
}

// Validate rejects profiles that would misconfigure the engine rather
// than tune it.
func (p *DeploymentProfile) Validate() error {
	if err := validateBands(p.Risk.ChallengeAt, p.Risk.BlockAt); err != nil {
		return err
	}
	for id, o := range p.Credentials {
		if err := validateBands(o.ChallengeAt, o.BlockAt); err != nil {
			return fmt.Errorf("credential %q: %w", id, err)
		}
		if o.RatePerSecond < 0 || o.RateBurst < 0 {
			return fmt.Errorf("credential %q: rate values must not be negative", id)
		}
	}
	if p.Webhooks.BaseDelaySecs < 0 || p.Webhooks.MaxDelaySecs < 0 ||
		p.Webhooks.MaxAttempts < 0 || p.Webhooks.Workers < 0 || p.Webhooks.TimeoutSecs < 0 {
		return fmt.Errorf("webhook values must not be negative")
	}
	if l := p.Lifecycle; l.ProcessingTimeoutSecs < 0 || l.ActionTimeoutSecs < 0 || l.SweepIntervalSecs < 0 {
		return fmt.Errorf("lifecycle values must not be negative")
	}
	return nil
}

func validateBands(challenge, block float64) error {
	if challenge < 0 || challenge > 1 || block < 0 || block > 1 {
		return fmt.Errorf("risk bands must be within [0,1]")
	}
	if challenge > 0 && block > 0 && challenge >= block {
		return fmt.Errorf("challenge_at %v must be below block_at %v", challenge, block)
	}
	return nil
}

// ProcessingTimeout returns the profile value, or fallback when unset.
func (l LifecycleProfile) ProcessingTimeout(fallback time.Duration) time.Duration {
	return secsOr(l.ProcessingTimeoutSecs, fallback)
}

// ActionTimeout returns the profile value, or fallback when unset.
func (l LifecycleProfile) ActionTimeout(fallback time.Duration) time.Duration {
	return secsOr(l.ActionTimeoutSecs, fallback)
}

// SweepInterval returns the profile value, or fallback when unset.
func (l LifecycleProfile) SweepInterval(fallback time.Duration) time.Duration {
	return secsOr(l.SweepIntervalSecs, fallback)
}

func secsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
