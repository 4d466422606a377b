package config

import (
	"errors"
	"testing"
)

func TestConfigSetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Policy != PolicyMeta {
		t.Errorf("Policy = %q, want %q", cfg.Policy, PolicyMeta)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestConfigSetDefaultsPreservesExplicitValues(t *testing.T) {
	t.Parallel()

	cfg := Config{Policy: PolicyFlat, LogLevel: "debug"}
	cfg.SetDefaults()

	if cfg.Policy != PolicyFlat {
		t.Errorf("Policy = %q, want %q", cfg.Policy, PolicyFlat)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestConfigValidateAcceptsKnownPolicies(t *testing.T) {
	t.Parallel()

	for _, p := range []PolicyName{PolicyFlat, PolicyMeta} {
		cfg := Config{Policy: p}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() for policy %q: unexpected error %v", p, err)
		}
	}
}

func TestConfigValidateRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	cfg := Config{Policy: "bogus"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with bogus policy: expected error, got nil")
	}
	var invalidErr *InvalidPolicyError
	if !errors.As(err, &invalidErr) {
		t.Errorf("error type = %T, want *InvalidPolicyError", err)
	}
}
