package config

import (
	"strings"
	"testing"
)

func minimalValidConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func TestValidateMinimalConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidatePeerID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"valid", strings.Repeat("ab", 32), true},
		{"too short", strings.Repeat("ab", 16), false},
		{"too long", strings.Repeat("ab", 33), false},
		{"uppercase hex", strings.Repeat("AB", 32), false},
		{"non-hex", strings.Repeat("zz", 32), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			cfg.Peers = []PeerConfig{{ID: tt.id}}
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation to fail")
			}
		})
	}
}

func TestValidateRejectsDuplicatePeers(t *testing.T) {
	t.Parallel()

	id := strings.Repeat("ab", 32)
	cfg := minimalValidConfig()
	cfg.Peers = []PeerConfig{{ID: id}, {ID: id}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected duplicate peer IDs to fail")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected a duplicate peer message, got: %v", err)
	}
}

func TestValidateRuleAndPermissionsExclusive(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Peers = []PeerConfig{{
		ID:          strings.Repeat("ab", 32),
		Rule:        "true",
		Permissions: &PermissionsConfig{Default: "all"},
	}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected rule and permissions together to fail")
	}
}

func TestValidatePeerAddresses(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Peers = []PeerConfig{{
		ID:        strings.Repeat("ab", 32),
		Addresses: []string{"not an address"},
	}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a malformed address to fail")
	}

	cfg.Peers[0].Addresses = []string{"10.0.0.1:7654", "vault.example.com:7654"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error for valid addresses: %v", err)
	}
}

func TestValidatePermissionsDefault(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Permissions.Default = "most"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an unknown default policy to fail")
	}
	if !strings.Contains(err.Error(), "one of") {
		t.Errorf("expected a oneof message, got: %v", err)
	}
}

func TestValidateClientGrantRequiresPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Permissions.Clients = []ClientGrant{{Use: true}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a client grant without a path to fail")
	}
}
