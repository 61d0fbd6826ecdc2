package auth

import "testing"

func TestConfigValidateDevMode(t *testing.T) {
	cfg := Config{Mode: ModeDev}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigValidateOIDCRequiresIssuer(t *testing.T) {
	cfg := Config{Mode: ModeOIDC, OIDCClientID: "client"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected issuer error")
	}
}

func TestConfigValidateOIDCRequiresClientID(t *testing.T) {
	cfg := Config{Mode: ModeOIDC, OIDCIssuerURL: "https://issuer"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected client id error")
	}
}

func TestConfigValidateUnknownMode(t *testing.T) {
	cfg := Config{Mode: "header"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want dev", cfg.Mode)
	}
	if len(cfg.DevScopes) == 0 {
		t.Fatalf("expected default dev scopes")
	}
}
