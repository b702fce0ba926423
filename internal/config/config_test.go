package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadTTL(t *testing.T) {
	t.Setenv("REPORT_CACHE_TTL_MINUTES", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.ReportCacheTTLMinutes != 720 {
		t.Fatalf("expected report TTL fallback 720, got %d", cfg.ReportCacheTTLMinutes)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected token TTL fallback 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}
