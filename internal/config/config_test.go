package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "RATE_CACHE_TTL_SECONDS")
	unsetEnvWithCleanup(t, "SLIPPAGE_BUFFER_PERCENT")
	unsetEnvWithCleanup(t, "MAX_ACTIVE_LOANS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RateCacheTTL().Minutes() != 5 {
		t.Fatalf("expected default 5 minute cache TTL, got %s", cfg.RateCacheTTL())
	}
	if got := cfg.SlippageBuffer().String(); got != "0.005" {
		t.Fatalf("expected default slippage fraction 0.005, got %s", got)
	}
	if cfg.MaxActiveLoans != 5 {
		t.Fatalf("expected default max active loans 5, got %d", cfg.MaxActiveLoans)
	}
	if got := cfg.CollateralRatioDefault().String(); got != "1.5" {
		t.Fatalf("expected default collateral ratio 1.5, got %s", got)
	}
	if got := cfg.CollateralRatioMin().String(); got != "1.1" {
		t.Fatalf("expected min collateral ratio 1.1, got %s", got)
	}
}

func TestLoadConfig_FallbackRatesTable(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "FALLBACK_RATE_INR", "84.25")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	rates := cfg.FallbackRates()
	if got := rates["INR"].String(); got != "84.25" {
		t.Fatalf("expected configured INR fallback 84.25, got %s", got)
	}
	if got := rates["EUR"].String(); got != "0.92" {
		t.Fatalf("expected default EUR fallback 0.92, got %s", got)
	}
}

func TestLoadConfig_RejectsBadRatios(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DEFAULT_COLLATERAL_RATIO", "not-a-number")
	setEnvWithCleanup(t, "RATE_CACHE_TTL_SECONDS", "-10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got := cfg.CollateralRatioDefault().String(); got != "1.5" {
		t.Fatalf("expected malformed ratio to fall back to 1.5, got %s", got)
	}
	if cfg.RateCacheTTLSeconds != 300 {
		t.Fatalf("expected negative TTL to fall back to 300, got %d", cfg.RateCacheTTLSeconds)
	}
}

func TestLoadConfig_FloorsCollateralRatios(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "MIN_COLLATERAL_RATIO", "0.5")
	setEnvWithCleanup(t, "DEFAULT_COLLATERAL_RATIO", "0.8")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if got := cfg.CollateralRatioMin().String(); got != "1.1" {
		t.Fatalf("expected minimum ratio clamped to the 1.1 floor, got %s", got)
	}
	if got := cfg.CollateralRatioDefault().String(); got != "1.1" {
		t.Fatalf("expected default ratio raised to the minimum, got %s", got)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PORT", "9191")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9191" {
		t.Fatalf("expected PORT to override server port, got %q", cfg.ServerPort)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
