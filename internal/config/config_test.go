package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesLedgerServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LEDGER_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "LEDGER_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PAYMENT_RATE_LIMIT_PER_MINUTE")
	unsetEnvWithCleanup(t, "ACCOUNT_ID_MAX_ATTEMPTS")
	unsetEnvWithCleanup(t, "PROMOTION_WINDOW_START_MONTH")
	unsetEnvWithCleanup(t, "PROMOTION_WINDOW_END_MONTH")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PaymentRateLimitPerMinute != 60 {
		t.Errorf("expected default payment rate limit 60, got %d", cfg.PaymentRateLimitPerMinute)
	}
	if cfg.AccountIDMaxAttempts != 100 {
		t.Errorf("expected default identifier attempts 100, got %d", cfg.AccountIDMaxAttempts)
	}
	if cfg.PromotionWindowStartMonth != 5 || cfg.PromotionWindowEndMonth != 6 {
		t.Errorf("expected default May-June promotion window, got %d-%d",
			cfg.PromotionWindowStartMonth, cfg.PromotionWindowEndMonth)
	}
	if cfg.EventsExchange != "campuspay.events" {
		t.Errorf("unexpected default exchange %q", cfg.EventsExchange)
	}
}

func TestLoadConfig_InvalidPromotionWindowFallsBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PROMOTION_WINDOW_START_MONTH", "0")
	setEnvWithCleanup(t, "PROMOTION_WINDOW_END_MONTH", "13")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PromotionWindowStartMonth != 5 || cfg.PromotionWindowEndMonth != 6 {
		t.Fatalf("expected fallback to May-June, got %d-%d",
			cfg.PromotionWindowStartMonth, cfg.PromotionWindowEndMonth)
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
			return
		}
		_ = os.Unsetenv(key)
	})
}
