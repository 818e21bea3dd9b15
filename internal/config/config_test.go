package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	return cfg
}

func TestValidate_DefaultsWithKeyAreValid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_MissingWalletKey(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing private key")
	}
	if !strings.Contains(err.Error(), "wallet: private_key") {
		t.Fatalf("error does not mention the wallet key: %v", err)
	}
}

func TestValidate_SweepGraceMustCoverSettlementWindow(t *testing.T) {
	cfg := validConfig()
	cfg.Settle.RetryDelay = duration{time.Minute}
	cfg.Settle.MaxAttempts = 20
	cfg.Settle.SweepGrace = duration{time.Minute}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for short sweep_grace")
	}
	if !strings.Contains(err.Error(), "sweep_grace") {
		t.Fatalf("error does not mention sweep_grace: %v", err)
	}

	// Confirmation replacements extend the window too: a sweep starting
	// inside it would duplicate a transaction still being confirmed.
	cfg = validConfig()
	cfg.Settle.RetryDelay = duration{time.Second}
	cfg.Settle.ConfirmTimeout = duration{5 * time.Minute}
	cfg.Settle.MaxAttempts = 5
	cfg.Settle.SweepGrace = duration{10 * time.Minute}

	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sweep_grace") {
		t.Fatalf("grace below the confirmation window passed validation: %v", err)
	}
}

func TestValidate_SweepLockTTLCoversInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Settle.SweepInterval = duration{10 * time.Minute}
	cfg.Settle.SweepLockTTL = duration{time.Minute}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for short sweep_lock_ttl")
	}
	if !strings.Contains(err.Error(), "sweep_lock_ttl") {
		t.Fatalf("error does not mention sweep_lock_ttl: %v", err)
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.RPCURL = ""
	cfg.Redis.Addr = ""
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"chain: rpc_url", "redis: addr", "log_level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETD_CHAIN_RPC_URL", "https://rpc.example.org")
	t.Setenv("MARKETD_CHAIN_ID", "8453")
	t.Setenv("MARKETD_SETTLE_SWEEP_INTERVAL", "90s")
	t.Setenv("MARKETD_POSTGRES_RUN_MIGRATIONS", "false")
	t.Setenv("MARKETD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Chain.RPCURL != "https://rpc.example.org" {
		t.Errorf("rpc_url = %q", cfg.Chain.RPCURL)
	}
	if cfg.Chain.ChainID != 8453 {
		t.Errorf("chain_id = %d", cfg.Chain.ChainID)
	}
	if cfg.Settle.SweepInterval.Duration != 90*time.Second {
		t.Errorf("sweep_interval = %s", cfg.Settle.SweepInterval.Duration)
	}
	if cfg.Postgres.RunMigrations {
		t.Error("run_migrations should be overridden to false")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}
}

func TestEnvOverrides_MalformedValuesIgnored(t *testing.T) {
	t.Setenv("MARKETD_CHAIN_ID", "not-a-number")
	t.Setenv("MARKETD_SETTLE_RETRY_DELAY", "soon")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Chain.ChainID != Defaults().Chain.ChainID {
		t.Errorf("chain_id changed on malformed input: %d", cfg.Chain.ChainID)
	}
	if cfg.Settle.RetryDelay.Duration != Defaults().Settle.RetryDelay.Duration {
		t.Errorf("retry_delay changed on malformed input: %s", cfg.Settle.RetryDelay.Duration)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "secret-key"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/webhook"

	red := RedactedConfig(&cfg)

	if red.Wallet.PrivateKey != redacted {
		t.Error("wallet private key not redacted")
	}
	if red.Postgres.Password != redacted {
		t.Error("postgres password not redacted")
	}
	if red.Server.APIKey != redacted {
		t.Error("server api key not redacted")
	}
	if red.Notify.DiscordWebhookURL != redacted {
		t.Error("discord webhook not redacted")
	}
	// Original must be untouched.
	if cfg.Postgres.Password != "hunter2" {
		t.Error("redaction mutated the original config")
	}
	red.Notify.Events[0] = "changed"
	if cfg.Notify.Events[0] == "changed" {
		t.Error("redacted copy shares the events slice with the original")
	}
}
