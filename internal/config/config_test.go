package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a Defaults-based config with the required operator
// fields filled in.
func validConfig() Config {
	cfg := Defaults()
	cfg.Authority.Address = "0x1111111111111111111111111111111111111111"
	cfg.Treasury.BaseURL = "https://treasury.example.com"
	return cfg
}

func TestValidateAcceptsDefaultsWithRequiredFields(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "standby" },
			wantErr: "unknown mode",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: "unknown log_level",
		},
		{
			name:    "zero min stake",
			mutate:  func(c *Config) { c.Engine.MinStake = 0 },
			wantErr: "min_stake must be > 0",
		},
		{
			name: "max stake below min stake",
			mutate: func(c *Config) {
				c.Engine.MinStake = 100
				c.Engine.MaxStakePerSide = 50
			},
			wantErr: "max_stake_per_side must be >= min_stake",
		},
		{
			name:    "missing authority address",
			mutate:  func(c *Config) { c.Authority.Address = "" },
			wantErr: "authority: address must not be empty",
		},
		{
			name:    "malformed authority address",
			mutate:  func(c *Config) { c.Authority.Address = "not-an-address" },
			wantErr: "not a valid hex address",
		},
		{
			name:    "encrypted key without password",
			mutate:  func(c *Config) { c.Authority.EncryptedKeyPath = "/etc/stakehouse/key.json" },
			wantErr: "key_password is required",
		},
		{
			name:    "missing treasury url",
			mutate:  func(c *Config) { c.Treasury.BaseURL = "" },
			wantErr: "treasury: base_url",
		},
		{
			name:    "treasury key without secret",
			mutate:  func(c *Config) { c.Treasury.APIKey = "k" },
			wantErr: "api_key and api_secret must be set together",
		},
		{
			name: "archive enabled without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.S3.Endpoint = "https://s3.example.com"
				c.S3.Bucket = ""
			},
			wantErr: "s3: bucket must not be empty",
		},
		{
			name: "rate limit without window",
			mutate: func(c *Config) {
				c.Server.RateLimit = 10
				c.Server.RateWindow = duration{}
			},
			wantErr: "rate_window must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "standby"
	cfg.Engine.MinStake = 0
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want combined error")
	}
	for _, want := range []string{"unknown mode", "min_stake", "redis: addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("STAKEHOUSE_MODE", "full")
	t.Setenv("STAKEHOUSE_ENGINE_MIN_STAKE", "5000000")
	t.Setenv("STAKEHOUSE_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("STAKEHOUSE_SERVER_RATE_WINDOW", "30s")
	t.Setenv("STAKEHOUSE_ARCHIVE_ENABLED", "true")
	t.Setenv("STAKEHOUSE_SERVER_CORS_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Mode != "full" {
		t.Errorf("Mode = %q, want full", cfg.Mode)
	}
	if cfg.Engine.MinStake != 5_000_000 {
		t.Errorf("Engine.MinStake = %d, want 5000000", cfg.Engine.MinStake)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("Postgres.Password = %q, want hunter2", cfg.Postgres.Password)
	}
	if cfg.Server.RateWindow.Duration != 30*time.Second {
		t.Errorf("Server.RateWindow = %v, want 30s", cfg.Server.RateWindow.Duration)
	}
	if !cfg.Archive.Enabled {
		t.Error("Archive.Enabled = false, want true")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("Server.CORSOrigins = %v, want two origins", cfg.Server.CORSOrigins)
	}
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Authority.PrivateKey = "0xdeadbeef"
	cfg.Treasury.APIKey = "key"
	cfg.Treasury.APISecret = "secret"
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "redispass"
	cfg.Notify.TelegramToken = "bot123"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"authority private key": red.Authority.PrivateKey,
		"treasury api key":      red.Treasury.APIKey,
		"treasury api secret":   red.Treasury.APISecret,
		"postgres password":     red.Postgres.Password,
		"redis password":        red.Redis.Password,
		"telegram token":        red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s = %q, want ***", name, got)
		}
	}

	// The original must be untouched.
	if cfg.Postgres.Password != "pgpass" {
		t.Errorf("original Postgres.Password mutated to %q", cfg.Postgres.Password)
	}
	// Empty secrets stay empty rather than becoming the placeholder.
	if red.Authority.KeyPassword != "" {
		t.Errorf("empty KeyPassword redacted to %q", red.Authority.KeyPassword)
	}
}
