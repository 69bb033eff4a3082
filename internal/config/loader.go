package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STAKEHOUSE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STAKEHOUSE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setInt64(&cfg.Engine.MinStake, "STAKEHOUSE_ENGINE_MIN_STAKE")
	setInt64(&cfg.Engine.MaxStakePerSide, "STAKEHOUSE_ENGINE_MAX_STAKE_PER_SIDE")

	// ── Authority ──
	setStr(&cfg.Authority.Address, "STAKEHOUSE_AUTHORITY_ADDRESS")
	setStr(&cfg.Authority.PrivateKey, "STAKEHOUSE_AUTHORITY_PRIVATE_KEY")
	setStr(&cfg.Authority.EncryptedKeyPath, "STAKEHOUSE_AUTHORITY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Authority.KeyPassword, "STAKEHOUSE_AUTHORITY_KEY_PASSWORD")
	setInt(&cfg.Authority.ChainID, "STAKEHOUSE_AUTHORITY_CHAIN_ID")

	// ── Treasury ──
	setStr(&cfg.Treasury.BaseURL, "STAKEHOUSE_TREASURY_BASE_URL")
	setStr(&cfg.Treasury.APIKey, "STAKEHOUSE_TREASURY_API_KEY")
	setStr(&cfg.Treasury.APISecret, "STAKEHOUSE_TREASURY_API_SECRET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "STAKEHOUSE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STAKEHOUSE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STAKEHOUSE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STAKEHOUSE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STAKEHOUSE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STAKEHOUSE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STAKEHOUSE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STAKEHOUSE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STAKEHOUSE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STAKEHOUSE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "STAKEHOUSE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STAKEHOUSE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STAKEHOUSE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STAKEHOUSE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STAKEHOUSE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STAKEHOUSE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STAKEHOUSE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STAKEHOUSE_S3_REGION")
	setStr(&cfg.S3.Bucket, "STAKEHOUSE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STAKEHOUSE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STAKEHOUSE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STAKEHOUSE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STAKEHOUSE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "STAKEHOUSE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "STAKEHOUSE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "STAKEHOUSE_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STAKEHOUSE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STAKEHOUSE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STAKEHOUSE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "STAKEHOUSE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "STAKEHOUSE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "STAKEHOUSE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STAKEHOUSE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STAKEHOUSE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STAKEHOUSE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STAKEHOUSE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STAKEHOUSE_MODE")
	setStr(&cfg.LogLevel, "STAKEHOUSE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
