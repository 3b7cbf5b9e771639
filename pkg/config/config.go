// Package config loads the fabric configuration from environment variables,
// snapshotted once at startup. The snapshot is immutable; components receive
// values, never a live view of the environment.
package config

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Phase is the deployment rollout phase. Ordering is ordinal:
// ReadOnly < Proposal < Execution.
type Phase int

const (
	PhaseReadOnly Phase = iota
	PhaseProposal
	PhaseExecution
)

func (p Phase) String() string {
	switch p {
	case PhaseProposal:
		return "Proposal"
	case PhaseExecution:
		return "Execution"
	default:
		return "ReadOnly"
	}
}

// ParsePhase maps the accepted spellings to a Phase. Unknown values
// resolve to ReadOnly (fail-safe).
func ParsePhase(s string) Phase {
	switch s {
	case "A", "ReadOnly", "readonly", "read_only":
		return PhaseReadOnly
	case "B", "Proposal", "proposal":
		return PhaseProposal
	case "C", "Execution", "execution":
		return PhaseExecution
	default:
		return PhaseReadOnly
	}
}

// Config is the process-wide configuration snapshot.
type Config struct {
	Enabled bool
	Phase   Phase

	ModelProvider string
	ModelID       string
	ModelBaseURL  string
	ModelAPIKey   string
	ModelTimeout  time.Duration

	RateLimitPerMinute     int
	UserRateLimitPerMinute int

	EncryptionKey []byte // 32 bytes

	TenantStrictMode bool

	ApprovalTokenTTL time.Duration

	DKIMPrivateKey string
	DKIMSelector   string

	LogLevel     string
	DatabaseURL  string
	RedisAddr    string
	OTLPEndpoint string
}

const (
	defaultModelTimeout     = 60 * time.Second
	defaultTenantRPM        = 60
	defaultUserRPM          = 20
	defaultApprovalTokenTTL = 10 * time.Minute

	// pbkdf2 parameters for deriving a key from a passphrase-style
	// AI_ENCRYPTION_KEY. Fixed so derivation is stable across restarts.
	kdfIterations = 210000
	kdfSaltLabel  = "fabric-approval-hmac-v1"
)

// Load reads the environment and returns the snapshot.
func Load() *Config {
	cfg := &Config{
		Enabled:                envBool("AI_ENABLED", true),
		Phase:                  ParsePhase(os.Getenv("AI_PHASE")),
		ModelProvider:          envOr("AI_MODEL_PROVIDER", "openai"),
		ModelID:                envOr("AI_MODEL_ID", "gpt-4o-mini"),
		ModelBaseURL:           envOr("AI_MODEL_BASE_URL", "http://localhost:1234/v1"),
		ModelAPIKey:            os.Getenv("AI_MODEL_API_KEY"),
		ModelTimeout:           envSeconds("AI_MODEL_TIMEOUT_SECONDS", defaultModelTimeout),
		RateLimitPerMinute:     envInt("AI_RATE_LIMIT_PER_MINUTE", defaultTenantRPM),
		UserRateLimitPerMinute: envInt("AI_RATE_LIMIT_PER_USER_PER_MINUTE", defaultUserRPM),
		TenantStrictMode:       envBool("TENANT_STRICT_MODE", false),
		ApprovalTokenTTL:       envSeconds("APPROVAL_TOKEN_TTL_SECONDS", defaultApprovalTokenTTL),
		DKIMPrivateKey:         os.Getenv("DKIM_PRIVATE_KEY"),
		DKIMSelector:           os.Getenv("DKIM_SELECTOR"),
		LogLevel:               envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:           os.Getenv("OTLP_ENDPOINT"),
	}
	cfg.EncryptionKey = DeriveKey(os.Getenv("AI_ENCRYPTION_KEY"))
	return cfg
}

// DeriveKey turns AI_ENCRYPTION_KEY into a 32-byte key. Hex and base64
// encodings of exactly 32 bytes are used verbatim; anything else is treated
// as a passphrase and run through PBKDF2.
func DeriveKey(raw string) []byte {
	if raw == "" {
		// Ephemeral development fallback. Tokens minted under it do not
		// survive a restart; production must set AI_ENCRYPTION_KEY.
		raw = kdfSaltLabel
	}
	if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	salt := sha256.Sum256([]byte(kdfSaltLabel))
	return pbkdf2.Key([]byte(raw), salt[:], kdfIterations, 32, sha256.New)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate reports configuration problems that should stop startup.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("config: encryption key must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.RateLimitPerMinute < c.UserRateLimitPerMinute {
		return fmt.Errorf("config: tenant rate limit %d below per-user limit %d",
			c.RateLimitPerMinute, c.UserRateLimitPerMinute)
	}
	return nil
}
