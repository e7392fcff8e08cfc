package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/btc"
)

const (
	envPrefix               = "BITDROP"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "bitdrop.db"
	defaultAccessKeysPath   = "access_keys.db"
	defaultLogLevel         = "info"
	defaultTokenIssuer      = "bitdrop-auth"
	defaultTokenAudience    = "bitdrop-api"
	defaultTokenTTLMinutes  = 30
	defaultNetwork          = "testnet"
	defaultSignerMode       = SignerModeLocal
	defaultSignerTimeout    = 2 * time.Minute
	defaultSignerExchange   = "bitdrop.signer"
	defaultSignerRouting    = "sign.request"
	defaultSignerReplyQueue = "bitdrop.signer.replies"
	defaultProofMaxAge      = 24 * time.Hour
	defaultRateLimitPrefix  = "bitdrop:rate_limit"
	defaultClaimsPerMinute  = 10
	defaultWatchdogSchedule = "@every 30s"
)

// Signer transport modes.
const (
	SignerModeLocal = "local"
	SignerModeHTTP  = "http"
	SignerModeAMQP  = "amqp"
)

// SignerConfig selects and configures the signing transport.
type SignerConfig struct {
	Mode          string
	URL           string
	AMQPURL       string
	Exchange      string
	RoutingKey    string
	ReplyQueue    string
	AccountID     string
	RootPublicKey string
	RootSecret    string
	KeyVersion    uint32
	Timeout       time.Duration
}

// RateLimitConfig configures claim throttling. An empty RedisURL disables it.
type RateLimitConfig struct {
	RedisURL        string
	Prefix          string
	ClaimsPerMinute int
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	AccessKeysPath     string
	LogLevel           string
	LogFile            string
	SigningSecret      string
	TokenIssuer        string
	TokenAudience      string
	TokenTTL           time.Duration
	OperatorID         string
	Network            string
	Signer             SignerConfig
	ProofAuthPublicKey string
	ProofMaxAge        time.Duration
	RateLimit          RateLimitConfig
	WatchdogSchedule   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("access_keys.path", defaultAccessKeysPath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("operator.id", "")
	configViper.SetDefault("bitcoin.network", defaultNetwork)
	configViper.SetDefault("signer.mode", defaultSignerMode)
	configViper.SetDefault("signer.url", "")
	configViper.SetDefault("signer.amqp_url", "")
	configViper.SetDefault("signer.exchange", defaultSignerExchange)
	configViper.SetDefault("signer.routing_key", defaultSignerRouting)
	configViper.SetDefault("signer.reply_queue", defaultSignerReplyQueue)
	configViper.SetDefault("signer.account_id", "")
	configViper.SetDefault("signer.root_public_key", "")
	configViper.SetDefault("signer.root_secret", "")
	configViper.SetDefault("signer.key_version", 0)
	configViper.SetDefault("signer.timeout", defaultSignerTimeout)
	configViper.SetDefault("proof.auth_public_key", "")
	configViper.SetDefault("proof.max_age", defaultProofMaxAge)
	configViper.SetDefault("ratelimit.redis_url", "")
	configViper.SetDefault("ratelimit.prefix", defaultRateLimitPrefix)
	configViper.SetDefault("ratelimit.claims_per_minute", defaultClaimsPerMinute)
	configViper.SetDefault("watchdog.schedule", defaultWatchdogSchedule)
}

// LoadDotEnv loads a .env file into the process environment. A missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		AccessKeysPath: configViper.GetString("access_keys.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFile:        configViper.GetString("log.file"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		OperatorID:     strings.TrimSpace(configViper.GetString("operator.id")),
		Network:        configViper.GetString("bitcoin.network"),
		Signer: SignerConfig{
			Mode:          strings.ToLower(strings.TrimSpace(configViper.GetString("signer.mode"))),
			URL:           configViper.GetString("signer.url"),
			AMQPURL:       configViper.GetString("signer.amqp_url"),
			Exchange:      configViper.GetString("signer.exchange"),
			RoutingKey:    configViper.GetString("signer.routing_key"),
			ReplyQueue:    configViper.GetString("signer.reply_queue"),
			AccountID:     strings.TrimSpace(configViper.GetString("signer.account_id")),
			RootPublicKey: configViper.GetString("signer.root_public_key"),
			RootSecret:    configViper.GetString("signer.root_secret"),
			KeyVersion:    configViper.GetUint32("signer.key_version"),
			Timeout:       configViper.GetDuration("signer.timeout"),
		},
		ProofAuthPublicKey: configViper.GetString("proof.auth_public_key"),
		ProofMaxAge:        configViper.GetDuration("proof.max_age"),
		RateLimit: RateLimitConfig{
			RedisURL:        configViper.GetString("ratelimit.redis_url"),
			Prefix:          configViper.GetString("ratelimit.prefix"),
			ClaimsPerMinute: configViper.GetInt("ratelimit.claims_per_minute"),
		},
		WatchdogSchedule: configViper.GetString("watchdog.schedule"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AccessKeysPath) == "" {
		return fmt.Errorf("access_keys.path is required")
	}
	if c.OperatorID == "" {
		return fmt.Errorf("operator.id is required")
	}
	if _, err := btc.NetworkParams(c.Network); err != nil {
		return fmt.Errorf("bitcoin.network: %w", err)
	}
	if c.Signer.AccountID == "" {
		return fmt.Errorf("signer.account_id is required")
	}
	if c.Signer.Timeout <= 0 {
		return fmt.Errorf("signer.timeout must be positive")
	}
	switch c.Signer.Mode {
	case SignerModeLocal:
		if strings.TrimSpace(c.Signer.RootSecret) == "" {
			return fmt.Errorf("signer.root_secret is required in local mode")
		}
	case SignerModeHTTP:
		if strings.TrimSpace(c.Signer.URL) == "" {
			return fmt.Errorf("signer.url is required in http mode")
		}
		if strings.TrimSpace(c.Signer.RootPublicKey) == "" {
			return fmt.Errorf("signer.root_public_key is required in http mode")
		}
	case SignerModeAMQP:
		if strings.TrimSpace(c.Signer.AMQPURL) == "" {
			return fmt.Errorf("signer.amqp_url is required in amqp mode")
		}
		if strings.TrimSpace(c.Signer.ReplyQueue) == "" {
			return fmt.Errorf("signer.reply_queue is required in amqp mode")
		}
		if strings.TrimSpace(c.Signer.RootPublicKey) == "" {
			return fmt.Errorf("signer.root_public_key is required in amqp mode")
		}
	default:
		return fmt.Errorf("signer.mode must be one of local, http, amqp (got %q)", c.Signer.Mode)
	}
	if c.RateLimit.ClaimsPerMinute < 0 {
		return fmt.Errorf("ratelimit.claims_per_minute must not be negative")
	}
	return nil
}
