// Package config loads proxy configuration from a YAML file with
// environment-variable overrides. The resolved Config is immutable for the
// process lifetime and injected into every component at construction.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FacilitatorConfig describes one external x402 settlement backend.
type FacilitatorConfig struct {
	Name         string `yaml:"name"`          // Identifier used in logs and failover reports.
	BaseURL      string `yaml:"base_url"`      // Facilitator base URL.
	MethodPrefix string `yaml:"method_prefix"` // Path prefix before /verify and /settle.
	AuthHeader   string `yaml:"auth_header"`   // Header name carrying the facilitator credential.
	AuthValue    string `yaml:"auth_value"`    // Credential value, env-expandable.
}

// ProviderKeys holds upstream vendor credentials.
type ProviderKeys struct {
	OpenAI    string `yaml:"openai"`
	Anthropic string `yaml:"anthropic"`
	Gemini    string `yaml:"gemini"`
	Tavily    string `yaml:"tavily"`
	E2B       string `yaml:"e2b"`
}

// X402Config holds micropayment settlement configuration.
type X402Config struct {
	Network           string              `yaml:"network"`             // Chain identifier, e.g. base or base-sepolia.
	PayTo             string              `yaml:"pay_to"`              // Expected payment recipient address.
	AssetByNetwork    map[string]string   `yaml:"asset_by_network"`    // Stablecoin contract address per network.
	PaymentURL        string              `yaml:"payment_url"`         // Machine-actionable URL in 402 challenges.
	Facilitators      []FacilitatorConfig `yaml:"facilitators"`        // Ordered failover list.
	FacilitatorTimeout time.Duration      `yaml:"facilitator_timeout"` // Per-attempt timeout.
	WalletServiceURL  string              `yaml:"wallet_service_url"`  // Smart-account signer service.
	WalletServiceKey  string              `yaml:"wallet_service_key"`  // Credential for the wallet service.
}

// Config is the process-lifetime proxy configuration.
type Config struct {
	Listen string `yaml:"listen"` // HTTP listen address.
	DSN    string `yaml:"dsn"`    // Database DSN (postgres or sqlite).

	RedisURL string `yaml:"redis_url"` // Optional redis URL for the signed-token cache.

	TokenSecret string `yaml:"token_secret"` // HMAC secret for minted media and vendor tokens.

	LogFile string `yaml:"log_file"` // Optional rotating log file path.

	Providers ProviderKeys `yaml:"providers"` // Upstream vendor API keys.

	MaxInFlight        int64         `yaml:"max_in_flight"`        // Concurrency ceiling per (user, app).
	RejectOverCeiling  bool          `yaml:"reject_over_ceiling"`  // Hard-reject instead of log-only when over the ceiling.
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`     // Orphan sweep interval.
	InFlightStaleAfter time.Duration `yaml:"in_flight_stale_after"` // Staleness window before a counter is considered orphaned.
	RequestTimeout     time.Duration `yaml:"request_timeout"`      // Upstream request timeout.

	DefaultMarkUp decimal.Decimal `yaml:"default_markup"` // Markup applied when an app has no rule.
	SafetyBuffer  decimal.Decimal `yaml:"safety_buffer"`  // Minimum personal balance required for admission.

	X402 X402Config `yaml:"x402"` // Micropayment settlement configuration.
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		Listen:             ":3070",
		DSN:                "file:echo-proxy.db",
		MaxInFlight:        10,
		CleanupInterval:    time.Minute,
		InFlightStaleAfter: 5 * time.Minute,
		RequestTimeout:     10 * time.Minute,
		DefaultMarkUp:      decimal.NewFromInt(1),
		SafetyBuffer:       decimal.RequireFromString("0.0001"),
		X402: X402Config{
			Network:            "base",
			PaymentURL:         "https://echo.router/pay",
			FacilitatorTimeout: 20 * time.Second,
			AssetByNetwork: map[string]string{
				"base":         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			},
		},
	}
}

// Load reads the YAML file at path (when it exists) onto the defaults and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil && !os.IsNotExist(errRead) {
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errRead == nil {
			expanded := os.ExpandEnv(string(data))
			if errUnmarshal := yaml.Unmarshal([]byte(expanded), cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		}
	}

	applyEnvOverrides(cfg)

	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("config: empty dsn")
	}
	if c.DefaultMarkUp.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: default markup must be >= 1.0, got %s", c.DefaultMarkUp)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup interval must be positive")
	}
	if c.InFlightStaleAfter <= 0 {
		return fmt.Errorf("config: in-flight staleness window must be positive")
	}
	return nil
}

// applyEnvOverrides layers environment variables over the file values.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, target *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*target = v
		}
	}
	setString("ECHO_LISTEN", &cfg.Listen)
	setString("ECHO_DSN", &cfg.DSN)
	setString("ECHO_REDIS_URL", &cfg.RedisURL)
	setString("ECHO_LOG_FILE", &cfg.LogFile)
	setString("ECHO_TOKEN_SECRET", &cfg.TokenSecret)
	setString("OPENAI_API_KEY", &cfg.Providers.OpenAI)
	setString("ANTHROPIC_API_KEY", &cfg.Providers.Anthropic)
	setString("GEMINI_API_KEY", &cfg.Providers.Gemini)
	setString("TAVILY_API_KEY", &cfg.Providers.Tavily)
	setString("E2B_API_KEY", &cfg.Providers.E2B)
	setString("ECHO_X402_NETWORK", &cfg.X402.Network)
	setString("ECHO_X402_PAY_TO", &cfg.X402.PayTo)
	setString("ECHO_X402_PAYMENT_URL", &cfg.X402.PaymentURL)
	setString("ECHO_WALLET_SERVICE_URL", &cfg.X402.WalletServiceURL)
	setString("ECHO_WALLET_SERVICE_KEY", &cfg.X402.WalletServiceKey)

	if v := strings.TrimSpace(os.Getenv("ECHO_MAX_IN_FLIGHT")); v != "" {
		if parsed, errParse := strconv.ParseInt(v, 10, 64); errParse == nil && parsed > 0 {
			cfg.MaxInFlight = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_REJECT_OVER_CEILING")); v != "" {
		cfg.RejectOverCeiling = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_CLEANUP_INTERVAL")); v != "" {
		if parsed, errParse := time.ParseDuration(v); errParse == nil && parsed > 0 {
			cfg.CleanupInterval = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_IN_FLIGHT_STALE_AFTER")); v != "" {
		if parsed, errParse := time.ParseDuration(v); errParse == nil && parsed > 0 {
			cfg.InFlightStaleAfter = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_REQUEST_TIMEOUT")); v != "" {
		if parsed, errParse := time.ParseDuration(v); errParse == nil && parsed > 0 {
			cfg.RequestTimeout = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_FACILITATOR_TIMEOUT")); v != "" {
		if parsed, errParse := time.ParseDuration(v); errParse == nil && parsed > 0 {
			cfg.X402.FacilitatorTimeout = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("ECHO_DEFAULT_MARKUP")); v != "" {
		if parsed, errParse := decimal.NewFromString(v); errParse == nil {
			cfg.DefaultMarkUp = parsed
		}
	}

	// ECHO_FACILITATOR_URLS is a comma-separated list of base URLs appended
	// after any file-configured facilitators.
	if v := strings.TrimSpace(os.Getenv("ECHO_FACILITATOR_URLS")); v != "" {
		for _, raw := range strings.Split(v, ",") {
			base := strings.TrimSpace(raw)
			if base == "" {
				continue
			}
			cfg.X402.Facilitators = append(cfg.X402.Facilitators, FacilitatorConfig{
				Name:    base,
				BaseURL: base,
			})
		}
	}
}

// ExpectedAsset returns the stablecoin contract address for the configured
// network, if known.
func (c *X402Config) ExpectedAsset() (string, bool) {
	if c == nil {
		return "", false
	}
	asset, ok := c.AssetByNetwork[strings.TrimSpace(c.Network)]
	return asset, ok && strings.TrimSpace(asset) != ""
}
