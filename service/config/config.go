package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Submitter modes selectable via SUBMITTER_MODE.
const (
	SubmitterModeOnchain = "onchain"
	SubmitterModeDryRun  = "dryrun"
)

// Nonce ledger backends selectable via NONCE_BACKEND.
const (
	NonceBackendMemory   = "memory"
	NonceBackendPostgres = "postgres"
	NonceBackendRedis    = "redis"
)

// Config is the full engine configuration, read from the environment.
// Required fields are enforced at load time, before anything is dialed.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Nonce ledger configuration
	NonceBackend string
	RedisAddr    string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Reconciliation sweep configuration
	ReconcileInterval  time.Duration
	ReconcileLookback  time.Duration
	ReconcileTolerance decimal.Decimal

	// Chain access. ChainRPCURLs maps a chain id to its JSON-RPC endpoint.
	ChainRPCURLs   map[uint64]string
	FacilitatorURL string

	// Submission configuration
	SubmitterMode     string
	RelayerPrivateKey string
	ServiceSignerKey  string

	// Fee schedule
	RelayerFeeRate decimal.Decimal
	ServiceFeeRate decimal.Decimal

	// Batch execution
	BatchGroupSize   int
	BatchGroupDelay  time.Duration
	BatchItemTimeout time.Duration
	BatchRetryDelay  time.Duration
	BatchMaxRetries  int

	// Authorization validity windows
	DefaultValidityWindow time.Duration
	MaxValidityWindow     time.Duration

	// Webhook delivery
	WebhookURL    string
	WebhookSecret string

	// Payment requests
	PaymentRequestTTL time.Duration
}

// Load builds a Config from the environment. Parsing continues past the
// first failure, so one error report names every problem.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Nonce ledger configuration
	cfg.NonceBackend = getEnvOrDefault("NONCE_BACKEND", NonceBackendPostgres)
	switch cfg.NonceBackend {
	case NonceBackendMemory, NonceBackendPostgres, NonceBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("NONCE_BACKEND must be one of memory, postgres, redis; got %q", cfg.NonceBackend))
	}
	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "threeohohnine-reconcile")

	// Reconciliation sweep configuration
	reconcileInterval, err := parseDuration("RECONCILE_INTERVAL", "15m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileInterval = reconcileInterval
	}

	reconcileLookback, err := parseDuration("RECONCILE_LOOKBACK", "24h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileLookback = reconcileLookback
	}

	tolerance, err := parseDecimal("RECONCILE_TOLERANCE", "0.0001")
	if err != nil {
		errs = append(errs, err)
	} else if tolerance.IsNegative() || tolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("RECONCILE_TOLERANCE must be in [0, 1); got %s", tolerance))
	} else {
		cfg.ReconcileTolerance = tolerance
	}

	// Chain access
	urls, err := parseChainRPCURLs(os.Getenv("CHAIN_RPC_URLS"))
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChainRPCURLs = urls
	}
	cfg.FacilitatorURL = os.Getenv("FACILITATOR_URL")

	// Submission configuration
	cfg.SubmitterMode = getEnvOrDefault("SUBMITTER_MODE", SubmitterModeDryRun)
	switch cfg.SubmitterMode {
	case SubmitterModeOnchain, SubmitterModeDryRun:
	default:
		errs = append(errs, fmt.Errorf("SUBMITTER_MODE must be one of onchain, dryrun; got %q", cfg.SubmitterMode))
	}
	cfg.RelayerPrivateKey = os.Getenv("RELAYER_PRIVATE_KEY")
	cfg.ServiceSignerKey = os.Getenv("SERVICE_SIGNER_KEY")
	if cfg.SubmitterMode == SubmitterModeOnchain {
		if cfg.RelayerPrivateKey == "" {
			errs = append(errs, fmt.Errorf("RELAYER_PRIVATE_KEY is required when SUBMITTER_MODE is onchain"))
		}
		if len(cfg.ChainRPCURLs) == 0 {
			errs = append(errs, fmt.Errorf("CHAIN_RPC_URLS is required when SUBMITTER_MODE is onchain"))
		}
	}

	// Fee schedule
	relayerRate, err := parseDecimal("RELAYER_FEE_RATE", "0.001")
	if err != nil {
		errs = append(errs, err)
	} else if relayerRate.IsNegative() {
		errs = append(errs, fmt.Errorf("RELAYER_FEE_RATE cannot be negative; got %s", relayerRate))
	} else {
		cfg.RelayerFeeRate = relayerRate
	}

	serviceRate, err := parseDecimal("SERVICE_FEE_RATE", "0.005")
	if err != nil {
		errs = append(errs, err)
	} else if serviceRate.IsNegative() {
		errs = append(errs, fmt.Errorf("SERVICE_FEE_RATE cannot be negative; got %s", serviceRate))
	} else {
		cfg.ServiceFeeRate = serviceRate
	}

	// Batch execution
	groupSize, err := parseInt("BATCH_GROUP_SIZE", 5)
	if err != nil {
		errs = append(errs, err)
	} else if groupSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_GROUP_SIZE must be at least 1; got %d", groupSize))
	} else {
		cfg.BatchGroupSize = groupSize
	}

	groupDelay, err := parseDuration("BATCH_GROUP_DELAY", "100ms")
	if err != nil {
		errs = append(errs, err)
	} else if groupDelay < 0 {
		errs = append(errs, fmt.Errorf("BATCH_GROUP_DELAY cannot be negative; got %v", groupDelay))
	} else {
		cfg.BatchGroupDelay = groupDelay
	}

	itemTimeout, err := parseDuration("BATCH_ITEM_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else if itemTimeout < 0 {
		errs = append(errs, fmt.Errorf("BATCH_ITEM_TIMEOUT cannot be negative; got %v", itemTimeout))
	} else {
		cfg.BatchItemTimeout = itemTimeout
	}

	retryDelay, err := parseDuration("BATCH_RETRY_DELAY", "1s")
	if err != nil {
		errs = append(errs, err)
	} else if retryDelay < 0 {
		errs = append(errs, fmt.Errorf("BATCH_RETRY_DELAY cannot be negative; got %v", retryDelay))
	} else {
		cfg.BatchRetryDelay = retryDelay
	}

	maxRetries, err := parseInt("BATCH_MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	} else if maxRetries < 0 {
		errs = append(errs, fmt.Errorf("BATCH_MAX_RETRIES cannot be negative; got %d", maxRetries))
	} else {
		cfg.BatchMaxRetries = maxRetries
	}

	// Authorization validity windows
	defaultWindow, err := parseDuration("DEFAULT_VALIDITY_WINDOW", "1h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultValidityWindow = defaultWindow
	}

	maxWindow, err := parseDuration("MAX_VALIDITY_WINDOW", "24h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxValidityWindow = maxWindow
	}

	if cfg.DefaultValidityWindow <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_VALIDITY_WINDOW must be positive; got %v", cfg.DefaultValidityWindow))
	}
	if cfg.DefaultValidityWindow > cfg.MaxValidityWindow {
		errs = append(errs, fmt.Errorf("DEFAULT_VALIDITY_WINDOW (%v) cannot be greater than MAX_VALIDITY_WINDOW (%v)",
			cfg.DefaultValidityWindow, cfg.MaxValidityWindow))
	}

	// Webhook delivery
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set"))
	}

	// Payment requests
	requestTTL, err := parseDuration("PAYMENT_REQUEST_TTL", "15m")
	if err != nil {
		errs = append(errs, err)
	} else if requestTTL <= 0 {
		errs = append(errs, fmt.Errorf("PAYMENT_REQUEST_TTL must be positive; got %v", requestTTL))
	} else {
		cfg.PaymentRequestTTL = requestTTL
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad panics where Load would return an error. Binaries call it
// before any dependency is dialed.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks an already-populated Config, so tests can probe
// invalid combinations without touching the environment.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	switch c.NonceBackend {
	case NonceBackendMemory, NonceBackendPostgres, NonceBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("NonceBackend must be one of memory, postgres, redis"))
	}

	switch c.SubmitterMode {
	case SubmitterModeOnchain:
		if c.RelayerPrivateKey == "" {
			errs = append(errs, fmt.Errorf("RelayerPrivateKey is required for onchain submission"))
		}
		if len(c.ChainRPCURLs) == 0 {
			errs = append(errs, fmt.Errorf("ChainRPCURLs is required for onchain submission"))
		}
	case SubmitterModeDryRun:
	default:
		errs = append(errs, fmt.Errorf("SubmitterMode must be one of onchain, dryrun"))
	}

	if c.ReconcileTolerance.IsNegative() || c.ReconcileTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("ReconcileTolerance must be in [0, 1)"))
	}

	if c.BatchGroupSize < 1 {
		errs = append(errs, fmt.Errorf("BatchGroupSize must be at least 1"))
	}

	if c.BatchMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("BatchMaxRetries cannot be negative"))
	}

	if c.DefaultValidityWindow <= 0 {
		errs = append(errs, fmt.Errorf("DefaultValidityWindow must be positive"))
	}

	if c.DefaultValidityWindow > c.MaxValidityWindow {
		errs = append(errs, fmt.Errorf("DefaultValidityWindow cannot be greater than MaxValidityWindow"))
	}

	if c.WebhookURL != "" && c.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("WebhookSecret is required when WebhookURL is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault reads key from the environment, returning defaultValue
// when unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration reads a duration-valued variable, falling back to
// defaultValue when unset.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt reads an integer-valued variable, falling back to defaultValue
// when unset.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses a decimal from an environment variable or uses a default.
func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return d, nil
}

// parseChainRPCURLs parses a comma-separated list of chainID=url pairs,
// e.g. "8453=https://base.example.com,1=https://eth.example.com".
func parseChainRPCURLs(value string) (map[uint64]string, error) {
	urls := make(map[uint64]string)
	if value == "" {
		return urls, nil
	}

	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, rpcURL, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("CHAIN_RPC_URLS: malformed entry %q, want chainID=url", pair)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CHAIN_RPC_URLS: invalid chain id %q: %w", id, err)
		}
		rpcURL = strings.TrimSpace(rpcURL)
		if rpcURL == "" {
			return nil, fmt.Errorf("CHAIN_RPC_URLS: empty url for chain %d", chainID)
		}
		urls[chainID] = rpcURL
	}

	return urls, nil
}
