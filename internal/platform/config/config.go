package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultProviderTimeout = 5 * time.Second
	defaultCheckoutBudget  = 2500 * time.Millisecond
	defaultCodeValidity    = 72 * time.Hour
	defaultGuardTTL        = 24 * time.Hour
	defaultGuardInterval   = time.Hour
	defaultGuardBatchSize  = 200
	defaultPlatformVersion = "2024-10"
	defaultDialCode        = "91"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Firestore  FirestoreConfig
	Provider   ProviderConfig
	Platform   PlatformConfig
	Auth       AuthConfig
	Redemption RedemptionConfig
	Events     EventsConfig
	Features   FeatureFlags
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// ProviderConfig points at the loyalty provider's HTTP API.
type ProviderConfig struct {
	BaseURL  string
	Timeout  time.Duration
	DialCode string
}

// PlatformConfig describes how to reach the commerce platform's Admin API.
type PlatformConfig struct {
	APIVersion string
	// EndpointTemplate expands the shop domain into an Admin GraphQL URL,
	// e.g. "https://%s/admin/api/%s/graphql.json".
	EndpointTemplate string
	Timeout          time.Duration
}

// AuthConfig groups request authentication secrets.
type AuthConfig struct {
	// AppSecret signs storefront proxy requests and admin session tokens.
	AppSecret string
	// CheckoutSharedSecret authenticates the checkout discount function calls.
	CheckoutSharedSecret string
}

// RedemptionConfig tunes the redemption workflow.
type RedemptionConfig struct {
	CodeValidity     time.Duration
	CheckoutBudget   time.Duration
	GuardTTL         time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// EventsConfig configures the redemption event topic.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// FeatureFlags toggle optional behaviour without redeploying.
type FeatureFlags struct {
	EnableCheckoutDiscounts bool
	EnableOTPRedemptions    bool
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values
// in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, .env
// overrides, environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "BRIDGE_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "BRIDGE_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "BRIDGE_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "BRIDGE_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "BRIDGE_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "BRIDGE_FIRESTORE_EMULATOR_HOST", ""),
		},
		Provider: ProviderConfig{
			BaseURL:  stringWithDefault(lookup, "BRIDGE_PROVIDER_BASE_URL", ""),
			Timeout:  durationWithDefault(lookup, "BRIDGE_PROVIDER_TIMEOUT", defaultProviderTimeout),
			DialCode: stringWithDefault(lookup, "BRIDGE_PROVIDER_DIAL_CODE", defaultDialCode),
		},
		Platform: PlatformConfig{
			APIVersion:       stringWithDefault(lookup, "BRIDGE_PLATFORM_API_VERSION", defaultPlatformVersion),
			EndpointTemplate: stringWithDefault(lookup, "BRIDGE_PLATFORM_ENDPOINT_TEMPLATE", "https://%s/admin/api/%s/graphql.json"),
			Timeout:          durationWithDefault(lookup, "BRIDGE_PLATFORM_TIMEOUT", defaultProviderTimeout),
		},
		Auth: AuthConfig{
			AppSecret:            stringWithDefault(lookup, "BRIDGE_AUTH_APP_SECRET", ""),
			CheckoutSharedSecret: stringWithDefault(lookup, "BRIDGE_AUTH_CHECKOUT_SECRET", ""),
		},
		Redemption: RedemptionConfig{
			CodeValidity:     durationWithDefault(lookup, "BRIDGE_REDEMPTION_CODE_VALIDITY", defaultCodeValidity),
			CheckoutBudget:   durationWithDefault(lookup, "BRIDGE_REDEMPTION_CHECKOUT_BUDGET", defaultCheckoutBudget),
			GuardTTL:         durationWithDefault(lookup, "BRIDGE_REDEMPTION_GUARD_TTL", defaultGuardTTL),
			CleanupInterval:  durationWithDefault(lookup, "BRIDGE_REDEMPTION_GUARD_CLEANUP_INTERVAL", defaultGuardInterval),
			CleanupBatchSize: intWithDefault(lookup, "BRIDGE_REDEMPTION_GUARD_CLEANUP_BATCH", defaultGuardBatchSize),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "BRIDGE_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "BRIDGE_EVENTS_TOPIC", ""),
		},
		Features: FeatureFlags{
			EnableCheckoutDiscounts: boolWithDefault(lookup, "BRIDGE_FEATURE_CHECKOUT_DISCOUNTS", true),
			EnableOTPRedemptions:    boolWithDefault(lookup, "BRIDGE_FEATURE_OTP_REDEMPTIONS", true),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []*string{
		&cfg.Auth.AppSecret,
		&cfg.Auth.CheckoutSharedSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Provider.BaseURL == "" {
		missing = append(missing, "Provider.BaseURL")
	}
	if cfg.Provider.Timeout <= 0 {
		missing = append(missing, "Provider.Timeout")
	}
	if cfg.Auth.AppSecret == "" {
		missing = append(missing, "Auth.AppSecret")
	}
	if cfg.Redemption.CodeValidity <= 0 {
		missing = append(missing, "Redemption.CodeValidity")
	}
	if cfg.Redemption.CheckoutBudget <= 0 {
		missing = append(missing, "Redemption.CheckoutBudget")
	}
	if cfg.Redemption.GuardTTL <= 0 {
		missing = append(missing, "Redemption.GuardTTL")
	}
	if cfg.Redemption.CleanupInterval <= 0 {
		missing = append(missing, "Redemption.CleanupInterval")
	}
	if cfg.Redemption.CleanupBatchSize <= 0 {
		missing = append(missing, "Redemption.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
