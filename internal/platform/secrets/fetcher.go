package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterScope          = "github.com/billfree-connect/api/internal/platform/secrets"
)

// ErrSecretNotFound indicates the reference resolved to no secret value.
var ErrSecretNotFound = errors.New("secrets: not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references using Google Secret Manager with
// in-process caching and a local fallback file for development.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger        *zap.Logger
	defaultProjID string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	latency        metric.Float64Histogram
	latencyEnabled bool
}

type fetcherConfig struct {
	logger       *zap.Logger
	defaultProj  string
	fallbackPath string
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithDefaultProject configures the project ID used when a reference omits one.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions appends client options applied when the fetcher owns the client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher constructs a Fetcher ready to resolve secret references.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fetcher{
		logger:        logger,
		defaultProjID: cfg.defaultProj,
		fallbackPath:  cfg.fallbackPath,
		cache:         make(map[string]string),
	}

	if cfg.client != nil {
		f.client = cfg.client
	} else {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		f.client = client
		f.ownsClient = true
	}

	meter := otel.Meter(meterScope)
	if hist, err := meter.Float64Histogram("secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution calls"),
	); err == nil {
		f.latency = hist
		f.latencyEnabled = true
	}

	return f, nil
}

// Close releases the underlying client when owned by the fetcher.
func (f *Fetcher) Close() error {
	if f == nil || f.client == nil || !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

// Resolve fetches the secret value behind a secret://[project/]name[?version=N]
// reference, consulting the cache and the local fallback file first.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	if f == nil {
		return "", errors.New("secrets: fetcher is nil")
	}

	project, name, version, err := f.parseReference(ref)
	if err != nil {
		return "", err
	}

	cacheKey := project + "/" + name + "@" + version
	f.mu.RLock()
	cached, ok := f.cache[cacheKey]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if value, ok := f.fallbackValue(name); ok {
		f.storeCache(cacheKey, value)
		return value, nil
	}

	start := time.Now()
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version),
	})
	if f.latencyEnabled {
		f.latency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("secret", name)))
	}
	if err != nil {
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	if resp == nil || resp.Payload == nil || len(resp.Payload.Data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	value := strings.TrimSpace(string(resp.Payload.Data))
	f.storeCache(cacheKey, value)
	return value, nil
}

func (f *Fetcher) storeCache(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) parseReference(ref string) (project, name, version string, err error) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "sm://") {
		trimmed = "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	if !strings.HasPrefix(trimmed, "secret://") {
		return "", "", "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}

	parsed, parseErr := url.Parse(trimmed)
	if parseErr != nil {
		return "", "", "", fmt.Errorf("secrets: invalid reference %q: %w", ref, parseErr)
	}

	version = strings.TrimSpace(parsed.Query().Get("version"))
	if version == "" {
		version = "latest"
	}

	path := strings.Trim(parsed.Path, "/")
	host := strings.TrimSpace(parsed.Host)
	switch {
	case host != "" && path != "":
		project = host
		name = path
	case host != "":
		project = f.defaultProjID
		name = host
	default:
		return "", "", "", fmt.Errorf("secrets: reference %q missing secret name", ref)
	}

	if project == "" {
		return "", "", "", fmt.Errorf("secrets: reference %q has no project and no default configured", ref)
	}
	if strings.Contains(name, "/") {
		// Nested paths are flattened the way Secret Manager expects.
		name = strings.ReplaceAll(name, "/", "_")
	}
	return project, name, version, nil
}

func (f *Fetcher) fallbackValue(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallbackVals, f.fallbackErr = loadFallbackFile(f.fallbackPath)
		if f.fallbackErr != nil {
			f.logger.Warn("secrets: fallback file unreadable", zap.Error(f.fallbackErr))
		}
	})
	if f.fallbackVals == nil {
		return "", false
	}
	value, ok := f.fallbackVals[name]
	return value, ok
}

func loadFallbackFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	return values, scanner.Err()
}
