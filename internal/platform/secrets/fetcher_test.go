package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
)

type stubSecretManagerClient struct {
	accessFunc func(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	calls      []string
}

func (s *stubSecretManagerClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	s.calls = append(s.calls, req.GetName())
	if s.accessFunc == nil {
		return nil, errors.New("accessFunc not set")
	}
	return s.accessFunc(ctx, req)
}

func (s *stubSecretManagerClient) Close() error { return nil }

func secretResponse(value string) *secretmanagerpb.AccessSecretVersionResponse {
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}
}

func TestResolveFetchesAndCaches(t *testing.T) {
	stub := &stubSecretManagerClient{
		accessFunc: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.GetName() != "projects/bridge/secrets/app-secret/versions/latest" {
				t.Fatalf("unexpected resource name %s", req.GetName())
			}
			return secretResponse("top-secret\n"), nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(stub),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		value, err := fetcher.Resolve(context.Background(), "secret://bridge/app-secret")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "top-secret" {
			t.Fatalf("expected trimmed value, got %q", value)
		}
	}
	if len(stub.calls) != 1 {
		t.Fatalf("expected one remote call, got %d", len(stub.calls))
	}
}

func TestResolveUsesDefaultProjectAndVersion(t *testing.T) {
	stub := &stubSecretManagerClient{
		accessFunc: func(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			if req.GetName() != "projects/default-proj/secrets/token/versions/3" {
				t.Fatalf("unexpected resource name %s", req.GetName())
			}
			return secretResponse("v3"), nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(stub),
		WithDefaultProject("default-proj"),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	value, err := fetcher.Resolve(context.Background(), "secret://token?version=3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "v3" {
		t.Fatalf("expected v3, got %q", value)
	}
}

func TestResolveRejectsMalformedReferences(t *testing.T) {
	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(&stubSecretManagerClient{}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, ref := range []string{"", "plain-value", "secret://"} {
		if _, err := fetcher.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected error for reference %q", ref)
		}
	}
}

func TestResolvePrefersFallbackFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.local")
	content := "# local overrides\napp-secret=\"from-file\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}

	stub := &stubSecretManagerClient{
		accessFunc: func(context.Context, *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			t.Fatalf("remote call not expected when fallback matches")
			return nil, nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(stub),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	value, err := fetcher.Resolve(context.Background(), "secret://bridge/app-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "from-file" {
		t.Fatalf("expected fallback value, got %q", value)
	}
}

func TestResolveWrapsEmptyPayload(t *testing.T) {
	stub := &stubSecretManagerClient{
		accessFunc: func(context.Context, *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
			return &secretmanagerpb.AccessSecretVersionResponse{}, nil
		},
	}

	fetcher, err := NewFetcher(context.Background(),
		WithSecretManagerClient(stub),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = fetcher.Resolve(context.Background(), "secret://bridge/empty")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}
