package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"BRIDGE_FIRESTORE_PROJECT_ID": "proj-test",
		"BRIDGE_PROVIDER_BASE_URL":    "https://provider.example",
		"BRIDGE_AUTH_APP_SECRET":      "shhh",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(baseEnv()),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Server.Port)
	}
	if cfg.Provider.Timeout != 5*time.Second {
		t.Fatalf("expected default provider timeout, got %s", cfg.Provider.Timeout)
	}
	if cfg.Provider.DialCode != "91" {
		t.Fatalf("expected default dial code, got %s", cfg.Provider.DialCode)
	}
	if cfg.Redemption.CodeValidity != 72*time.Hour {
		t.Fatalf("expected default code validity, got %s", cfg.Redemption.CodeValidity)
	}
	if !cfg.Features.EnableCheckoutDiscounts {
		t.Fatalf("expected checkout discounts enabled by default")
	}
	if cfg.Events.ProjectID != "proj-test" {
		t.Fatalf("expected events project to default to firestore project, got %s", cfg.Events.ProjectID)
	}
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"BRIDGE_FIRESTORE_PROJECT_ID": "proj-test",
		}),
	)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := verr.Fields()
	want := map[string]bool{"Provider.BaseURL": false, "Auth.AppSecret": false}
	for _, f := range fields {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("expected %s in validation fields, got %v", name, fields)
		}
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	env := baseEnv()
	env["BRIDGE_AUTH_APP_SECRET"] = "sm://bridge/app-secret"

	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
		WithSecretResolver(SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			if ref != "secret://bridge/app-secret" {
				t.Fatalf("unexpected ref %s", ref)
			}
			return "resolved-secret", nil
		})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.AppSecret != "resolved-secret" {
		t.Fatalf("expected resolved secret, got %q", cfg.Auth.AppSecret)
	}
}

func TestLoadWrapsSecretErrors(t *testing.T) {
	env := baseEnv()
	env["BRIDGE_AUTH_APP_SECRET"] = "secret://bridge/app-secret"

	boom := errors.New("boom")
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
		WithSecretResolver(SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", boom
		})),
	)
	var serr *SecretError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause")
	}
}
