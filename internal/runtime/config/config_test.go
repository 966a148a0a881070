package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{
		HandlerTimeout: -time.Second,
		MaxHops:        0,
		SessionTTL:     0,
		AuditTopic:     "",
		MetricsPort:    70000,
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"handler timeout", "max hops", "session TTL", "audit topic", "invalid port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in error, got %q", want, err.Error())
		}
	}
}

func TestPasswordRequiredWithoutAnonymousIngress(t *testing.T) {
	cfg := Default()
	cfg.AnonymousIngress = false
	cfg.AdminPassword = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when auth is required but no password is set")
	}

	cfg.AdminPassword = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config with password set, got %v", err)
	}
}

func TestStringRedactsPassword(t *testing.T) {
	cfg := Default()
	cfg.AdminPassword = "super-secret-password"

	out := cfg.String()
	if strings.Contains(out, "super-secret-password") {
		t.Fatal("password leaked into String() output")
	}
	if !strings.Contains(out, "***REDACTED***") {
		t.Fatalf("expected redaction marker, got %q", out)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ENVFLOW_BIND_ADDRESS", ":9999")
	t.Setenv("ENVFLOW_ANONYMOUS_INGRESS", "true")
	t.Setenv("ENVFLOW_MAX_HOPS", "4")
	t.Setenv("ENVFLOW_SHELL_ALLOWLIST", "ls,date")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BindAddress != ":9999" {
		t.Errorf("BindAddress = %q, want %q", cfg.BindAddress, ":9999")
	}
	if cfg.MaxHops != 4 {
		t.Errorf("MaxHops = %d, want 4", cfg.MaxHops)
	}
	if len(cfg.ShellAllowlist) != 2 || cfg.ShellAllowlist[1] != "date" {
		t.Errorf("ShellAllowlist = %v, want [ls date]", cfg.ShellAllowlist)
	}
}
