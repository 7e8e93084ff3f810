package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
)

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for disabled tls, got %v %v", cfg, err)
	}
}

func TestBuildTLSConfigMisconfigured(t *testing.T) {
	dir := t.TempDir()
	emptyCA := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(emptyCA, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := BuildTLSConfig(config.TLSConfig{Enabled: true}); !errors.Is(err, ErrTLSMisconfigured) {
		t.Fatalf("expected misconfiguration for missing key pair, got %v", err)
	}
	if _, err := BuildTLSConfig(config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "missing.crt"), KeyFile: filepath.Join(dir, "missing.key")}); err == nil {
		t.Fatal("expected error for unreadable key pair")
	}
	if _, err := loadCertPool(""); !errors.Is(err, ErrTLSMisconfigured) {
		t.Fatalf("expected misconfiguration for empty client ca path, got %v", err)
	}
	if _, err := loadCertPool(emptyCA); !errors.Is(err, ErrTLSMisconfigured) {
		t.Fatalf("expected misconfiguration for ca without certificates, got %v", err)
	}
}
