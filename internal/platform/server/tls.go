package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/wizardbeardstudio/open-settle-go/internal/platform/config"
)

var ErrTLSMisconfigured = errors.New("tls misconfigured")

// BuildTLSConfig returns nil when TLS is disabled. Listeners never accept
// anything older than TLS 1.2.
func BuildTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("%w: cert_file and key_file are required", ErrTLSMisconfigured)
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if !c.RequireClientCert {
		return out, nil
	}
	pool, err := loadCertPool(c.ClientCAFile)
	if err != nil {
		return nil, err
	}
	out.ClientAuth = tls.RequireAndVerifyClientCert
	out.ClientCAs = pool
	return out, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: client certificates required but client_ca_file is empty", ErrTLSMisconfigured)
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: client_ca_file holds no certificates", ErrTLSMisconfigured)
	}
	return pool, nil
}
