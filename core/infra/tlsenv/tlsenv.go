// Package tlsenv builds client TLS settings from <PREFIX>_TLS_* environment variables. Redis and
// NATS connections share it.
package tlsenv

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Settings holds the TLS inputs read for one prefix.
type Settings struct {
	Prefix     string
	CAPath     string
	CertPath   string
	KeyPath    string
	ServerName string
	Insecure   bool
}

// FromEnv reads <prefix>_TLS_CA, _CERT, _KEY, _SERVER_NAME and _INSECURE.
func FromEnv(prefix string) Settings {
	get := func(name string) string {
		return strings.TrimSpace(os.Getenv(prefix + "_TLS_" + name))
	}
	return Settings{
		Prefix:     prefix,
		CAPath:     get("CA"),
		CertPath:   get("CERT"),
		KeyPath:    get("KEY"),
		ServerName: get("SERVER_NAME"),
		Insecure:   ParseBool(get("INSECURE")),
	}
}

// Empty reports whether no TLS variable was set.
func (s Settings) Empty() bool {
	return s.CAPath == "" && s.CertPath == "" && s.KeyPath == "" && s.ServerName == "" && !s.Insecure
}

// Apply layers the settings over base (which may be nil) and returns a new config. Empty settings
// return base unchanged.
func (s Settings) Apply(base *tls.Config) (*tls.Config, error) {
	if s.Empty() {
		return base, nil
	}
	name := strings.ToLower(s.Prefix)
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	if s.Insecure {
		// #nosec G402 -- explicitly requested by the operator.
		cfg.InsecureSkipVerify = true
	}
	if s.CAPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(s.CAPath)
		if err != nil {
			return nil, fmt.Errorf("%s tls ca read: %w", name, err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%s tls ca parse: %s", name, s.CAPath)
		}
		cfg.RootCAs = pool
	}
	if s.CertPath != "" || s.KeyPath != "" {
		if s.CertPath == "" || s.KeyPath == "" {
			return nil, fmt.Errorf("%s tls cert/key must be set together", name)
		}
		cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%s tls keypair: %w", name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Load is FromEnv(prefix).Apply(base).
func Load(prefix string, base *tls.Config) (*tls.Config, error) {
	return FromEnv(prefix).Apply(base)
}

// ParseBool accepts 1/true/yes/y/on, case-insensitively.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
