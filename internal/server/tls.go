package server

import (
	"crypto/tls"
	"fmt"

	"github.com/muurk/iotgate/internal/logging"
	"go.uber.org/zap"
)

// NewTLSConfig loads a certificate and key from disk for the TLS listener.
func NewTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	logging.Info("TLS configuration created from files",
		zap.String("cert", certPath),
		zap.String("key", keyPath),
	)

	return buildTLSConfig(cert), nil
}

// NewTLSConfigFromMemory builds a TLS configuration from PEM encoded
// certificate and key, as returned by GenerateSelfSigned.
func NewTLSConfigFromMemory(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate from memory: %w", err)
	}

	logging.Info("TLS configuration created from in-memory certificate",
		zap.String("source", "generated"),
	)

	return buildTLSConfig(cert), nil
}

// buildTLSConfig accepts TLS 1.2 and newer. Devices never present client
// certificates; they authenticate with the KEY header instead.
func buildTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}
}

// GetTLSInfo returns human-readable TLS configuration information
func GetTLSInfo(config *tls.Config) map[string]interface{} {
	if config == nil {
		return map[string]interface{}{"enabled": false}
	}

	maxVersion := "TLS 1.3"
	if config.MaxVersion != 0 {
		maxVersion = tls.VersionName(config.MaxVersion)
	}
	ciphers := make([]string, 0, len(config.CipherSuites))
	for _, id := range config.CipherSuites {
		ciphers = append(ciphers, tls.CipherSuiteName(id))
	}

	return map[string]interface{}{
		"enabled":         true,
		"min_version":     tls.VersionName(config.MinVersion),
		"max_version":     maxVersion,
		"cipher_suites":   ciphers,
		"num_certs":       len(config.Certificates),
		"session_tickets": !config.SessionTicketsDisabled,
	}
}
