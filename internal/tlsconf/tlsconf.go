// Package tlsconf loads the TLS materials for the secure SMTP listener.
package tlsconf

import (
	"crypto/tls"
	"os"

	"github.com/roadrunner-server/errors"
)

// Load builds a tls.Config from certificate and key files. Both paths must
// exist; secure mode fails fast at startup otherwise.
func Load(certFile, keyFile string) (*tls.Config, error) {
	const op = errors.Op("tlsconf_load")

	if _, err := os.Stat(certFile); err != nil {
		return nil, errors.E(op, err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, errors.E(op, err)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.E(op, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
