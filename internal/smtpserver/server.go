package smtpserver

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/config"
)

// Server wraps the go-smtp server with the relay's configuration. AUTH is
// never advertised: the backend does not implement an auth session.
type Server struct {
	srv    *smtp.Server
	secure bool
	log    *zap.Logger
}

// NewServer builds the SMTP listener around the backend.
func NewServer(backend *Backend, cfg config.SMTPConfig, tlsConfig *tls.Config, log *zap.Logger) *Server {
	srv := smtp.NewServer(backend)
	srv.Addr = fmt.Sprintf(":%d", cfg.Port)
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = cfg.SocketTimeout
	srv.WriteTimeout = cfg.CloseTimeout
	srv.MaxMessageBytes = cfg.MaxMessageSize
	srv.MaxRecipients = 100
	srv.TLSConfig = tlsConfig

	return &Server{srv: srv, secure: cfg.Secure, log: log}
}

// ListenAndServe blocks serving SMTP. Secure mode listens with implicit
// TLS; otherwise STARTTLS is offered when TLS material is present.
func (s *Server) ListenAndServe() error {
	s.log.Info("SMTP server listening",
		zap.String("addr", s.srv.Addr),
		zap.String("hostname", s.srv.Domain),
		zap.Bool("secure", s.secure),
	)
	if s.secure {
		return s.srv.ListenAndServeTLS()
	}
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight sessions
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close tears the listener and every connection down immediately.
func (s *Server) Close() error {
	return s.srv.Close()
}
