package smtpserver

import (
	"context"
	"io"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/mailparse"
)

// Session implements smtp.Session for one SMTP connection. Each connection
// gets its own instance with isolated transaction state.
type Session struct {
	backend *Backend
	conn    *smtp.Conn
	uuid    string
	ip      string
	log     *zap.Logger

	from string
	to   []string
}

func newSession(b *Backend, c *smtp.Conn, ip string) *Session {
	sid := uuid.NewString()
	return &Session{
		backend: b,
		conn:    c,
		uuid:    sid,
		ip:      ip,
		log:     b.log.With(zap.String("uuid", sid)),
	}
}

// Mail handles MAIL FROM and the sender-domain policy.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if d := s.backend.policy.CheckSender(from); d.Rejected() {
		s.log.Info("sender rejected",
			zap.String("from", from),
			zap.Int("code", d.Code),
		)
		return reject(d.Code, d.Message)
	}
	s.from = from
	s.log.Debug("MAIL FROM", zap.String("from", from))
	return nil
}

// Rcpt handles RCPT TO and the recipient-domain policy.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if d := s.backend.policy.CheckRecipient(to); d.Rejected() {
		s.log.Info("recipient rejected",
			zap.String("to", to),
			zap.Int("code", d.Code),
		)
		return reject(d.Code, d.Message)
	}
	s.to = append(s.to, to)
	s.log.Debug("RCPT TO", zap.String("to", to))
	return nil
}

// Data receives the message stream: admission gate, MIME parse, post-parse
// policy, durable task creation and dispatcher push.
func (s *Session) Data(r io.Reader) error {
	// Back-pressure before reading anything: a full dispatcher queue
	// drains the stream and defers the client.
	if s.backend.sink.QueueDepth() >= s.backend.maxQueueSize {
		io.Copy(io.Discard, r)
		s.log.Warn("dispatch queue full, deferring message")
		return reject(451, "Server busy, try again later")
	}

	limited := io.LimitReader(r, s.backend.maxMessageSize+1)
	parsed, err := mailparse.Parse(context.Background(), limited, s.backend.store, s.log)
	if err != nil {
		s.log.Warn("failed to parse message", zap.Error(err))
		return reject(451, "Failed to process message")
	}

	if d := s.backend.policy.CheckAuthResults(parsed, s.backend.policy.IsTrustedRelay(s.ip)); d.Rejected() {
		s.log.Info("message rejected by auth-results policy",
			zap.Int("code", d.Code),
			zap.String("reason", d.Message),
		)
		return reject(d.Code, d.Message)
	}

	id, err := s.backend.tasks.Create(parsed)
	if err != nil {
		s.log.Error("failed to persist task", zap.Error(err))
		return reject(451, "Temporary failure, try again later")
	}

	if err := s.backend.sink.Enqueue(id); err != nil {
		// Raced into a full queue after the gate: drop the task so the
		// client's retry does not duplicate it.
		s.backend.tasks.Remove(id)
		s.log.Warn("dispatch enqueue failed", zap.Error(err))
		return reject(451, "Server busy, try again later")
	}

	s.log.Info("message accepted",
		zap.String("task", id),
		zap.String("from", s.from),
		zap.Strings("to", s.to),
		zap.Int("attachments", len(parsed.AttachmentInfo)),
	)
	return nil
}

// Reset clears the current transaction.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
	s.log.Debug("session reset")
}

// Logout releases the connection slot.
func (s *Session) Logout() error {
	s.backend.closeSession(s)
	s.log.Debug("session closed")
	return nil
}
