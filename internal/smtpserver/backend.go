package smtpserver

import (
	"sync"
	"sync/atomic"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/mailparse"
	"github.com/theviktor/inbound-email/internal/queue"
)

// TaskSink is the dispatcher surface the ingestion path needs: the
// in-memory queue depth gate and the enqueue of freshly created tasks.
type TaskSink interface {
	Enqueue(id string) error
	QueueDepth() int
}

// Backend implements smtp.Backend. It creates one Session per connection
// after running the on-connect admission hook.
type Backend struct {
	policy *Policy
	store  mailparse.AttachmentStore
	tasks  *queue.Store
	sink   TaskSink
	log    *zap.Logger

	maxMessageSize int64
	maxClients     int32
	maxQueueSize   int

	active atomic.Int32

	// sessions holds the live sessions by uuid: stored on open, deleted on
	// logout.
	sessions sync.Map // uuid -> *Session
}

// BackendOptions wires the ingestion dependencies.
type BackendOptions struct {
	Policy         *Policy
	Attachments    mailparse.AttachmentStore
	Tasks          *queue.Store
	Sink           TaskSink
	MaxMessageSize int64
	MaxClients     int
	MaxQueueSize   int
}

// NewBackend builds the SMTP backend.
func NewBackend(opts BackendOptions, log *zap.Logger) *Backend {
	return &Backend{
		policy:         opts.Policy,
		store:          opts.Attachments,
		tasks:          opts.Tasks,
		sink:           opts.Sink,
		log:            log,
		maxMessageSize: opts.MaxMessageSize,
		maxClients:     int32(opts.MaxClients),
		maxQueueSize:   opts.MaxQueueSize,
	}
}

// NewSession runs the on-connect hook and admits or rejects the connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	if b.maxClients > 0 && b.active.Load() >= b.maxClients {
		b.log.Warn("rejecting connection, max clients reached")
		return nil, reject(421, "Too many concurrent connections")
	}

	ip := NormalizeIP(c.Conn().RemoteAddr().String())
	if d := b.policy.CheckConnect(ip); d.Rejected() {
		b.log.Info("connection rejected by policy",
			zap.String("ip", ip),
			zap.Int("code", d.Code),
			zap.String("reason", d.Message),
		)
		return nil, reject(d.Code, d.Message)
	}

	s := newSession(b, c, ip)
	b.active.Add(1)
	b.sessions.Store(s.uuid, s)
	b.log.Debug("session opened",
		zap.String("uuid", s.uuid),
		zap.String("ip", ip),
	)
	return s, nil
}

// ActiveSessions reports live connections.
func (b *Backend) ActiveSessions() int {
	return int(b.active.Load())
}

func (b *Backend) closeSession(s *Session) {
	b.sessions.Delete(s.uuid)
	b.active.Add(-1)
}

func reject(code int, message string) *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         code,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		Message:      message,
	}
}
