// Command inbound-email runs the SMTP-to-webhook relay: it accepts inbound
// mail, stores attachments, persists delivery tasks and dispatches them to
// webhook endpoints.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/theviktor/inbound-email/internal/config"
	"github.com/theviktor/inbound-email/internal/dispatch"
	"github.com/theviktor/inbound-email/internal/errclass"
	"github.com/theviktor/inbound-email/internal/queue"
	"github.com/theviktor/inbound-email/internal/ratelimit"
	"github.com/theviktor/inbound-email/internal/router"
	"github.com/theviktor/inbound-email/internal/scheduler"
	"github.com/theviktor/inbound-email/internal/smtpserver"
	"github.com/theviktor/inbound-email/internal/storage"
	"github.com/theviktor/inbound-email/internal/tlsconf"
)

// shutdownDeadline is the force-exit cap on graceful shutdown.
const shutdownDeadline = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zap.NewExample().Error("failed to load configuration", zap.Error(err))
		os.Exit(1)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		os.Exit(1)
	}

	code := run(cfg, log)
	log.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, log *zap.Logger) int {
	sched := scheduler.New()

	tasks, err := queue.NewStore(cfg.Queue.Path)
	if err != nil {
		log.Error("failed to open durable queue", zap.Error(err))
		return 1
	}

	key, err := cfg.Storage.EncryptionKeyBytes()
	if err != nil {
		log.Error("invalid encryption key", zap.Error(err))
		return 1
	}
	local, err := storage.NewLocal(cfg.Storage.LocalPath, key, log.Named("storage"))
	if err != nil {
		log.Error("failed to open local storage", zap.Error(err))
		return 1
	}

	var uploader storage.Uploader
	var reconciler *storage.Reconciler
	if cfg.Storage.S3Configured() {
		s3Store, err := storage.NewS3(context.Background(), storage.S3Options{
			Region:          cfg.Storage.S3Region,
			AccessKeyID:     cfg.Storage.S3AccessKeyID,
			SecretAccessKey: cfg.Storage.S3SecretKey,
			Bucket:          cfg.Storage.S3Bucket,
			Endpoint:        cfg.Storage.S3Endpoint,
			ForcePathStyle:  cfg.Storage.S3ForcePathStyle,
		})
		if err != nil {
			log.Error("failed to build S3 client", zap.Error(err))
			return 1
		}
		uploader = s3Store
		reconciler = storage.NewReconciler(uploader, local, sched,
			cfg.Storage.S3RetryEvery, cfg.Storage.S3MaxRetries, log.Named("reconciler"))
		reconciler.Seed()
	} else {
		log.Warn("object store not configured, attachments stay on local disk")
	}

	tier := storage.NewTier(uploader, local, reconciler, cfg.Storage.MaxFileSize, log.Named("storage"))

	retention := time.Duration(cfg.Storage.RetentionHours) * time.Hour
	sched.Every(time.Hour, func() { local.Sweep(retention) })

	rt := router.New(cfg.Webhook.Rules, cfg.Webhook.URL, cfg.Webhook.AllowInsecureHTTP, log.Named("router"))
	sender := dispatch.NewSender(cfg.Webhook.Timeout, cfg.Webhook.Secret)
	dispatcher := dispatch.New(tasks, rt, sender, sched,
		cfg.Webhook.Concurrency, cfg.Queue.MaxQueueSize, cfg.Webhook.RetryDelay, log.Named("dispatch"))

	// Replay tasks that survived the previous run.
	ids, err := tasks.ListIDs()
	if err != nil {
		log.Error("failed to list durable queue", zap.Error(err))
		return 1
	}
	for _, id := range ids {
		if err := dispatcher.Enqueue(id); err != nil {
			log.Warn("replay enqueue failed, task stays queued",
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}
	if len(ids) > 0 {
		log.Info("replayed durable tasks", zap.Int("count", len(ids)))
	}

	limiter := ratelimit.New(cfg.SMTP.RateLimitWindow, cfg.SMTP.RateLimitMaxConn)
	policy := smtpserver.NewPolicy(smtpserver.PolicyOptions{
		AllowedClients:      cfg.Policy.AllowedSMTPClients,
		TrustedRelayIPs:     cfg.Policy.TrustedRelayIPs,
		RequireTrustedRelay: cfg.Policy.RequireTrustedRelay,
		SenderDomains:       cfg.Policy.AllowedSenderDomains,
		RecipientDomains:    cfg.Policy.AllowedRecipientDomains,
		RequiredAuthResults: cfg.Policy.RequiredAuthResults,
	}, limiter)

	backend := smtpserver.NewBackend(smtpserver.BackendOptions{
		Policy:         policy,
		Attachments:    tier,
		Tasks:          tasks,
		Sink:           dispatcher,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxClients:     cfg.SMTP.MaxClients,
		MaxQueueSize:   cfg.Queue.MaxQueueSize,
	}, log.Named("smtp"))

	var tlsConfig *tls.Config
	if cfg.SMTP.TLSCertFile != "" && cfg.SMTP.TLSKeyFile != "" {
		tlsConfig, err = tlsconf.Load(cfg.SMTP.TLSCertFile, cfg.SMTP.TLSKeyFile)
		if err != nil {
			log.Error("failed to load TLS materials", zap.Error(err))
			return 1
		}
	}

	srv := smtpserver.NewServer(backend, cfg.SMTP, tlsConfig, log.Named("smtp"))

	shutdownCh := make(chan int, 1)
	var once sync.Once
	shutdown := func(code int, reason string) {
		once.Do(func() {
			log.Info("shutting down", zap.String("reason", reason))
			shutdownCh <- code
		})
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if errclass.Recoverable(err) {
				log.Warn("recoverable SMTP server error", zap.Error(err))
				return
			}
			log.Error("SMTP server failed", zap.Error(err))
			shutdown(1, "smtp server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		shutdown(0, sig.String())
	}()

	log.Info("inbound-email started",
		zap.Int("port", cfg.SMTP.Port),
		zap.Bool("secure", cfg.SMTP.Secure),
		zap.Bool("s3", cfg.Storage.S3Configured()),
		zap.Int("rules", len(rt.Rules())),
		zap.String("defaultWebhook", cfg.Webhook.URL),
		zap.Bool("production", cfg.Production()),
	)

	code := <-shutdownCh

	// Stop accepting; in-flight sessions get the close timeout to finish.
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.SMTP.CloseTimeout)
	defer cancel()
	if err := srv.Shutdown(closeCtx); err != nil {
		srv.Close()
	}

	// Drain the dispatcher: poll pending every second up to the deadline.
	// Undelivered tasks stay in the durable queue for the next start.
	deadline := time.Now().Add(shutdownDeadline)
	for {
		pending := dispatcher.Pending()
		if pending == 0 {
			log.Info("dispatcher drained")
			break
		}
		if time.Now().After(deadline) {
			log.Warn("shutdown deadline reached with tasks pending, forcing exit",
				zap.Int64("pending", pending),
			)
			code = 1
			break
		}
		log.Info("waiting for dispatcher", zap.Int64("pending", pending))
		time.Sleep(time.Second)
	}

	sched.StopAll()
	dispatcher.Close()
	log.Info("inbound-email stopped")
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// buildLogger follows the environment: JSON in production, console
// elsewhere, level from config.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Production() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
