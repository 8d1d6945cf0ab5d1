// Package smtpgateway implements the inbound SMTP listener. Connections are
// admitted by source IP, rate limited, and accepted messages are persisted
// and enqueued before the final 250 goes out.
package smtpgateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/metrics"
	"github.com/Will-gabia/mailgate/pkg/ratelimit"
	"github.com/Will-gabia/mailgate/server"
)

// GatewayDB defines the database operations needed on the ingestion path.
type GatewayDB interface {
	InsertMessage(ctx context.Context, opts *db.InsertMessageOptions) (int64, error)
	EnqueueJob(ctx context.Context, messageID int64) error
	FindTenantByDomain(ctx context.Context, domain string) (*db.Tenant, error)
}

// WorkerNotifier wakes the processing worker after an enqueue.
type WorkerNotifier interface {
	NotifyQueued()
}

type Backend struct {
	addr      string
	hostname  string
	rdb       GatewayDB
	limiter   *ratelimit.Limiter
	allowList *server.AllowList
	notifier  WorkerNotifier
	appCtx    context.Context
	server    *smtp.Server
	tlsConfig *tls.Config
	debug     bool

	// Global ceiling; tenants may lower it per message.
	maxMessageSize int64

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, cfg *config.SMTPConfig, rdb GatewayDB, limiter *ratelimit.Limiter, notifier WorkerNotifier) (*Backend, error) {
	allowList, err := server.NewAllowList(cfg.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed_ips: %w", err)
	}

	maxSize, err := cfg.GetMaxMessageSize()
	if err != nil {
		return nil, fmt.Errorf("invalid max_message_size: %w", err)
	}

	backend := &Backend{
		addr:           cfg.Addr,
		hostname:       cfg.Hostname,
		rdb:            rdb,
		limiter:        limiter,
		allowList:      allowList,
		notifier:       notifier,
		appCtx:         appCtx,
		debug:          cfg.Debug,
		maxMessageSize: maxSize,
	}

	if cfg.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		backend.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.Hostname,
			Renegotiation: tls.RenegotiateNever,
		}
		if !cfg.TLSVerify {
			backend.tlsConfig.InsecureSkipVerify = true
			logger.Warn("SMTP: TLS certificate verification disabled")
		}
	}

	s := smtp.NewServer(backend)
	s.Addr = cfg.Addr
	s.Domain = cfg.Hostname
	s.Network = "tcp"
	// The envelope limit is the global ceiling; tenant ceilings are tighter
	// and enforced in Data.
	s.MaxMessageBytes = maxSize
	s.MaxRecipients = 100
	s.ReadTimeout = 2 * time.Minute
	s.WriteTimeout = 2 * time.Minute

	if cfg.TLSUseStart && backend.tlsConfig != nil {
		s.TLSConfig = backend.tlsConfig
	}

	if cfg.Debug {
		s.Debug = os.Stdout
	}

	backend.server = s
	return backend, nil
}

// NewSession admits or rejects a connection before any command is read.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	ip := server.RemoteIP(remoteAddr)

	if !b.allowList.Allowed(ip) {
		logger.Warn("SMTP: connection rejected, source not allowed", "ip", ip)
		metrics.ConnectionsTotal.WithLabelValues("denied").Inc()
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      "Connection not allowed",
		}
	}

	if b.limiter != nil {
		if res := b.limiter.Check(ip); !res.Allowed {
			logger.Warn("SMTP: connection rejected, rate limit exceeded", "ip", ip, "reset_at", res.ResetAt)
			metrics.ConnectionsTotal.WithLabelValues("rate_limited").Inc()
			metrics.RateLimitRejections.Inc()
			return nil, &smtp.SMTPError{
				Code:         421,
				EnhancedCode: smtp.EnhancedCode{4, 4, 5},
				Message:      "Too many connections, try again later",
			}
		}
	}

	b.totalConnections.Add(1)
	b.activeConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectionsCurrent.Inc()

	logger.Debug("SMTP: new session", "ip", ip, "active", b.activeConnections.Load())

	return &Session{
		backend:  b,
		remoteIP: ip,
		ctx:      b.appCtx,
	}, nil
}

// Start blocks serving the listener until Close is called.
func (b *Backend) Start() error {
	if b.tlsConfig != nil && b.server.TLSConfig == nil {
		// Implicit TLS
		logger.Info("SMTP: listening with implicit TLS", "addr", b.addr)
		return b.server.ListenAndServeTLS()
	}
	logger.Info("SMTP: listening", "addr", b.addr)
	return b.server.ListenAndServe()
}

// Close shuts the listener down and waits for active sessions.
func (b *Backend) Close() error {
	return b.server.Close()
}

func (b *Backend) sessionClosed() {
	b.activeConnections.Add(-1)
	metrics.ConnectionsCurrent.Dec()
}
