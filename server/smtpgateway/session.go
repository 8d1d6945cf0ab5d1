package smtpgateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/metrics"
)

// Session carries one SMTP transaction. The envelope is collected across
// MAIL and RCPT; everything durable happens in Data.
type Session struct {
	backend    *Backend
	remoteIP   string
	ctx        context.Context
	sender     string
	recipients []string
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("MAIL", status).Inc()
	}()

	from = strings.TrimSpace(from)
	if from == "" {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}

	s.sender = from
	success = true
	logger.Debug("SMTP: MAIL FROM", "sender", from, "ip", s.remoteIP)
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("RCPT", status).Inc()
	}()

	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}

	s.recipients = append(s.recipients, to)
	success = true
	logger.Debug("SMTP: RCPT TO", "recipient", to, "ip", s.remoteIP)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	start := time.Now()
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("DATA", status).Inc()
	}()

	if s.sender == "" || len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence: MAIL and RCPT required first",
		}
	}

	// Resolve the tenant ceiling before reading the body so an oversize
	// message never reaches the database.
	tenantID, maxSize := s.resolveLimit()

	limited := io.LimitReader(r, maxSize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		logger.Warn("SMTP: failed to read message data", "ip", s.remoteIP, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Failed to read message",
		}
	}
	if int64(len(raw)) > maxSize {
		logger.Warn("SMTP: message too large", "ip", s.remoteIP, "sender", s.sender, "limit", maxSize)
		// Transient per the admission error contract, matching the rate
		// limit response: the client may retry once the ceiling changes.
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 3, 4},
			Message:      fmt.Sprintf("Message exceeds maximum size of %d bytes", maxSize),
		}
	}
	if len(raw) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Empty message",
		}
	}

	messageID, err := s.backend.rdb.InsertMessage(s.ctx, &db.InsertMessageOptions{
		Sender:     s.sender,
		Recipients: helpers.JoinRecipients(s.recipients),
		SourceIP:   s.remoteIP,
		Raw:        raw,
		TenantID:   tenantID,
	})
	if err != nil {
		logger.Error("SMTP: failed to persist message", "ip", s.remoteIP, "sender", s.sender, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}

	if err := s.backend.rdb.EnqueueJob(s.ctx, messageID); err != nil {
		// The message row exists but nothing will process it; refusing the
		// transaction lets the client retry into a consistent state.
		logger.Error("SMTP: failed to enqueue message", "message_id", messageID, "error", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}

	metrics.MessagesReceived.Inc()
	metrics.MessageSizeBytes.Observe(float64(len(raw)))

	if s.backend.notifier != nil {
		s.backend.notifier.NotifyQueued()
	}

	success = true
	logger.Info("SMTP: message accepted", "message_id", messageID, "sender", s.sender,
		"recipients", len(s.recipients), "size", len(raw), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// resolveLimit returns the tenant owning the first recipient's domain (nil
// when unknown) and the effective size ceiling for this transaction.
func (s *Session) resolveLimit() (*int64, int64) {
	maxSize := s.backend.maxMessageSize
	if len(s.recipients) == 0 {
		return nil, maxSize
	}
	domain := helpers.DomainOf(s.recipients[0])
	if domain == "" {
		return nil, maxSize
	}
	tenant, err := s.backend.rdb.FindTenantByDomain(s.ctx, domain)
	if err != nil {
		if !errors.Is(err, consts.ErrTenantNotFound) {
			// Lookup failures fall back to the global ceiling; the worker
			// resolves the tenant again during processing.
			logger.Warn("SMTP: tenant lookup failed", "domain", domain, "error", err)
		}
		return nil, maxSize
	}
	return &tenant.ID, db.EffectiveMaxMessageSize(tenant, maxSize)
}

func (s *Session) Reset() {
	s.sender = ""
	s.recipients = nil
}

func (s *Session) Logout() error {
	s.backend.sessionClosed()
	logger.Debug("SMTP: session closed", "ip", s.remoteIP)
	return nil
}
