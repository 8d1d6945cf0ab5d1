// Package forwarder delivers classified messages to their forward targets
// over an outbound SMTP relay, recording one forward log row per
// recipient. Failed rows are retried later by the retry scheduler.
package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/metrics"
)

// Transport delivers one message to one recipient and returns the server's
// acknowledgement line.
type Transport interface {
	Deliver(ctx context.Context, from, to string, raw []byte) (string, error)
}

// LogStore is the slice of the database the forwarder needs.
type LogStore interface {
	InsertForwardLog(ctx context.Context, messageID int64, recipient, status, smtpResponse, lastError string, nextRetryAt *time.Time) (int64, error)
}

// RelayClient is the production Transport: a fresh SMTP connection per
// delivery against the configured relay, with optional PLAIN auth and
// either implicit TLS or STARTTLS.
type RelayClient struct {
	cfg      *config.RelayConfig
	hostname string
}

func NewRelayClient(cfg *config.RelayConfig, hostname string) *RelayClient {
	return &RelayClient{cfg: cfg, hostname: hostname}
}

// Verify dials the relay once at startup so a dead relay shows up in the
// logs immediately instead of on the first forward.
func (r *RelayClient) Verify(ctx context.Context) {
	if r.cfg.Host == "" {
		logger.Warn("forwarder: no relay configured, forward actions will fail")
		return
	}
	c, err := r.dial()
	if err != nil {
		logger.Warn("forwarder: relay verification failed", "addr", r.cfg.Addr(), "error", err)
		return
	}
	defer c.Close()
	_ = c.Noop()
	logger.Info("forwarder: relay verified", "addr", r.cfg.Addr())
}

func (r *RelayClient) dial() (*smtp.Client, error) {
	addr := r.cfg.Addr()
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: r.cfg.Host,
	}

	var c *smtp.Client
	var err error
	switch {
	case r.cfg.ImplicitTLS:
		c, err = smtp.DialTLS(addr, tlsConfig)
	case r.cfg.StartTLS:
		// DialStartTLS runs the EHLO and upgrade itself.
		c, err = smtp.DialStartTLS(addr, tlsConfig)
	default:
		c, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", addr, err)
	}

	if !r.cfg.StartTLS || r.cfg.ImplicitTLS {
		if helloDomain := r.helloDomain(); helloDomain != "" {
			if err := c.Hello(helloDomain); err != nil {
				c.Close()
				return nil, fmt.Errorf("relay EHLO failed: %w", err)
			}
		}
	}

	if r.cfg.Username != "" {
		auth := sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, fmt.Errorf("relay authentication failed: %w", err)
		}
	}
	return c, nil
}

func (r *RelayClient) helloDomain() string {
	if r.cfg.FromDomain != "" {
		return r.cfg.FromDomain
	}
	return r.hostname
}

// Deliver sends raw to a single recipient. The per-delivery timeout from
// configuration bounds the whole exchange.
func (r *RelayClient) Deliver(ctx context.Context, from, to string, raw []byte) (string, error) {
	if r.cfg.Host == "" {
		return "", consts.ErrRelayNotConfigured
	}

	timeout, err := r.cfg.GetTimeout()
	if err != nil {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		response string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := r.deliver(from, to, raw)
		done <- result{response, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("delivery to %s timed out: %w", to, ctx.Err())
	case res := <-done:
		return res.response, res.err
	}
}

func (r *RelayClient) deliver(from, to string, raw []byte) (string, error) {
	c, err := r.dial()
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return "", fmt.Errorf("relay rejected sender %s: %w", from, err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return "", fmt.Errorf("relay rejected recipient %s: %w", to, err)
	}
	wc, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("relay DATA failed: %w", err)
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to write message to relay: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("relay rejected message: %w", err)
	}
	if err := c.Quit(); err != nil {
		// Message was accepted; a failed QUIT is not a delivery failure.
		logger.Debug("forwarder: relay QUIT failed", "error", err)
	}
	return "250 2.0.0 message accepted", nil
}

// Forwarder executes the forward action and writes the per-recipient
// delivery records.
type Forwarder struct {
	logs      LogStore
	transport Transport
	hostname  string

	// First retry of a failed recipient starts one base delay out.
	retryBaseDelay time.Duration
}

func New(logs LogStore, transport Transport, hostname string, retryBaseDelay time.Duration) *Forwarder {
	return &Forwarder{
		logs:           logs,
		transport:      transport,
		hostname:       hostname,
		retryBaseDelay: retryBaseDelay,
	}
}

// Transport exposes the underlying transport for the retry scheduler.
func (f *Forwarder) Transport() Transport {
	return f.transport
}

// Forward delivers to every recipient in the comma-separated target list.
// One forward log row is written per attempted recipient. The first
// failure stops the loop: already-delivered recipients keep their success
// rows, the failed one gets a retry schedule, and the remainder are left
// un-attempted for this call.
func (f *Forwarder) Forward(ctx context.Context, messageID int64, sender string, raw []byte, targets string) (bool, error) {
	recipients := helpers.SplitRecipients(targets)
	if len(recipients) == 0 {
		return false, consts.ErrForwardTargetEmpty
	}

	outbound := BuildForwardMessage(raw, sender, f.hostname)
	for _, recipient := range recipients {
		start := time.Now()
		response, err := f.transport.Deliver(ctx, sender, recipient, outbound)
		metrics.ForwardDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.ForwardDeliveries.WithLabelValues("failure").Inc()
			logger.Warn("forwarder: delivery failed", "message_id", messageID, "recipient", recipient, "error", err)
			retryAt := time.Now().Add(f.retryBaseDelay)
			if _, logErr := f.logs.InsertForwardLog(ctx, messageID, recipient, consts.ForwardFailed, "", err.Error(), &retryAt); logErr != nil {
				return false, fmt.Errorf("failed to record delivery failure: %w", logErr)
			}
			return false, nil
		}

		metrics.ForwardDeliveries.WithLabelValues("success").Inc()
		logger.Info("forwarder: delivered", "message_id", messageID, "recipient", recipient)
		if _, logErr := f.logs.InsertForwardLog(ctx, messageID, recipient, consts.ForwardSuccess, response, "", nil); logErr != nil {
			return false, fmt.Errorf("failed to record delivery success: %w", logErr)
		}
	}
	return true, nil
}

// BuildForwardMessage re-serializes a raw message for forwarding: trace
// headers are prepended and the subject gets a "[Fwd] " prefix. The body,
// including any MIME structure and attachments, passes through untouched.
func BuildForwardMessage(raw []byte, originalFrom, hostname string) []byte {
	header, body := splitHeaderBody(raw)

	var out bytes.Buffer
	fmt.Fprintf(&out, "X-Forwarded-By: mailgate (%s)\r\n", hostname)
	fmt.Fprintf(&out, "X-Original-From: %s\r\n", originalFrom)

	for _, line := range splitHeaderLines(header) {
		if len(line) >= 8 && equalFoldASCII(line[:8], "subject:") {
			subject := bytes.TrimSpace(line[8:])
			if !bytes.HasPrefix(subject, []byte("[Fwd] ")) {
				out.WriteString("Subject: [Fwd] ")
				out.Write(subject)
				out.WriteString("\r\n")
				continue
			}
		}
		out.Write(line)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	out.Write(body)
	return out.Bytes()
}

// splitHeaderBody cuts raw at the first blank line. A message without one
// is all header.
func splitHeaderBody(raw []byte) ([]byte, []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i], raw[i+2:]
	}
	return raw, nil
}

// splitHeaderLines splits the header block into logical lines, keeping
// folded continuation lines attached to their field.
func splitHeaderLines(header []byte) [][]byte {
	rawLines := bytes.Split(bytes.ReplaceAll(header, []byte("\r\n"), []byte("\n")), []byte("\n"))
	var lines [][]byte
	for _, line := range rawLines {
		if len(line) == 0 {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			folded := append(append([]byte{}, lines[len(lines)-1]...), '\r', '\n')
			lines[len(lines)-1] = append(folded, line...)
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func equalFoldASCII(a []byte, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
