// Package retrier re-drives failed forward deliveries on an exponential
// backoff schedule. One recipient per forward_logs row; a row whose attempt
// ceiling is reached keeps its failed status with no next retry time.
package retrier

import (
	"context"
	"sync"
	"time"

	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/metrics"
	"github.com/Will-gabia/mailgate/server/forwarder"
)

// RetryDB defines the database operations needed by the scheduler.
type RetryDB interface {
	DueForwardLogs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*db.ForwardLog, error)
	MarkForwardRetrySuccess(ctx context.Context, id int64, smtpResponse string) error
	MarkForwardRetryFailure(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error
	CountFailedForwardLogs(ctx context.Context, messageID int64) (int64, error)
	CountRetryBacklog(ctx context.Context, maxAttempts int) (int64, error)
	GetMessage(ctx context.Context, id int64) (*db.Message, error)
	GetMessageRaw(ctx context.Context, id int64) ([]byte, error)
	MarkMessageForwarded(ctx context.Context, id int64) error
}

type Scheduler struct {
	rdb          RetryDB
	transport    forwarder.Transport
	hostname     string
	maxAttempts  int
	baseDelay    time.Duration
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

func New(rdb RetryDB, transport forwarder.Transport, hostname string, maxAttempts int, baseDelay, pollInterval time.Duration) *Scheduler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Scheduler{
		rdb:          rdb,
		transport:    transport,
		hostname:     hostname,
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		pollInterval: pollInterval,
		batchSize:    50,
		stopCh:       make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	logger.Info("Retrier: scheduler started", "poll_interval", s.pollInterval, "max_attempts", s.maxAttempts)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Process immediately on start
	s.processDue(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Retrier: scheduler stopped due to context cancellation")
			return
		case <-s.stopCh:
			logger.Info("Retrier: scheduler stopped due to stop signal")
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

// Stop gracefully stops the scheduler. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logger.Info("Retrier: scheduler stopped")
}

func (s *Scheduler) processDue(ctx context.Context) {
	now := time.Now()
	due, err := s.rdb.DueForwardLogs(ctx, now, s.maxAttempts, s.batchSize)
	if err != nil {
		logger.Error("Retrier: failed to list due retries", "error", err)
		return
	}

	if backlog, err := s.rdb.CountRetryBacklog(ctx, s.maxAttempts); err == nil {
		metrics.RetryBacklog.Set(float64(backlog))
	}

	for _, fl := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.retryOne(ctx, fl)
	}
}

func (s *Scheduler) retryOne(ctx context.Context, fl *db.ForwardLog) {
	msg, err := s.rdb.GetMessage(ctx, fl.MessageID)
	if err != nil {
		logger.Error("Retrier: message lookup failed", "forward_log_id", fl.ID, "message_id", fl.MessageID, "error", err)
		s.recordFailure(ctx, fl, err)
		return
	}

	raw, err := s.rdb.GetMessageRaw(ctx, fl.MessageID)
	if err != nil {
		logger.Error("Retrier: raw content lookup failed", "forward_log_id", fl.ID, "message_id", fl.MessageID, "error", err)
		s.recordFailure(ctx, fl, err)
		return
	}

	// Same trace headers as the worker path: X-Original-From carries the
	// envelope sender.
	out := forwarder.BuildForwardMessage(raw, msg.Sender, s.hostname)
	response, err := s.transport.Deliver(ctx, msg.Sender, fl.Recipient, out)
	if err != nil {
		logger.Warn("Retrier: delivery failed", "forward_log_id", fl.ID, "recipient", fl.Recipient,
			"attempt", fl.Attempts+1, "error", err)
		metrics.RetryAttempts.WithLabelValues("failure").Inc()
		s.recordFailure(ctx, fl, err)
		return
	}

	if err := s.rdb.MarkForwardRetrySuccess(ctx, fl.ID, response); err != nil {
		logger.Error("Retrier: failed to record successful retry", "forward_log_id", fl.ID, "error", err)
		return
	}
	metrics.RetryAttempts.WithLabelValues("success").Inc()
	logger.Info("Retrier: delivery recovered", "forward_log_id", fl.ID, "message_id", fl.MessageID,
		"recipient", fl.Recipient, "attempt", fl.Attempts+1)

	// Once every recipient of the message has been delivered, the message
	// itself graduates from failed to forwarded.
	remaining, err := s.rdb.CountFailedForwardLogs(ctx, fl.MessageID)
	if err != nil {
		logger.Warn("Retrier: failed to count remaining failures", "message_id", fl.MessageID, "error", err)
		return
	}
	if remaining == 0 {
		if err := s.rdb.MarkMessageForwarded(ctx, fl.MessageID); err != nil {
			logger.Error("Retrier: failed to mark message forwarded", "message_id", fl.MessageID, "error", err)
		} else {
			logger.Info("Retrier: message fully forwarded", "message_id", fl.MessageID)
		}
	}
}

// recordFailure bumps the attempt count and schedules the next retry, or
// parks the row when the ceiling is reached.
func (s *Scheduler) recordFailure(ctx context.Context, fl *db.ForwardLog, cause error) {
	var next *time.Time
	newAttempts := fl.Attempts + 1
	if newAttempts < s.maxAttempts {
		// The first attempt waited baseDelay; each subsequent one doubles.
		at := time.Now().Add(s.backoff(fl.Attempts))
		next = &at
	} else {
		logger.Error("Retrier: attempt ceiling reached, giving up", "forward_log_id", fl.ID,
			"message_id", fl.MessageID, "recipient", fl.Recipient, "attempts", newAttempts)
	}
	if err := s.rdb.MarkForwardRetryFailure(ctx, fl.ID, cause.Error(), next); err != nil {
		logger.Error("Retrier: failed to record retry failure", "forward_log_id", fl.ID, "error", err)
	}
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.baseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}
