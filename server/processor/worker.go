package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/keywords"
	"github.com/Will-gabia/mailgate/pkg/mailauth"
	"github.com/Will-gabia/mailgate/pkg/mailparser"
	"github.com/Will-gabia/mailgate/pkg/metrics"
	"github.com/Will-gabia/mailgate/server/classifier"
)

// WorkerDB defines the database operations needed by the processing worker.
// This interface makes the worker testable by allowing mocks.
type WorkerDB interface {
	AcquireJobs(ctx context.Context, instanceID string, limit, maxAttempts int, baseDelay time.Duration) ([]*db.Job, error)
	CompleteJob(ctx context.Context, jobID int64) error
	FailJob(ctx context.Context, jobID int64, jobErr error) error
	QueueDepth(ctx context.Context, maxAttempts int) (int64, error)
	GetMessage(ctx context.Context, id int64) (*db.Message, error)
	GetMessageRaw(ctx context.Context, id int64) ([]byte, error)
	UpdateParsedMessage(ctx context.Context, id int64, update *db.ParsedUpdate) error
	FinalizeMessage(ctx context.Context, id int64, status, category, matchedRule string) (bool, error)
	InsertAttachment(ctx context.Context, messageID int64, index int, filename, contentType string, size int64, checksum, location string) error
	FindTenantByDomain(ctx context.Context, domain string) (*db.Tenant, error)
}

// AttachmentStore defines the object store operations needed by the worker.
type AttachmentStore interface {
	Store(ctx context.Context, messageID int64, att *mailparser.Attachment, index int) (string, error)
}

// MessageForwarder delivers a finished message to its forward targets.
type MessageForwarder interface {
	Forward(ctx context.Context, messageID int64, sender string, raw []byte, targets string) (bool, error)
}

// Classifier runs the rule engine against a parsed message.
type Classifier interface {
	Classify(ctx context.Context, parsed *mailparser.ParsedMessage, tenantID *int64) (*classifier.Result, error)
}

type Worker struct {
	rdb          WorkerDB
	store        AttachmentStore
	fwd          MessageForwarder
	cls          Classifier
	verifier     mailauth.Verifier
	instanceID   string
	batchSize    int
	concurrency  int
	maxAttempts  int
	baseDelay    time.Duration
	pollInterval time.Duration
	maxKeywords  int
	notifyCh     chan struct{}
	stopCh       chan struct{}
	errCh        chan<- error
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

type Options struct {
	InstanceID   string
	BatchSize    int
	Concurrency  int
	MaxAttempts  int
	BaseDelay    time.Duration
	PollInterval time.Duration
	MaxKeywords  int
	ErrCh        chan<- error
}

func New(rdb WorkerDB, store AttachmentStore, fwd MessageForwarder, cls Classifier, verifier mailauth.Verifier, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxKeywords <= 0 {
		opts.MaxKeywords = 10
	}
	return &Worker{
		rdb:          rdb,
		store:        store,
		fwd:          fwd,
		cls:          cls,
		verifier:     verifier,
		instanceID:   opts.InstanceID,
		batchSize:    opts.BatchSize,
		concurrency:  opts.Concurrency,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		pollInterval: opts.PollInterval,
		maxKeywords:  opts.MaxKeywords,
		errCh:        opts.ErrCh,
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Processor: worker started", "instance", w.instanceID, "concurrency", w.concurrency)
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Process immediately on start
	if err := w.processQueue(ctx); err != nil {
		w.reportError(err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Processor: worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			logger.Info("Processor: worker stopped due to stop signal")
			return
		case <-ticker.C:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		case <-w.notifyCh:
			logger.Debug("Processor: worker notified")
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		}
	}
}

// Stop gracefully stops the worker and waits for in-flight jobs to finish.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	logger.Info("Processor: worker stopped")
}

// NotifyQueued wakes the worker for an immediate queue pass. Never blocks.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
		// A wake-up is already pending
	}
}

func (w *Worker) processQueue(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for {
		jobs, err := w.rdb.AcquireJobs(ctx, w.instanceID, w.batchSize, w.maxAttempts, w.baseDelay)
		if err != nil {
			return fmt.Errorf("failed to acquire jobs: %w", err)
		}

		if depth, err := w.rdb.QueueDepth(ctx, w.maxAttempts); err == nil {
			metrics.JobQueueDepth.Set(float64(depth))
		}

		if len(jobs) == 0 {
			break
		}

		for _, job := range jobs {
			select {
			case <-ctx.Done():
				logger.Info("Processor: request aborted, waiting for in-flight jobs")
				wg.Wait()
				return nil
			case sem <- struct{}{}:
				wg.Add(1)
				go func(job *db.Job) {
					defer wg.Done()
					defer func() { <-sem }()
					w.processJob(ctx, job)
				}(job)
			}
		}
		wg.Wait()
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, job *db.Job) {
	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.JobsProcessed.WithLabelValues(outcome).Inc()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	logger.Debug("Processor: processing job", "job_id", job.ID, "message_id", job.MessageID, "attempt", job.Attempts)

	msg, err := w.rdb.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			// The message row is gone; nothing left to process.
			logger.Warn("Processor: message vanished, dropping job", "message_id", job.MessageID)
			if err := w.rdb.CompleteJob(ctx, job.ID); err != nil {
				logger.Error("Processor: failed to drop orphaned job", "job_id", job.ID, "error", err)
			}
			outcome = "dropped"
			return
		}
		w.failJob(ctx, job, fmt.Errorf("failed to load message: %w", err))
		outcome = "failure"
		return
	}

	if msg.Status != consts.StatusReceived {
		// Already finalized by another worker or an earlier crashed attempt
		// that got past the commit. Completing here keeps the pipeline
		// idempotent under redelivery.
		logger.Info("Processor: message already finalized, dropping job", "message_id", msg.ID, "status", msg.Status)
		if err := w.rdb.CompleteJob(ctx, job.ID); err != nil {
			logger.Error("Processor: failed to complete duplicate job", "job_id", job.ID, "error", err)
		}
		outcome = "duplicate"
		return
	}

	if err := w.processMessage(ctx, msg); err != nil {
		w.failJob(ctx, job, err)
		outcome = "failure"
		return
	}

	if err := w.rdb.CompleteJob(ctx, job.ID); err != nil {
		// The message is finalized; redelivery will see the status and drop.
		logger.Error("Processor: failed to complete job after finalize", "job_id", job.ID, "error", err)
	}
}

// processMessage runs the pipeline from raw bytes to a finalized status.
func (w *Worker) processMessage(ctx context.Context, msg *db.Message) error {
	raw, err := w.rdb.GetMessageRaw(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to load raw content: %w", err)
	}

	parsed, err := mailparser.Parse(raw)
	if err != nil {
		// Treated like any other processing error: the job queue retries up
		// to its attempt ceiling and the message stays in received.
		return fmt.Errorf("failed to parse message: %w", err)
	}

	// Auth verification and keyword extraction touch disjoint state; run
	// them side by side since SPF involves DNS round trips.
	var auth mailauth.AuthResult
	var terms []string
	var pipelineWG sync.WaitGroup
	pipelineWG.Add(2)
	go func() {
		defer pipelineWG.Done()
		auth = w.verifier.Verify(ctx, raw, msg.SourceIP, msg.Sender)
	}()
	go func() {
		defer pipelineWG.Done()
		terms = keywords.Extract(parsed.TextBody, parsed.HTMLBody, w.maxKeywords)
	}()
	pipelineWG.Wait()

	tenantID := msg.TenantID
	if tenantID == nil {
		tenantID = w.resolveTenant(ctx, msg.Recipients)
	}

	var sentDate *time.Time
	if !parsed.Date.IsZero() {
		d := parsed.Date
		sentDate = &d
	}

	update := &db.ParsedUpdate{
		MessageID:  parsed.MessageID,
		Subject:    parsed.Subject,
		FromHeader: parsed.From,
		ToHeader:   parsed.To,
		CcHeader:   parsed.Cc,
		ReplyTo:    parsed.ReplyTo,
		SentDate:   sentDate,
		Headers:    parsed.Headers,
		TextBody:   parsed.TextBody,
		HTMLBody:   parsed.HTMLBody,
		Keywords:   terms,
		TenantID:   tenantID,
		DKIMResult: auth.DKIM,
		SPFResult:  auth.SPF,
	}
	if err := w.rdb.UpdateParsedMessage(ctx, msg.ID, update); err != nil {
		return fmt.Errorf("failed to persist parsed fields: %w", err)
	}

	if err := w.storeAttachments(ctx, msg.ID, parsed.Attachments); err != nil {
		return err
	}

	result, err := w.cls.Classify(ctx, parsed, tenantID)
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}
	if result.Matched {
		logger.Info("Processor: rule matched", "message_id", msg.ID, "rule", result.RuleName, "action", result.Action)
	}

	status := w.act(ctx, msg, raw, result)

	committed, err := w.rdb.FinalizeMessage(ctx, msg.ID, status, result.Category, result.RuleName)
	if err != nil {
		return fmt.Errorf("failed to finalize message: %w", err)
	}
	if !committed {
		// Another worker finalized while we were processing; their outcome
		// stands.
		logger.Info("Processor: lost finalize race", "message_id", msg.ID)
		return nil
	}

	metrics.MessagesClassified.WithLabelValues(status).Inc()
	logger.Info("Processor: message processed", "message_id", msg.ID, "status", status, "category", result.Category)
	return nil
}

// act maps the classification outcome to a terminal status, forwarding
// when the matched rule asks for it.
func (w *Worker) act(ctx context.Context, msg *db.Message, raw []byte, result *classifier.Result) string {
	switch result.Action {
	case consts.ActionForward:
		if result.ForwardTo == "" {
			logger.Error("Processor: forward rule has no target", "message_id", msg.ID, "rule", result.RuleName)
			return consts.StatusFailed
		}
		delivered, err := w.fwd.Forward(ctx, msg.ID, msg.Sender, raw, result.ForwardTo)
		if err != nil {
			logger.Error("Processor: forward failed", "message_id", msg.ID, "rule", result.RuleName, "error", err)
			return consts.StatusFailed
		}
		if !delivered {
			return consts.StatusFailed
		}
		return consts.StatusForwarded
	case consts.ActionArchive, consts.ActionReject:
		// Rejected mail was already accepted at SMTP time; it is kept but
		// shelved, same as archive.
		return consts.StatusArchived
	default:
		return consts.StatusClassified
	}
}

// resolveTenant looks up the tenant owning the first recipient's domain.
// Messages for unknown domains stay tenant-less and still get processed
// under global rules.
func (w *Worker) resolveTenant(ctx context.Context, recipients string) *int64 {
	rcpts := helpers.SplitRecipients(recipients)
	if len(rcpts) == 0 {
		return nil
	}
	domain := helpers.DomainOf(rcpts[0])
	if domain == "" {
		return nil
	}
	tenant, err := w.rdb.FindTenantByDomain(ctx, domain)
	if err != nil {
		if !errors.Is(err, consts.ErrTenantNotFound) {
			logger.Warn("Processor: tenant lookup failed", "domain", domain, "error", err)
		}
		return nil
	}
	return &tenant.ID
}

func (w *Worker) storeAttachments(ctx context.Context, messageID int64, atts []mailparser.Attachment) error {
	if w.store == nil {
		if len(atts) > 0 {
			logger.Warn("Processor: attachment store not configured, skipping attachments", "message_id", messageID, "count", len(atts))
		}
		return nil
	}
	for i := range atts {
		att := &atts[i]
		location, err := w.store.Store(ctx, messageID, att, i)
		if err != nil {
			return fmt.Errorf("failed to store attachment %d: %w", i, err)
		}
		if err := w.rdb.InsertAttachment(ctx, messageID, i, att.Filename, att.ContentType, att.Size, att.Checksum, location); err != nil {
			return fmt.Errorf("failed to record attachment %d: %w", i, err)
		}
	}
	return nil
}

func (w *Worker) failJob(ctx context.Context, job *db.Job, jobErr error) {
	if job.Attempts >= w.maxAttempts {
		logger.Error("Processor: job exhausted its attempts", "job_id", job.ID, "message_id", job.MessageID, "attempts", job.Attempts, "error", jobErr)
	} else {
		logger.Warn("Processor: job failed, will retry", "job_id", job.ID, "message_id", job.MessageID, "attempt", job.Attempts, "error", jobErr)
	}
	if err := w.rdb.FailJob(ctx, job.ID, jobErr); err != nil {
		logger.Error("Processor: CRITICAL - failed to record job failure", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
		default:
			logger.Error("Processor: worker error (no listener)", "error", err)
		}
	} else {
		logger.Error("Processor: worker error", "error", err)
	}
}
