package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/db"
)

type mockRetryDB struct {
	DueForwardLogsFunc          func(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*db.ForwardLog, error)
	MarkForwardRetrySuccessFunc func(ctx context.Context, id int64, smtpResponse string) error
	MarkForwardRetryFailureFunc func(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error
	CountFailedForwardLogsFunc  func(ctx context.Context, messageID int64) (int64, error)
	MarkMessageForwardedFunc    func(ctx context.Context, id int64) error
}

func (m *mockRetryDB) DueForwardLogs(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*db.ForwardLog, error) {
	if m.DueForwardLogsFunc != nil {
		return m.DueForwardLogsFunc(ctx, now, maxAttempts, limit)
	}
	return nil, nil
}

func (m *mockRetryDB) MarkForwardRetrySuccess(ctx context.Context, id int64, smtpResponse string) error {
	if m.MarkForwardRetrySuccessFunc != nil {
		return m.MarkForwardRetrySuccessFunc(ctx, id, smtpResponse)
	}
	return nil
}

func (m *mockRetryDB) MarkForwardRetryFailure(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error {
	if m.MarkForwardRetryFailureFunc != nil {
		return m.MarkForwardRetryFailureFunc(ctx, id, lastError, nextRetryAt)
	}
	return nil
}

func (m *mockRetryDB) CountFailedForwardLogs(ctx context.Context, messageID int64) (int64, error) {
	if m.CountFailedForwardLogsFunc != nil {
		return m.CountFailedForwardLogsFunc(ctx, messageID)
	}
	return 0, nil
}

func (m *mockRetryDB) CountRetryBacklog(ctx context.Context, maxAttempts int) (int64, error) {
	return 0, nil
}

func (m *mockRetryDB) GetMessage(ctx context.Context, id int64) (*db.Message, error) {
	return &db.Message{ID: id, Sender: "alice@example.com", FromHeader: "Alice <alice@example.com>"}, nil
}

func (m *mockRetryDB) GetMessageRaw(ctx context.Context, id int64) ([]byte, error) {
	return []byte("From: alice@example.com\r\nSubject: hi\r\n\r\nbody\r\n"), nil
}

func (m *mockRetryDB) MarkMessageForwarded(ctx context.Context, id int64) error {
	if m.MarkMessageForwardedFunc != nil {
		return m.MarkMessageForwardedFunc(ctx, id)
	}
	return nil
}

type mockTransport struct {
	DeliverFunc func(ctx context.Context, from, to string, raw []byte) (string, error)
}

func (m *mockTransport) Deliver(ctx context.Context, from, to string, raw []byte) (string, error) {
	return m.DeliverFunc(ctx, from, to, raw)
}

func failedLog(id, messageID int64, attempts int) *db.ForwardLog {
	at := time.Now().Add(-time.Second)
	return &db.ForwardLog{
		ID:          id,
		MessageID:   messageID,
		Recipient:   "dest@corp.test",
		Status:      "failed",
		Attempts:    attempts,
		NextRetryAt: &at,
	}
}

func TestRetrySuccessMarksLogAndMessage(t *testing.T) {
	var successID, forwardedMsg int64
	var response string
	rdb := &mockRetryDB{
		MarkForwardRetrySuccessFunc: func(ctx context.Context, id int64, smtpResponse string) error {
			successID = id
			response = smtpResponse
			return nil
		},
		CountFailedForwardLogsFunc: func(ctx context.Context, messageID int64) (int64, error) {
			return 0, nil
		},
		MarkMessageForwardedFunc: func(ctx context.Context, id int64) error {
			forwardedMsg = id
			return nil
		},
	}
	transport := &mockTransport{
		DeliverFunc: func(ctx context.Context, from, to string, raw []byte) (string, error) {
			assert.Equal(t, "alice@example.com", from)
			assert.Equal(t, "dest@corp.test", to)
			assert.Contains(t, string(raw), "X-Forwarded-By")
			// The envelope sender, not the display-form From header.
			assert.Contains(t, string(raw), "X-Original-From: alice@example.com")
			return "250 2.0.0 message accepted", nil
		},
	}
	s := New(rdb, transport, "gw.example.com", 5, time.Minute, time.Minute)

	s.retryOne(context.Background(), failedLog(10, 42, 1))

	assert.Equal(t, int64(10), successID)
	assert.Equal(t, "250 2.0.0 message accepted", response)
	assert.Equal(t, int64(42), forwardedMsg)
}

func TestRetrySuccessLeavesMessageWhileSiblingsFail(t *testing.T) {
	rdb := &mockRetryDB{
		CountFailedForwardLogsFunc: func(ctx context.Context, messageID int64) (int64, error) {
			return 1, nil
		},
		MarkMessageForwardedFunc: func(ctx context.Context, id int64) error {
			t.Fatal("message must stay failed while a sibling recipient is failed")
			return nil
		},
	}
	transport := &mockTransport{
		DeliverFunc: func(ctx context.Context, from, to string, raw []byte) (string, error) {
			return "250 ok", nil
		},
	}
	s := New(rdb, transport, "gw.example.com", 5, time.Minute, time.Minute)

	s.retryOne(context.Background(), failedLog(10, 42, 1))
}

func TestRetryFailureSchedulesDoubledBackoff(t *testing.T) {
	var nextAt *time.Time
	var lastErr string
	rdb := &mockRetryDB{
		MarkForwardRetryFailureFunc: func(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error {
			lastErr = lastError
			nextAt = nextRetryAt
			return nil
		},
	}
	transport := &mockTransport{
		DeliverFunc: func(ctx context.Context, from, to string, raw []byte) (string, error) {
			return "", errors.New("451 greylisted")
		},
	}
	s := New(rdb, transport, "gw.example.com", 5, time.Minute, time.Minute)

	// Attempts=2 before this retry, so the next wait is 1m * 2^2 = 4m.
	s.retryOne(context.Background(), failedLog(10, 42, 2))

	assert.Contains(t, lastErr, "greylisted")
	require.NotNil(t, nextAt)
	wait := time.Until(*nextAt)
	assert.InDelta(t, (4 * time.Minute).Seconds(), wait.Seconds(), 5)
}

func TestRetryFailureAtCeilingParksRow(t *testing.T) {
	var nextAt *time.Time
	var recorded bool
	rdb := &mockRetryDB{
		MarkForwardRetryFailureFunc: func(ctx context.Context, id int64, lastError string, nextRetryAt *time.Time) error {
			recorded = true
			nextAt = nextRetryAt
			return nil
		},
	}
	transport := &mockTransport{
		DeliverFunc: func(ctx context.Context, from, to string, raw []byte) (string, error) {
			return "", errors.New("550 rejected")
		},
	}
	s := New(rdb, transport, "gw.example.com", 3, time.Minute, time.Minute)

	// Third attempt of three: no further retry gets scheduled.
	s.retryOne(context.Background(), failedLog(10, 42, 2))

	assert.True(t, recorded)
	assert.Nil(t, nextAt)
}

func TestBackoffIsCapped(t *testing.T) {
	s := New(&mockRetryDB{}, nil, "gw.example.com", 50, time.Minute, time.Minute)

	assert.Equal(t, time.Minute, s.backoff(0))
	assert.Equal(t, 2*time.Minute, s.backoff(1))
	assert.Equal(t, 8*time.Minute, s.backoff(3))
	assert.Equal(t, 24*time.Hour, s.backoff(40))
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(&mockRetryDB{}, nil, "gw.example.com", 5, time.Minute, time.Hour)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	s.Stop()
	s.Stop()
}
