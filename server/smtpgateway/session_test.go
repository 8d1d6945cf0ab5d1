package smtpgateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
)

type mockGatewayDB struct {
	InsertMessageFunc      func(ctx context.Context, opts *db.InsertMessageOptions) (int64, error)
	EnqueueJobFunc         func(ctx context.Context, messageID int64) error
	FindTenantByDomainFunc func(ctx context.Context, domain string) (*db.Tenant, error)
}

func (m *mockGatewayDB) InsertMessage(ctx context.Context, opts *db.InsertMessageOptions) (int64, error) {
	if m.InsertMessageFunc != nil {
		return m.InsertMessageFunc(ctx, opts)
	}
	return 1, nil
}

func (m *mockGatewayDB) EnqueueJob(ctx context.Context, messageID int64) error {
	if m.EnqueueJobFunc != nil {
		return m.EnqueueJobFunc(ctx, messageID)
	}
	return nil
}

func (m *mockGatewayDB) FindTenantByDomain(ctx context.Context, domain string) (*db.Tenant, error) {
	if m.FindTenantByDomainFunc != nil {
		return m.FindTenantByDomainFunc(ctx, domain)
	}
	return nil, consts.ErrTenantNotFound
}

type mockNotifier struct {
	notified int
}

func (m *mockNotifier) NotifyQueued() { m.notified++ }

func newTestSession(rdb GatewayDB, notifier WorkerNotifier, maxSize int64) *Session {
	return &Session{
		backend: &Backend{
			rdb:            rdb,
			notifier:       notifier,
			maxMessageSize: maxSize,
		},
		remoteIP: "192.0.2.10",
		ctx:      context.Background(),
	}
}

const testMessage = "From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	return smtpErr.Code
}

func TestDataRequiresEnvelope(t *testing.T) {
	s := newTestSession(&mockGatewayDB{}, nil, 1024)

	err := s.Data(strings.NewReader(testMessage))
	assert.Equal(t, 503, smtpCode(t, err))
}

func TestDataAcceptsAndEnqueues(t *testing.T) {
	var inserted *db.InsertMessageOptions
	var enqueued int64
	rdb := &mockGatewayDB{
		InsertMessageFunc: func(ctx context.Context, opts *db.InsertMessageOptions) (int64, error) {
			inserted = opts
			return 42, nil
		},
		EnqueueJobFunc: func(ctx context.Context, messageID int64) error {
			enqueued = messageID
			return nil
		},
	}
	notifier := &mockNotifier{}
	s := newTestSession(rdb, notifier, 1024)

	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))
	require.NoError(t, s.Rcpt("c@acme.test", nil))
	require.NoError(t, s.Data(strings.NewReader(testMessage)))

	require.NotNil(t, inserted)
	assert.Equal(t, "a@example.com", inserted.Sender)
	assert.Equal(t, "b@acme.test, c@acme.test", inserted.Recipients)
	assert.Equal(t, "192.0.2.10", inserted.SourceIP)
	assert.Equal(t, []byte(testMessage), inserted.Raw)
	assert.Equal(t, int64(42), enqueued)
	assert.Equal(t, 1, notifier.notified)
}

func TestDataRejectsOversizeWithoutPersisting(t *testing.T) {
	rdb := &mockGatewayDB{
		InsertMessageFunc: func(ctx context.Context, opts *db.InsertMessageOptions) (int64, error) {
			t.Fatal("oversize message must not be persisted")
			return 0, nil
		},
	}
	s := newTestSession(rdb, nil, 16)

	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))

	err := s.Data(strings.NewReader(testMessage))
	// 4xx so the client retries; the ceiling is operator configuration,
	// not a property of the message.
	assert.Equal(t, 452, smtpCode(t, err))
}

func TestDataTenantCeilingApplies(t *testing.T) {
	tenantMax := int64(16)
	rdb := &mockGatewayDB{
		FindTenantByDomainFunc: func(ctx context.Context, domain string) (*db.Tenant, error) {
			require.Equal(t, "acme.test", domain)
			return &db.Tenant{ID: 7, MaxMessageSize: &tenantMax}, nil
		},
	}
	s := newTestSession(rdb, nil, 1<<20)

	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))

	err := s.Data(strings.NewReader(testMessage))
	assert.Equal(t, 452, smtpCode(t, err))
}

func TestDataTenantIDRecordedAtIngest(t *testing.T) {
	var inserted *db.InsertMessageOptions
	rdb := &mockGatewayDB{
		FindTenantByDomainFunc: func(ctx context.Context, domain string) (*db.Tenant, error) {
			return &db.Tenant{ID: 7}, nil
		},
		InsertMessageFunc: func(ctx context.Context, opts *db.InsertMessageOptions) (int64, error) {
			inserted = opts
			return 1, nil
		},
	}
	s := newTestSession(rdb, nil, 1024)

	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))
	require.NoError(t, s.Data(strings.NewReader(testMessage)))

	require.NotNil(t, inserted)
	require.NotNil(t, inserted.TenantID)
	assert.Equal(t, int64(7), *inserted.TenantID)
}

func TestDataInsertFailureIsTransient(t *testing.T) {
	rdb := &mockGatewayDB{
		InsertMessageFunc: func(ctx context.Context, opts *db.InsertMessageOptions) (int64, error) {
			return 0, errors.New("connection refused")
		},
	}
	s := newTestSession(rdb, nil, 1024)

	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))

	err := s.Data(strings.NewReader(testMessage))
	assert.Equal(t, 451, smtpCode(t, err))
}

func TestDataEnqueueFailureIsTransient(t *testing.T) {
	rdb := &mockGatewayDB{
		EnqueueJobFunc: func(ctx context.Context, messageID int64) error {
			return errors.New("connection refused")
		},
	}
	notifier := &mockNotifier{}
	s := newTestSession(rdb, notifier, 1024)

	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))

	err := s.Data(strings.NewReader(testMessage))
	assert.Equal(t, 451, smtpCode(t, err))
	assert.Equal(t, 0, notifier.notified)
}

func TestMailRejectsEmptySender(t *testing.T) {
	s := newTestSession(&mockGatewayDB{}, nil, 1024)
	err := s.Mail("  ", nil)
	assert.Equal(t, 553, smtpCode(t, err))
}

func TestRcptRejectsInvalidRecipient(t *testing.T) {
	s := newTestSession(&mockGatewayDB{}, nil, 1024)
	err := s.Rcpt("not-an-address", nil)
	assert.Equal(t, 513, smtpCode(t, err))
}

func TestResetClearsEnvelope(t *testing.T) {
	s := newTestSession(&mockGatewayDB{}, nil, 1024)
	require.NoError(t, s.Mail("a@example.com", nil))
	require.NoError(t, s.Rcpt("b@acme.test", nil))

	s.Reset()

	err := s.Data(strings.NewReader(testMessage))
	assert.Equal(t, 503, smtpCode(t, err))
}
