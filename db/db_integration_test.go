package db_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/testutils"
)

func TestFinalizeMessageGuard(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("Subject: hi\r\n\r\nbody"))

	won, err := td.FinalizeMessage(ctx, id, consts.StatusClassified, "general", "rule-1")
	require.NoError(t, err)
	assert.True(t, won)

	// Second finalize loses the guard: the row already left 'received'.
	won, err = td.FinalizeMessage(ctx, id, consts.StatusForwarded, "other", "rule-2")
	require.NoError(t, err)
	assert.False(t, won)

	m, err := td.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consts.StatusClassified, m.Status)
	assert.Equal(t, "general", m.Category)
	assert.Equal(t, "rule-1", m.MatchedRule)
}

func TestEnqueueJobIsIdempotent(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("raw"))

	require.NoError(t, td.EnqueueJob(ctx, id))
	require.NoError(t, td.EnqueueJob(ctx, id))

	depth, err := td.QueueDepth(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestAcquireJobsLeaseAndBackoff(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("raw"))
	require.NoError(t, td.EnqueueJob(ctx, id))

	jobs, err := td.AcquireJobs(ctx, "test-worker", 10, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].MessageID)
	assert.Equal(t, 1, jobs[0].Attempts)

	// The lease pushed next_attempt_at into the future, so a second poll
	// from another worker sees nothing.
	jobs, err = td.AcquireJobs(ctx, "other-worker", 10, 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCompleteJobRemovesRow(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("raw"))
	require.NoError(t, td.EnqueueJob(ctx, id))

	jobs, err := td.AcquireJobs(ctx, "test-worker", 1, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, td.CompleteJob(ctx, jobs[0].ID))

	depth, err := td.QueueDepth(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestAttachmentInsertIsIdempotent(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("raw"))

	for i := 0; i < 2; i++ {
		err := td.InsertAttachment(ctx, id, 0, "report.pdf", "application/pdf", 42, "abc", "attachments/1/0_report.pdf")
		require.NoError(t, err)
	}

	attachments, err := td.ListAttachments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, attachments, 1)
}

func TestFindTenantByDomainTieBreak(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	first := td.CreateTestTenant(t, "older", []string{"acme.test"})
	td.CreateTestTenant(t, "newer", []string{"acme.test"})

	tenant, err := td.FindTenantByDomain(ctx, "ACME.TEST")
	require.NoError(t, err)
	assert.Equal(t, first, tenant.ID)

	_, err = td.FindTenantByDomain(ctx, "unknown.test")
	assert.ErrorIs(t, err, consts.ErrTenantNotFound)
}

func TestTenantDomainsRoundTrip(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	domains := []string{"first.test", "second.test", "third.test"}
	id := td.CreateTestTenant(t, "roundtrip", domains)

	tenant, err := td.GetTenant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domains, tenant.Domains)
}

func TestListEnabledRulesOrderingAndScope(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	tenantID := td.CreateTestTenant(t, "acme", []string{"acme.test"})

	mk := func(name string, priority int, tenant *int64) {
		_, err := td.CreateRule(ctx, &db.RuleInput{
			TenantID:   tenant,
			Name:       name,
			Priority:   priority,
			Enabled:    true,
			Action:     consts.ActionLog,
			Conditions: json.RawMessage(`[]`),
		})
		require.NoError(t, err)
	}
	mk("tenant-low", 1, &tenantID)
	mk("global-high", 100, nil)
	mk("tenant-high-a", 100, &tenantID)
	mk("tenant-high-b", 100, &tenantID)

	rules, err := td.ListEnabledRules(ctx, &tenantID)
	require.NoError(t, err)
	require.Len(t, rules, 4)
	// Equal priorities resolve by ascending rule ID; creation order decides.
	assert.Equal(t, "global-high", rules[0].Name)
	assert.Equal(t, "tenant-high-a", rules[1].Name)
	assert.Equal(t, "tenant-high-b", rules[2].Name)
	assert.Equal(t, "tenant-low", rules[3].Name)

	global, err := td.ListEnabledRules(ctx, nil)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "global-high", global[0].Name)
}

func TestForwardRuleRequiresTarget(t *testing.T) {
	input := &db.RuleInput{
		Name:    "fwd",
		Enabled: true,
		Action:  consts.ActionForward,
	}
	assert.ErrorIs(t, input.Validate(), consts.ErrForwardTargetEmpty)

	input.ForwardTo = "dest@example.test"
	assert.NoError(t, input.Validate())
}

func TestForwardLogRetryFlow(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("raw"))

	retryAt := time.Now().Add(-time.Second)
	logID, err := td.InsertForwardLog(ctx, id, "dest@example.test", consts.ForwardFailed, "", "connection refused", &retryAt)
	require.NoError(t, err)

	due, err := td.DueForwardLogs(ctx, time.Now(), 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, logID, due[0].ID)
	assert.Equal(t, 1, due[0].Attempts)

	// Failed retry pushes the row back with another attempt on the clock.
	next := time.Now().Add(2 * time.Minute)
	require.NoError(t, td.MarkForwardRetryFailure(ctx, logID, "still refused", &next))

	due, err = td.DueForwardLogs(ctx, time.Now(), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Successful retry terminates the row; success rows are never due.
	require.NoError(t, td.MarkForwardRetrySuccess(ctx, logID, "250 2.0.0 OK"))
	failed, err := td.CountFailedForwardLogs(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestMarkMessageForwardedOnlyFromFailed(t *testing.T) {
	td := testutils.SetupTestDatabase(t)
	defer td.Cleanup(t)
	td.TruncateAllTables(t)

	ctx := context.Background()
	id := td.CreateTestMessage(t, "a@x.test", "ops@acme.test", []byte("raw"))

	// Still 'received': the flip must not apply.
	require.NoError(t, td.MarkMessageForwarded(ctx, id))
	m, err := td.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consts.StatusReceived, m.Status)

	won, err := td.FinalizeMessage(ctx, id, consts.StatusFailed, "", "")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, td.MarkMessageForwarded(ctx, id))
	m, err = td.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, consts.StatusForwarded, m.Status)
}
