package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/pkg/ratelimit"
)

type mockAdminDB struct {
	ListRecentMessagesFunc func(ctx context.Context, status string, tenantID *int64, limit, offset int) ([]*db.Message, error)
	GetMessageFunc         func(ctx context.Context, id int64) (*db.Message, error)
	CreateTenantFunc       func(ctx context.Context, name string, domains []string, enabled bool, maxMessageSize *int64) (*db.Tenant, error)
	CreateRuleFunc         func(ctx context.Context, input *db.RuleInput) (*db.Rule, error)
}

func (m *mockAdminDB) ListRecentMessages(ctx context.Context, status string, tenantID *int64, limit, offset int) ([]*db.Message, error) {
	if m.ListRecentMessagesFunc != nil {
		return m.ListRecentMessagesFunc(ctx, status, tenantID, limit, offset)
	}
	return nil, nil
}

func (m *mockAdminDB) GetMessage(ctx context.Context, id int64) (*db.Message, error) {
	if m.GetMessageFunc != nil {
		return m.GetMessageFunc(ctx, id)
	}
	return nil, consts.ErrMessageNotFound
}

func (m *mockAdminDB) ListAttachments(ctx context.Context, messageID int64) ([]*db.Attachment, error) {
	return nil, nil
}

func (m *mockAdminDB) ListForwardLogs(ctx context.Context, messageID int64) ([]*db.ForwardLog, error) {
	return nil, nil
}

func (m *mockAdminDB) ListRecentForwardLogs(ctx context.Context, status string, limit, offset int) ([]*db.ForwardLog, error) {
	return nil, nil
}

func (m *mockAdminDB) CountMessagesByStatus(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"received": 2, "forwarded": 5}, nil
}

func (m *mockAdminDB) QueueDepth(ctx context.Context, maxAttempts int) (int64, error) {
	return 2, nil
}

func (m *mockAdminDB) CreateTenant(ctx context.Context, name string, domains []string, enabled bool, maxMessageSize *int64) (*db.Tenant, error) {
	if m.CreateTenantFunc != nil {
		return m.CreateTenantFunc(ctx, name, domains, enabled, maxMessageSize)
	}
	return &db.Tenant{ID: 1, Name: name, Domains: domains, Enabled: enabled, MaxMessageSize: maxMessageSize}, nil
}

func (m *mockAdminDB) GetTenant(ctx context.Context, id int64) (*db.Tenant, error) {
	return nil, consts.ErrTenantNotFound
}

func (m *mockAdminDB) UpdateTenant(ctx context.Context, id int64, name string, domains []string, enabled bool, maxMessageSize *int64) (*db.Tenant, error) {
	return nil, consts.ErrTenantNotFound
}

func (m *mockAdminDB) DeleteTenant(ctx context.Context, id int64) error {
	return consts.ErrTenantNotFound
}

func (m *mockAdminDB) ListTenants(ctx context.Context) ([]*db.Tenant, error) {
	return []*db.Tenant{{ID: 1, Name: "acme", Domains: []string{"acme.test"}, Enabled: true}}, nil
}

func (m *mockAdminDB) CreateRule(ctx context.Context, input *db.RuleInput) (*db.Rule, error) {
	if m.CreateRuleFunc != nil {
		return m.CreateRuleFunc(ctx, input)
	}
	return &db.Rule{ID: 1, Name: input.Name, Action: input.Action, MatchMode: "all", Conditions: json.RawMessage("[]")}, nil
}

func (m *mockAdminDB) GetRule(ctx context.Context, id int64) (*db.Rule, error) {
	return nil, consts.ErrRuleNotFound
}

func (m *mockAdminDB) UpdateRule(ctx context.Context, id int64, input *db.RuleInput) (*db.Rule, error) {
	return nil, consts.ErrRuleNotFound
}

func (m *mockAdminDB) DeleteRule(ctx context.Context, id int64) error {
	return consts.ErrRuleNotFound
}

func (m *mockAdminDB) ListRules(ctx context.Context) ([]*db.Rule, error) {
	return nil, nil
}

func newTestServer(apiKey string, database AdminDB) *Server {
	return &Server{
		apiKey:         apiKey,
		database:       database,
		limiter:        ratelimit.New(false, time.Minute, 0),
		jobMaxAttempts: 5,
	}
}

func doRequest(s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsAlwaysOpen(t *testing.T) {
	s := newTestServer("secret", &mockAdminDB{})

	rec := doRequest(s, "GET", "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsIsAlwaysOpen(t *testing.T) {
	s := newTestServer("secret", &mockAdminDB{})

	rec := doRequest(s, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequiredWhenKeySet(t *testing.T) {
	s := newTestServer("secret", &mockAdminDB{})

	rec := doRequest(s, "GET", "/api/messages", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, "GET", "/api/messages", "wrong", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(s, "GET", "/api/messages", "secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthOpenWhenKeyUnset(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "GET", "/api/messages", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetMessageNotFound(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "GET", "/api/messages/99", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMessageIncludesAttachmentsAndLogs(t *testing.T) {
	database := &mockAdminDB{
		GetMessageFunc: func(ctx context.Context, id int64) (*db.Message, error) {
			return &db.Message{ID: id, Sender: "a@example.com", Status: consts.StatusForwarded}, nil
		},
	}
	s := newTestServer("", database)

	rec := doRequest(s, "GET", "/api/messages/42", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "message")
	assert.Contains(t, body, "attachments")
	assert.Contains(t, body, "forward_logs")
}

func TestCreateTenant(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "POST", "/api/tenants", "", `{"name":"acme","domains":["ACME.test"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp tenantResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Name)
	assert.True(t, resp.Enabled)
}

func TestCreateTenantRequiresName(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "POST", "/api/tenants", "", `{"domains":["acme.test"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRuleValidatesForwardTarget(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "POST", "/api/rules", "",
		`{"name":"broken","action":"forward","conditions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "forward")
}

func TestCreateRuleRejectsUnknownAction(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "POST", "/api/rules", "",
		`{"name":"bad","action":"bounce","conditions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRuleAccepted(t *testing.T) {
	var created *db.RuleInput
	database := &mockAdminDB{
		CreateRuleFunc: func(ctx context.Context, input *db.RuleInput) (*db.Rule, error) {
			created = input
			return &db.Rule{ID: 9, Name: input.Name, Action: input.Action, MatchMode: "any", Conditions: input.Conditions}, nil
		},
	}
	s := newTestServer("", database)

	rec := doRequest(s, "POST", "/api/rules", "",
		`{"name":"billing","action":"forward","forward_to":"fin@corp.test","match_mode":"any","conditions":[{"field":"subject","operator":"contains","value":"invoice"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, created)
	assert.Equal(t, "billing", created.Name)
	assert.Equal(t, "any", created.MatchMode)
}

func TestStats(t *testing.T) {
	s := newTestServer("", &mockAdminDB{})

	rec := doRequest(s, "GET", "/api/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		MessagesByStatus map[string]int64 `json:"messages_by_status"`
		QueueDepth       int64            `json:"queue_depth"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.MessagesByStatus["forwarded"])
	assert.Equal(t, int64(2), body.QueueDepth)
}

func TestRateLimitRejects(t *testing.T) {
	s := &Server{
		database:       &mockAdminDB{},
		limiter:        ratelimit.New(true, time.Minute, 1),
		jobMaxAttempts: 5,
	}

	first := doRequest(s, "GET", "/api/health", "", "")
	assert.Equal(t, http.StatusOK, first.Code)

	second := doRequest(s, "GET", "/api/health", "", "")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
