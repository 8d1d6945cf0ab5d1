package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
)

// Request/Response types

type tenantRequest struct {
	Name           string   `json:"name"`
	Domains        []string `json:"domains"`
	Enabled        *bool    `json:"enabled"`
	MaxMessageSize *int64   `json:"max_message_size"`
}

type tenantResponse struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Domains        []string  `json:"domains"`
	Enabled        bool      `json:"enabled"`
	MaxMessageSize *int64    `json:"max_message_size,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ruleRequest struct {
	TenantID   *int64          `json:"tenant_id"`
	Name       string          `json:"name"`
	Priority   int             `json:"priority"`
	Enabled    *bool           `json:"enabled"`
	MatchMode  string          `json:"match_mode"`
	Conditions json.RawMessage `json:"conditions"`
	Action     string          `json:"action"`
	ForwardTo  string          `json:"forward_to"`
	Category   string          `json:"category"`
}

type ruleResponse struct {
	ID         int64           `json:"id"`
	TenantID   *int64          `json:"tenant_id,omitempty"`
	Name       string          `json:"name"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
	MatchMode  string          `json:"match_mode"`
	Conditions json.RawMessage `json:"conditions"`
	Action     string          `json:"action"`
	ForwardTo  string          `json:"forward_to,omitempty"`
	Category   string          `json:"category,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type messageResponse struct {
	ID          int64             `json:"id"`
	TenantID    *int64            `json:"tenant_id,omitempty"`
	Sender      string            `json:"sender"`
	Recipients  string            `json:"recipients"`
	SourceIP    string            `json:"source_ip"`
	Size        int64             `json:"size"`
	MessageID   string            `json:"message_id,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	FromHeader  string            `json:"from,omitempty"`
	ToHeader    string            `json:"to,omitempty"`
	CcHeader    string            `json:"cc,omitempty"`
	SentDate    *time.Time        `json:"sent_date,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	DKIMResult  string            `json:"dkim_result,omitempty"`
	SPFResult   string            `json:"spf_result,omitempty"`
	Category    string            `json:"category,omitempty"`
	MatchedRule string            `json:"matched_rule,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type attachmentResponse struct {
	ID          int64  `json:"id"`
	Index       int    `json:"index"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	Location    string `json:"location"`
}

type forwardLogResponse struct {
	ID           int64      `json:"id"`
	MessageID    int64      `json:"message_id"`
	Recipient    string     `json:"recipient"`
	Status       string     `json:"status"`
	SMTPResponse string     `json:"smtp_response,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Attempts     int        `json:"attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func tenantToResponse(t *db.Tenant) tenantResponse {
	domains := t.Domains
	if domains == nil {
		domains = []string{}
	}
	return tenantResponse{
		ID:             t.ID,
		Name:           t.Name,
		Domains:        domains,
		Enabled:        t.Enabled,
		MaxMessageSize: t.MaxMessageSize,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func ruleToResponse(r *db.Rule) ruleResponse {
	return ruleResponse{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		Priority:   r.Priority,
		Enabled:    r.Enabled,
		MatchMode:  r.MatchMode,
		Conditions: r.Conditions,
		Action:     r.Action,
		ForwardTo:  r.ForwardTo,
		Category:   r.Category,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func messageToResponse(m *db.Message, includeHeaders bool) messageResponse {
	resp := messageResponse{
		ID:          m.ID,
		TenantID:    m.TenantID,
		Sender:      m.Sender,
		Recipients:  m.Recipients,
		SourceIP:    m.SourceIP,
		Size:        m.Size,
		MessageID:   m.MessageID,
		Subject:     m.Subject,
		FromHeader:  m.FromHeader,
		ToHeader:    m.ToHeader,
		CcHeader:    m.CcHeader,
		SentDate:    m.SentDate,
		Keywords:    m.Keywords,
		DKIMResult:  m.DKIMResult,
		SPFResult:   m.SPFResult,
		Category:    m.Category,
		MatchedRule: m.MatchedRule,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if includeHeaders {
		resp.Headers = m.Headers
	}
	return resp
}

func forwardLogToResponse(fl *db.ForwardLog) forwardLogResponse {
	return forwardLogResponse{
		ID:           fl.ID,
		MessageID:    fl.MessageID,
		Recipient:    fl.Recipient,
		Status:       fl.Status,
		SMTPResponse: fl.SMTPResponse,
		LastError:    fl.LastError,
		Attempts:     fl.Attempts,
		NextRetryAt:  fl.NextRetryAt,
		CreatedAt:    fl.CreatedAt,
		UpdatedAt:    fl.UpdatedAt,
	}
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	limit := queryInt(q.Get("limit"), 50)
	offset := queryInt(q.Get("offset"), 0)

	var tenantID *int64
	if v := q.Get("tenant_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid tenant_id")
			return
		}
		tenantID = &id
	}

	messages, err := s.database.ListRecentMessages(r.Context(), status, tenantID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}

	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageToResponse(m, false))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out, "count": len(out)})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid message ID")
		return
	}

	msg, err := s.database.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrMessageNotFound) {
			writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}

	attachments, err := s.database.ListAttachments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load attachments")
		return
	}
	forwardLogs, err := s.database.ListForwardLogs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load forward logs")
		return
	}

	atts := make([]attachmentResponse, 0, len(attachments))
	for _, a := range attachments {
		atts = append(atts, attachmentResponse{
			ID: a.ID, Index: a.Index, Filename: a.Filename, ContentType: a.ContentType,
			Size: a.Size, Checksum: a.Checksum, Location: a.Location,
		})
	}
	logs := make([]forwardLogResponse, 0, len(forwardLogs))
	for _, fl := range forwardLogs {
		logs = append(logs, forwardLogToResponse(fl))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      messageToResponse(msg, true),
		"attachments":  atts,
		"forward_logs": logs,
	})
}

func (s *Server) handleListForwardLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := s.database.ListRecentForwardLogs(r.Context(), q.Get("status"),
		queryInt(q.Get("limit"), 50), queryInt(q.Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list forward logs")
		return
	}
	out := make([]forwardLogResponse, 0, len(logs))
	for _, fl := range logs {
		out = append(out, forwardLogToResponse(fl))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"forward_logs": out, "count": len(out)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.database.CountMessagesByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count messages")
		return
	}
	depth, err := s.database.QueueDepth(r.Context(), s.jobMaxAttempts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages_by_status": counts,
		"queue_depth":        depth,
	})
}

// Tenant handlers

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.database.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tenants")
		return
	}
	out := make([]tenantResponse, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantToResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenants": out, "count": len(out)})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Tenant name is required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	tenant, err := s.database.CreateTenant(r.Context(), req.Name, req.Domains, enabled, req.MaxMessageSize)
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			writeError(w, http.StatusConflict, "Tenant name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create tenant")
		return
	}
	writeJSON(w, http.StatusCreated, tenantToResponse(tenant))
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant ID")
		return
	}
	tenant, err := s.database.GetTenant(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load tenant")
		return
	}
	writeJSON(w, http.StatusOK, tenantToResponse(tenant))
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant ID")
		return
	}
	defer r.Body.Close()
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Tenant name is required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	tenant, err := s.database.UpdateTenant(r.Context(), id, req.Name, req.Domains, enabled, req.MaxMessageSize)
	if err != nil {
		if errors.Is(err, consts.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update tenant")
		return
	}
	writeJSON(w, http.StatusOK, tenantToResponse(tenant))
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant ID")
		return
	}
	if err := s.database.DeleteTenant(r.Context(), id); err != nil {
		if errors.Is(err, consts.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete tenant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Rule handlers

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.database.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleToResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": out, "count": len(out)})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	input, ok := s.decodeRuleInput(w, r)
	if !ok {
		return
	}

	rule, err := s.database.CreateRule(r.Context(), input)
	if err != nil {
		if errors.Is(err, consts.ErrDBUniqueViolation) {
			writeError(w, http.StatusConflict, "Rule name already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ruleToResponse(rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}
	rule, err := s.database.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}
	writeJSON(w, http.StatusOK, ruleToResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}
	input, ok := s.decodeRuleInput(w, r)
	if !ok {
		return
	}

	rule, err := s.database.UpdateRule(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ruleToResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rule ID")
		return
	}
	if err := s.database.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, consts.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeRuleInput decodes and validates a rule payload, writing the error
// response itself when the payload is unusable.
func (s *Server) decodeRuleInput(w http.ResponseWriter, r *http.Request) (*db.RuleInput, bool) {
	defer r.Body.Close()
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Rule name is required")
		return nil, false
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	input := &db.RuleInput{
		TenantID:   req.TenantID,
		Name:       req.Name,
		Priority:   req.Priority,
		Enabled:    enabled,
		MatchMode:  req.MatchMode,
		Conditions: req.Conditions,
		Action:     req.Action,
		ForwardTo:  req.ForwardTo,
		Category:   req.Category,
	}
	if err := input.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return input, true
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
