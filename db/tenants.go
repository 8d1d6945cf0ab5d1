package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Will-gabia/mailgate/consts"
)

// Tenant owns one or more recipient domains. MaxMessageSize, when set,
// overrides the global ceiling for messages addressed to its domains.
type Tenant struct {
	ID             int64
	Name           string
	Domains        []string
	Enabled        bool
	MaxMessageSize *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const tenantColumns = `id, name, domains, enabled, max_message_size, created_at, updated_at`

func scanTenant(row interface{ Scan(...any) error }) (*Tenant, error) {
	var t Tenant
	var domainsJSON []byte
	err := row.Scan(&t.ID, &t.Name, &domainsJSON, &t.Enabled, &t.MaxMessageSize, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(domainsJSON) > 0 {
		if err := json.Unmarshal(domainsJSON, &t.Domains); err != nil {
			return nil, fmt.Errorf("failed to decode tenant %d domains: %w", t.ID, err)
		}
	}
	return &t, nil
}

// CreateTenant inserts a tenant. Domains are stored lowercased so lookups
// never depend on input casing.
func (d *Database) CreateTenant(ctx context.Context, name string, domains []string, enabled bool, maxMessageSize *int64) (*Tenant, error) {
	domainsJSON, err := json.Marshal(lowerAll(domains))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal domains: %w", err)
	}

	start := time.Now()
	row := d.Pool.QueryRow(ctx, `
		INSERT INTO tenants (name, domains, enabled, max_message_size)
		VALUES ($1, $2, $3, $4)
		RETURNING `+tenantColumns, name, domainsJSON, enabled, maxMessageSize)
	t, err := scanTenant(row)
	observe("create_tenant", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return t, nil
}

// GetTenant loads one tenant by ID.
func (d *Database) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	start := time.Now()
	row := d.Pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	observe("get_tenant", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrTenantNotFound)
	}
	return t, nil
}

// UpdateTenant replaces the mutable fields of a tenant.
func (d *Database) UpdateTenant(ctx context.Context, id int64, name string, domains []string, enabled bool, maxMessageSize *int64) (*Tenant, error) {
	domainsJSON, err := json.Marshal(lowerAll(domains))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal domains: %w", err)
	}

	start := time.Now()
	row := d.Pool.QueryRow(ctx, `
		UPDATE tenants SET name = $2, domains = $3, enabled = $4, max_message_size = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+tenantColumns, id, name, domainsJSON, enabled, maxMessageSize)
	t, err := scanTenant(row)
	observe("update_tenant", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrTenantNotFound)
	}
	return t, nil
}

// DeleteTenant removes a tenant and, through cascade, its rules.
func (d *Database) DeleteTenant(ctx context.Context, id int64) error {
	start := time.Now()
	tag, err := d.Pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	observe("delete_tenant", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete tenant %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrTenantNotFound
	}
	return nil
}

// ListTenants returns all tenants ordered by ID.
func (d *Database) ListTenants(ctx context.Context) ([]*Tenant, error) {
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	observe("list_tenants", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var result []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// FindTenantByDomain resolves the enabled tenant owning a domain,
// case-insensitively. When more than one enabled tenant claims the same
// domain the lowest tenant ID, i.e. the oldest record, wins. Returns
// ErrTenantNotFound when no enabled tenant owns the domain.
func (d *Database) FindTenantByDomain(ctx context.Context, domain string) (*Tenant, error) {
	start := time.Now()
	row := d.Pool.QueryRow(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE enabled AND domains @> to_jsonb(ARRAY[$1::text])
		ORDER BY id
		LIMIT 1
	`, strings.ToLower(domain))
	t, err := scanTenant(row)
	observe("find_tenant_by_domain", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrTenantNotFound)
	}
	return t, nil
}

// EffectiveMaxMessageSize returns the tenant's override when present and
// positive, else the supplied global default. A nil tenant means no tenant
// resolved and the default applies.
func EffectiveMaxMessageSize(tenant *Tenant, globalDefault int64) int64 {
	if tenant != nil && tenant.MaxMessageSize != nil && *tenant.MaxMessageSize > 0 {
		return *tenant.MaxMessageSize
	}
	return globalDefault
}

func lowerAll(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		result = append(result, strings.ToLower(strings.TrimSpace(v)))
	}
	return result
}
