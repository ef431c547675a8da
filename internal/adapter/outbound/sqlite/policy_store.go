// Package sqlite provides a persistent policy store using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

const policyColumns = "id, name, description, scope_kind, scope_target, type, config, priority, is_active, created_at, updated_at"

// PolicyStore implements policy.PolicyWriter on SQLite.
type PolicyStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*PolicyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &PolicyStore{db: db}, nil
}

// Close closes the database connection.
func (s *PolicyStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable. Used by the health check.
func (s *PolicyStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListActivePolicies returns the active policies attached to scope.
func (s *PolicyStore) ListActivePolicies(ctx context.Context, scope policy.Scope) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM policies WHERE scope_kind = ? AND scope_target = ? AND is_active = 1",
		string(scope.Kind()), scope.Target(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying policies for %s: %v", policy.ErrStoreUnavailable, scope, err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", policy.ErrStoreUnavailable, err)
	}
	return policies, nil
}

// ListPolicies returns every policy ordered by scope, then priority.
func (s *PolicyStore) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+policyColumns+" FROM policies ORDER BY scope_kind, scope_target, priority DESC, id",
	)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only query

	return scanPolicies(rows)
}

// GetPolicy returns a policy by ID or policy.ErrPolicyNotFound.
func (s *PolicyStore) GetPolicy(ctx context.Context, id string) (*policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+policyColumns+" FROM policies WHERE id = ?", id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePolicy creates or replaces a policy.
func (s *PolicyStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	config := string(p.Config)
	if config == "" {
		config = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			scope_kind = excluded.scope_kind,
			scope_target = excluded.scope_target,
			type = excluded.type,
			config = excluded.config,
			priority = excluded.priority,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Description,
		string(p.Scope.Kind()), p.Scope.Target(),
		string(p.Type), config, p.Priority, p.IsActive,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving policy %s: %w", p.ID, err)
	}
	return nil
}

// DeletePolicy removes a policy by ID or returns policy.ErrPolicyNotFound.
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM policies WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", id, err)
	}
	if n == 0 {
		return policy.ErrPolicyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (policy.Policy, error) {
	var (
		p                    policy.Policy
		kind, target, typ    string
		config               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &kind, &target, &typ, &config,
		&p.Priority, &p.IsActive, &createdAt, &updatedAt); err != nil {
		return policy.Policy{}, err
	}

	scope, err := policy.NewScope(policy.ScopeKind(kind), target)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("policy %s: %w", p.ID, err)
	}
	p.Scope = scope
	// Unknown types are kept as stored; the evaluator turns them into a
	// configuration error for this policy only.
	p.Type = policy.Type(typ)
	p.Config = json.RawMessage(config)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func scanPolicies(rows *sql.Rows) ([]policy.Policy, error) {
	var policies []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Compile-time interface verification.
var _ policy.PolicyWriter = (*PolicyStore)(nil)
