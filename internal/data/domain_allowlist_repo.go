package data

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pagesentry/pagesentry/internal/data/pgxutil"
	"github.com/pagesentry/pagesentry/internal/domain/model"
)

// DomainAllowlistRepo provides database operations for domain allowlists.
// GetForScope is the backing store for the rules-side allowlist checker.
type DomainAllowlistRepo struct {
	DB *sql.DB
}

// NewDomainAllowlistRepo creates a new domain allowlist repository.
func NewDomainAllowlistRepo(db *sql.DB) *DomainAllowlistRepo {
	return &DomainAllowlistRepo{DB: db}
}

const domainAllowlistColumns = `id, scope, pattern, pattern_type, description, enabled, priority, created_at, updated_at`

// Create creates a new domain allowlist entry.
func (r *DomainAllowlistRepo) Create(
	ctx context.Context,
	req *model.CreateDomainAllowlistRequest,
) (*model.DomainAllowlist, error) {
	if req == nil {
		return nil, errors.New("create domain allowlist request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var allowlist model.DomainAllowlist
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		query := `
			INSERT INTO domain_allowlists (scope, pattern, pattern_type, description, enabled, priority)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING ` + domainAllowlistColumns

		rows, err := conn.Query(ctx, query,
			req.Scope, req.Pattern, req.PatternType,
			req.Description, *req.Enabled, *req.Priority)
		if err != nil {
			return err
		}
		defer rows.Close()

		allowlist, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		return nil, err
	}

	return &allowlist, nil
}

// GetForScope retrieves all enabled domain allowlist entries visible to a
// scope: the scope's own entries plus global ones, ordered by priority. The
// signature matches the allowlist checker's fetch function.
func (r *DomainAllowlistRepo) GetForScope(
	ctx context.Context,
	req model.DomainAllowlistLookupRequest,
) ([]model.DomainAllowlist, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var allowlists []model.DomainAllowlist
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		query := `
			SELECT ` + domainAllowlistColumns + `
			FROM domain_allowlists
			WHERE enabled = true
			  AND (scope = $1 OR scope = 'global')
			ORDER BY priority ASC, created_at ASC`

		rows, err := conn.Query(ctx, query, req.Scope)
		if err != nil {
			return err
		}
		defer rows.Close()

		allowlists, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.DomainAllowlist])
		return err
	})
	if err != nil {
		return nil, err
	}

	return allowlists, nil
}

// SetEnabled toggles an entry. Returns false when no row matched.
func (r *DomainAllowlistRepo) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, errors.New("id is required")
	}

	result, err := r.DB.ExecContext(ctx,
		`UPDATE domain_allowlists SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Delete deletes a domain allowlist entry by ID. Returns false when no row
// matched.
func (r *DomainAllowlistRepo) Delete(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, errors.New("id is required")
	}

	result, err := r.DB.ExecContext(ctx, `DELETE FROM domain_allowlists WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
