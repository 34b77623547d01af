package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
)

// accessGrantRepository is the Postgres-backed half of the Access View
// (§4.3): a plain many-to-many table, cascaded from artifact_records so
// delete_record never leaves a dangling grant.
type accessGrantRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAccessGrantRepository creates a Postgres AccessGrantRepository.
func NewAccessGrantRepository(db *sql.DB, logger *zap.Logger) repositories.AccessGrantRepository {
	return &accessGrantRepository{db: db, logger: logger}
}

func (r *accessGrantRepository) Grant(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO access_grants (user_id, source_id, granted_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id, source_id) DO NOTHING`, int64(userID), sourceID)
	if err != nil {
		return fmt.Errorf("access grant repository: grant: %w", err)
	}
	return nil
}

func (r *accessGrantRepository) Revoke(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM access_grants WHERE user_id = $1 AND source_id = $2`, int64(userID), sourceID)
	if err != nil {
		return fmt.Errorf("access grant repository: revoke: %w", err)
	}
	return nil
}

func (r *accessGrantRepository) HasAccess(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM access_grants WHERE user_id = $1 AND source_id = $2)`,
		int64(userID), sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("access grant repository: has access: %w", err)
	}
	return exists, nil
}

func (r *accessGrantRepository) ListForUser(ctx context.Context, userID entities.UserID) ([]entities.AccessGrant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, source_id, granted_at FROM access_grants WHERE user_id = $1 ORDER BY granted_at DESC`,
		int64(userID))
	if err != nil {
		return nil, fmt.Errorf("access grant repository: list for user: %w", err)
	}
	defer rows.Close()

	var out []entities.AccessGrant
	for rows.Next() {
		var g entities.AccessGrant
		var uid int64
		if err := rows.Scan(&uid, &g.SourceID, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("access grant repository: scan: %w", err)
		}
		g.UserID = entities.UserID(uid)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *accessGrantRepository) ListGrantees(ctx context.Context, sourceID entities.SourceID) ([]entities.UserID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM access_grants WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("access grant repository: list grantees: %w", err)
	}
	defer rows.Close()

	var out []entities.UserID
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("access grant repository: scan grantee: %w", err)
		}
		out = append(out, entities.UserID(uid))
	}
	return out, rows.Err()
}
