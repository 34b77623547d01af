package repositories

import (
	"context"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// AccessGrantRepository is the persistence half of the Access View (§4.3).
type AccessGrantRepository interface {
	// Grant is idempotent: granting twice leaves exactly one row.
	Grant(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error
	// Revoke is idempotent.
	Revoke(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error
	HasAccess(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) (bool, error)
	ListForUser(ctx context.Context, userID entities.UserID) ([]entities.AccessGrant, error)
	// ListGrantees returns every user holding a grant on sourceID, used by
	// the Progress Bus to resolve the user:<id> rooms a completion event
	// fans out to.
	ListGrantees(ctx context.Context, sourceID entities.SourceID) ([]entities.UserID, error)
}
