package entities

import "time"

// UserID is an opaque stable identifier for an end-user.
type UserID int64

// AccessGrant records that a user may observe and request artifacts of a
// source. (user_id, source_id) appears at most once.
type AccessGrant struct {
	UserID     UserID    `json:"user_id" db:"user_id"`
	SourceID   SourceID  `json:"source_id" db:"source_id"`
	GrantedAt  time.Time `json:"granted_at" db:"granted_at"`
}

// RecordView is an ArtifactRecord as seen through one user's access,
// joined from AccessGrant + ArtifactRecord. Every caller sees the full
// record; no field is hidden per user or role.
type RecordView struct {
	ArtifactRecord
	GrantedAt time.Time `json:"granted_at"`
}
