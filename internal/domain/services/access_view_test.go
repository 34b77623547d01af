package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

type fakeAccessGrantRepository struct {
	mu     sync.Mutex
	grants map[entities.UserID]map[entities.SourceID]time.Time
}

func newFakeAccessGrantRepository() *fakeAccessGrantRepository {
	return &fakeAccessGrantRepository{grants: make(map[entities.UserID]map[entities.SourceID]time.Time)}
}

func (f *fakeAccessGrantRepository) Grant(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[userID] == nil {
		f.grants[userID] = make(map[entities.SourceID]time.Time)
	}
	if _, exists := f.grants[userID][sourceID]; !exists {
		f.grants[userID][sourceID] = time.Now()
	}
	return nil
}

func (f *fakeAccessGrantRepository) Revoke(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants[userID], sourceID)
	return nil
}

func (f *fakeAccessGrantRepository) HasAccess(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.grants[userID][sourceID]
	return ok, nil
}

func (f *fakeAccessGrantRepository) ListForUser(ctx context.Context, userID entities.UserID) ([]entities.AccessGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entities.AccessGrant
	for sourceID, grantedAt := range f.grants[userID] {
		out = append(out, entities.AccessGrant{UserID: userID, SourceID: sourceID, GrantedAt: grantedAt})
	}
	return out, nil
}

func (f *fakeAccessGrantRepository) ListGrantees(ctx context.Context, sourceID entities.SourceID) ([]entities.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entities.UserID
	for userID, sources := range f.grants {
		if _, ok := sources[sourceID]; ok {
			out = append(out, userID)
		}
	}
	return out, nil
}

func TestAccessView_GrantIsIdempotent(t *testing.T) {
	grants := newFakeAccessGrantRepository()
	artifacts := newFakeArtifactRepository()
	artifacts.records["src1"] = &entities.ArtifactRecord{SourceID: "src1", Title: "one"}
	view := NewAccessView(grants, artifacts, zap.NewNop())

	require.NoError(t, view.Grant(context.Background(), 7, "src1"))
	require.NoError(t, view.Grant(context.Background(), 7, "src1"))

	has, err := view.HasAccess(context.Background(), 7, "src1")
	require.NoError(t, err)
	assert.True(t, has)

	views, err := view.ListForUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestAccessView_RevokeRemovesAccess(t *testing.T) {
	grants := newFakeAccessGrantRepository()
	artifacts := newFakeArtifactRepository()
	artifacts.records["src1"] = &entities.ArtifactRecord{SourceID: "src1"}
	view := NewAccessView(grants, artifacts, zap.NewNop())

	require.NoError(t, view.Grant(context.Background(), 7, "src1"))
	require.NoError(t, view.Revoke(context.Background(), 7, "src1"))

	has, err := view.HasAccess(context.Background(), 7, "src1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAccessView_ListForUser_SkipsGrantWithoutRecord(t *testing.T) {
	grants := newFakeAccessGrantRepository()
	artifacts := newFakeArtifactRepository()
	view := NewAccessView(grants, artifacts, zap.NewNop())

	require.NoError(t, view.Grant(context.Background(), 7, "missing-src"))

	views, err := view.ListForUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestAccessView_ListGrantees(t *testing.T) {
	grants := newFakeAccessGrantRepository()
	artifacts := newFakeArtifactRepository()
	artifacts.records["src1"] = &entities.ArtifactRecord{SourceID: "src1"}
	view := NewAccessView(grants, artifacts, zap.NewNop())

	require.NoError(t, view.Grant(context.Background(), 7, "src1"))
	require.NoError(t, view.Grant(context.Background(), 9, "src1"))

	grantees, err := view.ListGrantees(context.Background(), "src1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []entities.UserID{7, 9}, grantees)
}
