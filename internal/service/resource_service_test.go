package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	appErrors "github.com/noah-isme/enroll-api/pkg/errors"
)

type mockResourceRepo struct {
	resources map[string]*models.CapacityResource
	deleted   []string
	updated   []string
}

func newMockResourceRepo(resources ...*models.CapacityResource) *mockResourceRepo {
	repo := &mockResourceRepo{resources: make(map[string]*models.CapacityResource)}
	for _, r := range resources {
		repo.resources[r.ID] = r
	}
	return repo
}

func (m *mockResourceRepo) List(ctx context.Context, schoolID string, filter models.ResourceFilter) ([]models.CapacityResource, int, error) {
	var out []models.CapacityResource
	for _, r := range m.resources {
		if r.SchoolID == schoolID {
			out = append(out, *r)
		}
	}
	return out, len(out), nil
}

func (m *mockResourceRepo) FindByID(ctx context.Context, schoolID, id string) (*models.CapacityResource, error) {
	r, ok := m.resources[id]
	if !ok || r.SchoolID != schoolID {
		return nil, sql.ErrNoRows
	}
	copied := *r
	return &copied, nil
}

func (m *mockResourceRepo) Create(ctx context.Context, resource *models.CapacityResource) error {
	if resource.ID == "" {
		resource.ID = "generated"
	}
	copied := *resource
	m.resources[resource.ID] = &copied
	return nil
}

func (m *mockResourceRepo) Update(ctx context.Context, resource *models.CapacityResource) error {
	m.updated = append(m.updated, resource.ID)
	copied := *resource
	m.resources[resource.ID] = &copied
	return nil
}

func (m *mockResourceRepo) Delete(ctx context.Context, schoolID, id string) error {
	m.deleted = append(m.deleted, id)
	delete(m.resources, id)
	return nil
}

type mockActiveCounter struct {
	counts map[string]int
}

func (m *mockActiveCounter) CountActiveByResource(ctx context.Context, schoolID, resourceID string) (int, error) {
	return m.counts[resourceID], nil
}

type memoryCache struct {
	entries map[string][]byte
	gets    int
	hits    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	m.gets++
	raw, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	m.hits++
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = raw
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

func TestResourceServiceCreate(t *testing.T) {
	repo := newMockResourceRepo()
	svc := NewResourceService(repo, &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	resource, err := svc.Create(context.Background(), adminClaims(), CreateResourceRequest{
		Kind:        models.ResourceKindClassSection,
		Name:        "Algebra",
		MaxCapacity: intPtr(30),
		FeeAmount:   0,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resource.ID)
	assert.Equal(t, "sch-1", resource.SchoolID)
	assert.Equal(t, 0, resource.CurrentOccupancy)
}

func TestResourceServiceCreateRejectsUnknownKind(t *testing.T) {
	repo := newMockResourceRepo()
	svc := NewResourceService(repo, &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	_, err := svc.Create(context.Background(), adminClaims(), CreateResourceRequest{Kind: "CLUB", Name: "Chess"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestResourceServiceUpdateRejectsCapacityBelowOccupancy(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra", MaxCapacity: intPtr(30), CurrentOccupancy: 12})
	svc := NewResourceService(repo, &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	_, err := svc.Update(context.Background(), adminClaims(), "res-1", UpdateResourceRequest{Name: "Algebra", MaxCapacity: intPtr(10)})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
	assert.Empty(t, repo.updated)
}

func TestResourceServiceUpdateAllowsCapacityAtOccupancy(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra", MaxCapacity: intPtr(30), CurrentOccupancy: 12})
	svc := NewResourceService(repo, &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	resource, err := svc.Update(context.Background(), adminClaims(), "res-1", UpdateResourceRequest{Name: "Algebra", MaxCapacity: intPtr(12)})
	require.NoError(t, err)
	require.NotNil(t, resource.MaxCapacity)
	assert.Equal(t, 12, *resource.MaxCapacity)
}

func TestResourceServiceDeleteRejectsActiveEnrollments(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra"})
	counter := &mockActiveCounter{counts: map[string]int{"res-1": 3}}
	svc := NewResourceService(repo, counter, nil, 0, nil, nil, zap.NewNop())

	err := svc.Delete(context.Background(), adminClaims(), "res-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
	assert.Empty(t, repo.deleted)
}

func TestResourceServiceDeleteEmptyResource(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra"})
	counter := &mockActiveCounter{counts: map[string]int{}}
	svc := NewResourceService(repo, counter, nil, 0, nil, nil, zap.NewNop())

	err := svc.Delete(context.Background(), adminClaims(), "res-1")
	require.NoError(t, err)
	assert.Contains(t, repo.deleted, "res-1")
}

func TestResourceServiceOccupancySnapshot(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra", MaxCapacity: intPtr(30), CurrentOccupancy: 12})
	svc := NewResourceService(repo, &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	snapshot, err := svc.Occupancy(context.Background(), adminClaims(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, 12, snapshot.CurrentOccupancy)
	require.NotNil(t, snapshot.Available)
	assert.Equal(t, 18, *snapshot.Available)
}

func TestResourceServiceOccupancyUnboundedResource(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Open Gym", CurrentOccupancy: 7})
	svc := NewResourceService(repo, &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	snapshot, err := svc.Occupancy(context.Background(), adminClaims(), "res-1")
	require.NoError(t, err)
	assert.Nil(t, snapshot.MaxCapacity)
	assert.Nil(t, snapshot.Available)
}

func TestResourceServiceOccupancyServedFromCache(t *testing.T) {
	repo := newMockResourceRepo(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra", MaxCapacity: intPtr(30), CurrentOccupancy: 12})
	cache := newMemoryCache()
	svc := NewResourceService(repo, &mockActiveCounter{}, cache, time.Minute, nil, nil, zap.NewNop())

	first, err := svc.Occupancy(context.Background(), adminClaims(), "res-1")
	require.NoError(t, err)

	// Mutate the row behind the cache; the stale snapshot must be served
	// until invalidation.
	repo.resources["res-1"].CurrentOccupancy = 20

	second, err := svc.Occupancy(context.Background(), adminClaims(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, first.CurrentOccupancy, second.CurrentOccupancy)
	assert.Equal(t, 1, cache.hits)

	svc.InvalidateOccupancy(context.Background(), "res-1")

	third, err := svc.Occupancy(context.Background(), adminClaims(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, 20, third.CurrentOccupancy)
}

func TestResourceServiceGetUnknownResource(t *testing.T) {
	svc := NewResourceService(newMockResourceRepo(), &mockActiveCounter{}, nil, 0, nil, nil, zap.NewNop())

	_, err := svc.Get(context.Background(), adminClaims(), "missing")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
