package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	appErrors "github.com/noah-isme/enroll-api/pkg/errors"
)

type resourceRepository interface {
	List(ctx context.Context, schoolID string, filter models.ResourceFilter) ([]models.CapacityResource, int, error)
	FindByID(ctx context.Context, schoolID, id string) (*models.CapacityResource, error)
	Create(ctx context.Context, resource *models.CapacityResource) error
	Update(ctx context.Context, resource *models.CapacityResource) error
	Delete(ctx context.Context, schoolID, id string) error
}

type activeEnrollmentCounter interface {
	CountActiveByResource(ctx context.Context, schoolID, resourceID string) (int, error)
}

type occupancyCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CreateResourceRequest describes resource creation payload.
type CreateResourceRequest struct {
	Kind        models.ResourceKind `json:"kind" validate:"required,oneof=CLASS_SECTION ACTIVITY"`
	Name        string              `json:"name" validate:"required,min=2,max=120"`
	MaxCapacity *int                `json:"max_capacity" validate:"omitempty,gt=0"`
	FeeAmount   int64               `json:"fee_amount" validate:"gte=0"`
}

// UpdateResourceRequest describes mutable resource attributes.
type UpdateResourceRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=120"`
	MaxCapacity *int   `json:"max_capacity" validate:"omitempty,gt=0"`
	FeeAmount   int64  `json:"fee_amount" validate:"gte=0"`
}

// ResourceService manages capacity-bounded resources. It never writes
// current_occupancy; that column belongs to the capacity ledger.
type ResourceService struct {
	repo        resourceRepository
	enrollments activeEnrollmentCounter
	cache       occupancyCache
	cacheTTL    time.Duration
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewResourceService constructs ResourceService.
func NewResourceService(repo resourceRepository, enrollments activeEnrollmentCounter, cache occupancyCache, cacheTTL time.Duration, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *ResourceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceService{repo: repo, enrollments: enrollments, cache: cache, cacheTTL: cacheTTL, metrics: metrics, validator: validate, logger: logger}
}

// List returns resources with pagination metadata.
func (s *ResourceService) List(ctx context.Context, claims *models.JWTClaims, filter models.ResourceFilter) ([]models.CapacityResource, *models.Pagination, error) {
	if claims == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	resources, total, err := s.repo.List(ctx, claims.SchoolID, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list resources")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return resources, pagination, nil
}

// Get returns one resource.
func (s *ResourceService) Get(ctx context.Context, claims *models.JWTClaims, id string) (*models.CapacityResource, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	resource, err := s.repo.FindByID(ctx, claims.SchoolID, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource")
	}
	return resource, nil
}

// Create registers a new capacity-bounded resource.
func (s *ResourceService) Create(ctx context.Context, claims *models.JWTClaims, req CreateResourceRequest) (*models.CapacityResource, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid resource payload")
	}
	resource := &models.CapacityResource{
		SchoolID:         claims.SchoolID,
		Kind:             req.Kind,
		Name:             req.Name,
		MaxCapacity:      req.MaxCapacity,
		CurrentOccupancy: 0,
		FeeAmount:        req.FeeAmount,
	}
	if err := s.repo.Create(ctx, resource); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create resource")
	}
	return resource, nil
}

// Update edits resource attributes. Lowering max_capacity below the current
// occupancy is rejected: seats already handed out cannot be revoked here.
func (s *ResourceService) Update(ctx context.Context, claims *models.JWTClaims, id string, req UpdateResourceRequest) (*models.CapacityResource, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid resource payload")
	}
	resource, err := s.repo.FindByID(ctx, claims.SchoolID, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource")
	}
	if req.MaxCapacity != nil && *req.MaxCapacity < resource.CurrentOccupancy {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed,
			fmt.Sprintf("max capacity %d is below current occupancy %d", *req.MaxCapacity, resource.CurrentOccupancy))
	}
	resource.Name = req.Name
	resource.MaxCapacity = req.MaxCapacity
	resource.FeeAmount = req.FeeAmount
	if err := s.repo.Update(ctx, resource); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update resource")
	}
	s.InvalidateOccupancy(ctx, id)
	return resource, nil
}

// Delete removes a resource that has no active enrollments. Historical
// enrollment records keep their resource_id for audit even after deletion.
func (s *ResourceService) Delete(ctx context.Context, claims *models.JWTClaims, id string) error {
	if claims == nil {
		return appErrors.ErrUnauthorized
	}
	if _, err := s.repo.FindByID(ctx, claims.SchoolID, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource")
	}
	active, err := s.enrollments.CountActiveByResource(ctx, claims.SchoolID, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count enrollments")
	}
	if active > 0 {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "resource still has active enrollments")
	}
	if err := s.repo.Delete(ctx, claims.SchoolID, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete resource")
	}
	s.InvalidateOccupancy(ctx, id)
	return nil
}

// Occupancy returns the seat usage snapshot, served from cache when warm.
func (s *ResourceService) Occupancy(ctx context.Context, claims *models.JWTClaims, id string) (*models.OccupancySnapshot, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}

	key := occupancyCacheKey(id)
	if s.cache != nil {
		var cached models.OccupancySnapshot
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			if s.metrics != nil {
				s.metrics.ObserveCache(true)
			}
			return &cached, nil
		}
		if s.metrics != nil {
			s.metrics.ObserveCache(false)
		}
	}

	resource, err := s.repo.FindByID(ctx, claims.SchoolID, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource")
	}
	snapshot := models.NewOccupancySnapshot(resource)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, snapshot, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache occupancy snapshot", zap.String("resource_id", id), zap.Error(err))
		}
	}
	return &snapshot, nil
}

// InvalidateOccupancy drops the cached snapshot. Called by the coordinator
// after every ledger mutation.
func (s *ResourceService) InvalidateOccupancy(ctx context.Context, resourceID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, occupancyCacheKey(resourceID)); err != nil {
		s.logger.Warn("failed to invalidate occupancy cache", zap.String("resource_id", resourceID), zap.Error(err))
	}
}

// Resource ids are UUIDs, so the cache key does not need the school id.
func occupancyCacheKey(resourceID string) string {
	return fmt.Sprintf("occupancy:%s", resourceID)
}
