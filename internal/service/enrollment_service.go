package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	appErrors "github.com/noah-isme/enroll-api/pkg/errors"
	"github.com/noah-isme/enroll-api/pkg/lock"
)

type enrollmentRepository interface {
	List(ctx context.Context, schoolID string, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, schoolID, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, schoolID, id string) (*models.EnrollmentDetail, error)
	ExistsActive(ctx context.Context, schoolID, resourceID, studentID string) (bool, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	UpdateStatus(ctx context.Context, schoolID, id string, status models.EnrollmentStatus, changedAt time.Time, finalOutcome *string) error
}

type resourceReader interface {
	FindByID(ctx context.Context, schoolID, id string) (*models.CapacityResource, error)
}

type enrollmentNotifier interface {
	EnrollmentChanged(event EnrollmentEvent)
}

type occupancyInvalidator interface {
	InvalidateOccupancy(ctx context.Context, resourceID string)
}

// EnrollRequest describes enrollment creation payload.
type EnrollRequest struct {
	ResourceID string `json:"resource_id" validate:"required"`
	StudentID  string `json:"student_id" validate:"required"`
}

// ChangeStatusRequest describes a lifecycle transition payload.
type ChangeStatusRequest struct {
	Status       models.EnrollmentStatus `json:"status" validate:"required"`
	FinalOutcome *string                 `json:"final_outcome,omitempty"`
}

// EnrollmentService is the reservation coordinator: the only entry point
// that mutates enrollment records or the capacity ledger. Every mutation of
// a resource's seats runs under that resource's lock, so the duplicate
// check, the reservation and the record write behave as one atomic unit.
// Operations on different resources proceed fully in parallel.
type EnrollmentService struct {
	repo        enrollmentRepository
	resources   resourceReader
	ledger      *CapacityLedger
	locks       *lock.Keyed
	lockTimeout time.Duration
	notifier    enrollmentNotifier
	invalidator occupancyInvalidator
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewEnrollmentService constructs the coordinator.
func NewEnrollmentService(
	repo enrollmentRepository,
	resources resourceReader,
	ledger *CapacityLedger,
	locks *lock.Keyed,
	lockTimeout time.Duration,
	notifier enrollmentNotifier,
	invalidator occupancyInvalidator,
	metrics *MetricsService,
	validate *validator.Validate,
	logger *zap.Logger,
) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &EnrollmentService{
		repo:        repo,
		resources:   resources,
		ledger:      ledger,
		locks:       locks,
		lockTimeout: lockTimeout,
		notifier:    notifier,
		invalidator: invalidator,
		metrics:     metrics,
		validator:   validate,
		logger:      logger,
	}
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, claims *models.JWTClaims, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if claims == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	enrollments, total, err := s.repo.List(ctx, claims.SchoolID, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
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
	return enrollments, pagination, nil
}

// Get returns one enrollment with resource info.
func (s *EnrollmentService) Get(ctx context.Context, claims *models.JWTClaims, id string) (*models.EnrollmentDetail, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	detail, err := s.repo.FindDetailByID(ctx, claims.SchoolID, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Enroll registers a student into a capacity-bounded resource. The sequence
// duplicate-check -> reserve -> insert runs under the resource lock; an
// insert failure rolls the reservation back so no seat is ever orphaned.
func (s *EnrollmentService) Enroll(ctx context.Context, claims *models.JWTClaims, req EnrollRequest) (*models.EnrollmentDetail, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	if err := s.acquire(ctx, req.ResourceID); err != nil {
		return nil, err
	}
	defer s.locks.Release(req.ResourceID)

	resource, err := s.resources.FindByID(ctx, claims.SchoolID, req.ResourceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource")
	}

	exists, err := s.repo.ExistsActive(ctx, claims.SchoolID, req.ResourceID, req.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicateEnrollment, "")
	}

	token, err := s.ledger.Reserve(ctx, claims.SchoolID, req.ResourceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	enrollment := &models.Enrollment{
		SchoolID:        claims.SchoolID,
		ResourceID:      req.ResourceID,
		StudentID:       req.StudentID,
		Status:          models.EnrollmentStatusActive,
		ReservationID:   token.ID,
		EnrolledAt:      now,
		StatusChangedAt: now,
		AmountDue:       resource.FeeAmount,
		AmountPaid:      0,
		PaymentStatus:   paymentStatusForFee(resource.FeeAmount),
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		if relErr := s.ledger.Release(ctx, token); relErr != nil {
			if s.metrics != nil {
				s.metrics.ObserveInconsistency()
			}
			s.logger.Error("reservation rollback failed after enrollment insert failure",
				zap.String("resource_id", req.ResourceID),
				zap.String("reservation_id", token.ID),
				zap.NamedError("insert_error", err),
				zap.NamedError("rollback_error", relErr))
			return nil, appErrors.Wrap(err, appErrors.ErrInconsistentState.Code, appErrors.ErrInconsistentState.Status, appErrors.ErrInconsistentState.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	s.afterMutation(ctx, enrollment, claims)
	return s.detail(ctx, claims.SchoolID, enrollment.ID)
}

// ChangeStatus validates and applies a lifecycle transition. Releasing
// transitions (dropped, withdrawn) return the seat claimed at creation time;
// completion keeps the seat counted for historical occupancy.
func (s *EnrollmentService) ChangeStatus(ctx context.Context, claims *models.JWTClaims, id string, req ChangeStatusRequest) (*models.EnrollmentDetail, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown enrollment status")
	}
	if req.Status == models.EnrollmentStatusWithdrawn && claims.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "withdrawal is an administrative action")
	}
	if req.FinalOutcome != nil && req.Status != models.EnrollmentStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrValidation, "final outcome is only recorded on completion")
	}

	// First read resolves the resource to lock; the record is re-read under
	// the lock before the transition is validated.
	probe, err := s.repo.FindByID(ctx, claims.SchoolID, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	if err := s.acquire(ctx, probe.ResourceID); err != nil {
		return nil, err
	}
	defer s.locks.Release(probe.ResourceID)

	enrollment, err := s.repo.FindByID(ctx, claims.SchoolID, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	if !enrollment.Status.CanTransitionTo(req.Status) {
		// Invalid transitions indicate a workflow bug upstream, so they are
		// logged for investigation in addition to being returned.
		s.logger.Warn("invalid enrollment transition requested",
			zap.String("enrollment_id", id),
			zap.String("from", string(enrollment.Status)),
			zap.String("to", string(req.Status)),
			zap.String("actor_id", claims.UserID))
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "")
	}

	changedAt := time.Now().UTC()
	if err := s.repo.UpdateStatus(ctx, claims.SchoolID, id, req.Status, changedAt, req.FinalOutcome); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment status")
	}

	if req.Status.ReleasesSeat() {
		token := s.ledger.Restore(enrollment.SchoolID, enrollment.ResourceID, enrollment.ReservationID)
		if err := s.ledger.Release(ctx, token); err != nil {
			if s.metrics != nil {
				s.metrics.ObserveInconsistency()
			}
			s.logger.Error("seat release failed after status update",
				zap.String("enrollment_id", id),
				zap.String("resource_id", enrollment.ResourceID),
				zap.Error(err))
			return nil, appErrors.Wrap(err, appErrors.ErrInconsistentState.Code, appErrors.ErrInconsistentState.Status, appErrors.ErrInconsistentState.Message)
		}
	}

	enrollment.Status = req.Status
	s.afterMutation(ctx, enrollment, claims)
	return s.detail(ctx, claims.SchoolID, id)
}

func (s *EnrollmentService) acquire(ctx context.Context, resourceID string) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	start := time.Now()
	if err := s.locks.Acquire(lockCtx, resourceID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrResourceBusy.Code, appErrors.ErrResourceBusy.Status, appErrors.ErrResourceBusy.Message)
	}
	if s.metrics != nil {
		s.metrics.ObserveLockWait(time.Since(start))
	}
	return nil
}

func (s *EnrollmentService) afterMutation(ctx context.Context, enrollment *models.Enrollment, claims *models.JWTClaims) {
	if s.metrics != nil {
		s.metrics.ObserveTransition(string(enrollment.Status))
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateOccupancy(ctx, enrollment.ResourceID)
	}
	if s.notifier != nil {
		s.notifier.EnrollmentChanged(EnrollmentEvent{
			EnrollmentID: enrollment.ID,
			ResourceID:   enrollment.ResourceID,
			StudentID:    enrollment.StudentID,
			Status:       enrollment.Status,
			ActorID:      claims.UserID,
		})
	}
}

func (s *EnrollmentService) detail(ctx context.Context, schoolID, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, schoolID, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}

func paymentStatusForFee(fee int64) models.PaymentStatus {
	if fee > 0 {
		return models.PaymentStatusPending
	}
	return models.PaymentStatusNotRequired
}
