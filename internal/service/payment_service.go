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

type paymentRepository interface {
	FindByID(ctx context.Context, schoolID, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, schoolID, id string) (*models.EnrollmentDetail, error)
	UpdatePayment(ctx context.Context, schoolID, id string, amountPaid int64, status models.PaymentStatus) error
}

// RecordPaymentRequest carries a payment amount in minor currency units.
type RecordPaymentRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// RefundRequest carries a refund amount in minor currency units.
type RefundRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// PaymentService tracks the fee sub-state of enrollments. It never touches
// the capacity ledger: payment and capacity are deliberately decoupled, and
// refunding a fee says nothing about whether the student stays enrolled.
// Mutations run under the record's resource lock because an enrollment row
// belongs to exactly one resource.
type PaymentService struct {
	repo        paymentRepository
	locks       *lock.Keyed
	lockTimeout time.Duration
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewPaymentService constructs PaymentService. The locks instance must be
// shared with the reservation coordinator.
func NewPaymentService(repo paymentRepository, locks *lock.Keyed, lockTimeout time.Duration, validate *validator.Validate, logger *zap.Logger) *PaymentService {
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
	return &PaymentService{repo: repo, locks: locks, lockTimeout: lockTimeout, validator: validate, logger: logger}
}

// RecordPayment adds to the amount paid and confirms the payment once the
// due amount is met. Only pending payments accept money.
func (s *PaymentService) RecordPayment(ctx context.Context, claims *models.JWTClaims, enrollmentID string, req RecordPaymentRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "payment amount must be positive")
	}
	return s.mutate(ctx, claims, enrollmentID, func(e *models.Enrollment) (int64, models.PaymentStatus, error) {
		switch e.PaymentStatus {
		case models.PaymentStatusPending:
		case models.PaymentStatusNotRequired:
			return 0, "", appErrors.Clone(appErrors.ErrPaymentInvariant, "resource does not charge a fee")
		case models.PaymentStatusConfirmed:
			return 0, "", appErrors.Clone(appErrors.ErrPaymentInvariant, "payment already confirmed")
		default:
			return 0, "", appErrors.Clone(appErrors.ErrPaymentInvariant, "payment is not pending")
		}
		paid := e.AmountPaid + req.Amount
		status := models.PaymentStatusPending
		if paid >= e.AmountDue {
			status = models.PaymentStatusConfirmed
		}
		return paid, status, nil
	})
}

// Waive forces the payment to waived regardless of amount paid. Permitted
// from pending or confirmed.
func (s *PaymentService) Waive(ctx context.Context, claims *models.JWTClaims, enrollmentID string) (*models.EnrollmentDetail, error) {
	return s.mutate(ctx, claims, enrollmentID, func(e *models.Enrollment) (int64, models.PaymentStatus, error) {
		if e.PaymentStatus != models.PaymentStatusPending && e.PaymentStatus != models.PaymentStatusConfirmed {
			return 0, "", appErrors.Clone(appErrors.ErrPaymentInvariant, "only pending or confirmed payments can be waived")
		}
		return e.AmountPaid, models.PaymentStatusWaived, nil
	})
}

// Refund returns money for a confirmed payment. It does not change the
// enrollment status; dropping or withdrawing the student is a separate call.
func (s *PaymentService) Refund(ctx context.Context, claims *models.JWTClaims, enrollmentID string, req RefundRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "refund amount must be positive")
	}
	return s.mutate(ctx, claims, enrollmentID, func(e *models.Enrollment) (int64, models.PaymentStatus, error) {
		if e.PaymentStatus != models.PaymentStatusConfirmed {
			return 0, "", appErrors.Clone(appErrors.ErrPaymentInvariant, "refund is only permitted from a confirmed payment")
		}
		if req.Amount > e.AmountPaid {
			return 0, "", appErrors.Clone(appErrors.ErrPaymentInvariant, "refund exceeds amount paid")
		}
		return e.AmountPaid - req.Amount, models.PaymentStatusRefunded, nil
	})
}

func (s *PaymentService) mutate(ctx context.Context, claims *models.JWTClaims, enrollmentID string, apply func(*models.Enrollment) (int64, models.PaymentStatus, error)) (*models.EnrollmentDetail, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}

	probe, err := s.repo.FindByID(ctx, claims.SchoolID, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.locks.Acquire(lockCtx, probe.ResourceID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrResourceBusy.Code, appErrors.ErrResourceBusy.Status, appErrors.ErrResourceBusy.Message)
	}
	defer s.locks.Release(probe.ResourceID)

	enrollment, err := s.repo.FindByID(ctx, claims.SchoolID, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	amountPaid, status, err := apply(enrollment)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdatePayment(ctx, claims.SchoolID, enrollmentID, amountPaid, status); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update payment")
	}

	s.logger.Info("payment state changed",
		zap.String("enrollment_id", enrollmentID),
		zap.String("status", string(status)),
		zap.Int64("amount_paid", amountPaid),
		zap.String("actor_id", claims.UserID))

	detail, err := s.repo.FindDetailByID(ctx, claims.SchoolID, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment detail")
	}
	return detail, nil
}
