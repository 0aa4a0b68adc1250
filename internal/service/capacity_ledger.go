package service

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	appErrors "github.com/noah-isme/enroll-api/pkg/errors"
)

type ledgerRepository interface {
	FindByID(ctx context.Context, schoolID, id string) (*models.CapacityResource, error)
	IncrementOccupancy(ctx context.Context, schoolID, id string) (bool, error)
	DecrementOccupancy(ctx context.Context, schoolID, id string) error
}

// ReservationToken is the proof that one seat was claimed. A token may be
// released at most once; a second release is a programming-contract
// violation and is reported, not swallowed.
type ReservationToken struct {
	ID         string
	SchoolID   string
	ResourceID string

	released atomic.Bool
}

// CapacityLedger owns the current-occupancy counter of every resource and
// guarantees 0 <= occupancy <= max_capacity under concurrent mutation. The
// check-and-increment is a single conditional UPDATE, so the invariant holds
// even without the coordinator's per-resource lock; the lock exists to make
// the coordinator's multi-statement sequences atomic.
type CapacityLedger struct {
	repo    ledgerRepository
	metrics *MetricsService
	logger  *zap.Logger
}

// NewCapacityLedger constructs the ledger.
func NewCapacityLedger(repo ledgerRepository, metrics *MetricsService, logger *zap.Logger) *CapacityLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapacityLedger{repo: repo, metrics: metrics, logger: logger}
}

// Reserve atomically claims one seat. Unbounded resources always succeed.
// On a full resource it returns CAPACITY_EXCEEDED and changes nothing.
func (l *CapacityLedger) Reserve(ctx context.Context, schoolID, resourceID string) (*ReservationToken, error) {
	ok, err := l.repo.IncrementOccupancy(ctx, schoolID, resourceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve capacity")
	}
	if !ok {
		if _, err := l.repo.FindByID(ctx, schoolID, resourceID); err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "resource not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load resource")
		}
		if l.metrics != nil {
			l.metrics.ObserveReservation("rejected")
		}
		return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "")
	}
	if l.metrics != nil {
		l.metrics.ObserveReservation("reserved")
	}
	return &ReservationToken{ID: uuid.NewString(), SchoolID: schoolID, ResourceID: resourceID}, nil
}

// Release returns the seat held by token, floored at zero occupancy.
// Releasing the same token twice yields an error on the second call, not a
// double decrement.
func (l *CapacityLedger) Release(ctx context.Context, token *ReservationToken) error {
	if token == nil {
		return appErrors.Clone(appErrors.ErrInconsistentState, "release called without a reservation token")
	}
	if !token.released.CompareAndSwap(false, true) {
		l.logger.Error("reservation token released twice",
			zap.String("reservation_id", token.ID),
			zap.String("resource_id", token.ResourceID))
		return appErrors.Clone(appErrors.ErrInconsistentState, "reservation already released")
	}
	if err := l.repo.DecrementOccupancy(ctx, token.SchoolID, token.ResourceID); err != nil {
		// Undo the flag so a retry of a transient failure is possible.
		token.released.Store(false)
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to release capacity")
	}
	if l.metrics != nil {
		l.metrics.ObserveReservation("released")
	}
	return nil
}

// Restore rebuilds a token from the reservation id persisted on an
// enrollment record, so a seat claimed before a restart can still be
// released. Restored tokens start unreleased; the state machine's
// terminal-state guard prevents the same persisted reservation from being
// restored and released twice.
func (l *CapacityLedger) Restore(schoolID, resourceID, reservationID string) *ReservationToken {
	return &ReservationToken{ID: reservationID, SchoolID: schoolID, ResourceID: resourceID}
}
