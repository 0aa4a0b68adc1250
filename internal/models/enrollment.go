package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment record.
// ACTIVE is the only non-terminal state; every other state is terminal and
// no transition ever leaves it. Re-enrollment after a terminal state creates
// a brand-new record.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusDropped   EnrollmentStatus = "DROPPED"
	EnrollmentStatusWithdrawn EnrollmentStatus = "WITHDRAWN"
)

// Valid reports whether the status is a known member of the enum.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusActive, EnrollmentStatusCompleted, EnrollmentStatusDropped, EnrollmentStatusWithdrawn:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave the status.
func (s EnrollmentStatus) Terminal() bool {
	return s.Valid() && s != EnrollmentStatusActive
}

// CanTransitionTo encodes the transition table: ACTIVE may move to any
// terminal state, terminal states allow nothing.
func (s EnrollmentStatus) CanTransitionTo(target EnrollmentStatus) bool {
	return s == EnrollmentStatusActive && target.Terminal()
}

// ReleasesSeat reports whether entering the status frees the capacity
// reservation. Completion deliberately keeps the seat counted so historical
// occupancy reporting reflects who finished the resource.
func (s EnrollmentStatus) ReleasesSeat() bool {
	return s == EnrollmentStatusDropped || s == EnrollmentStatusWithdrawn
}

// PaymentStatus tracks the fee sub-state of an enrollment, independent of
// but consistent with the enrollment lifecycle.
type PaymentStatus string

const (
	PaymentStatusNotRequired PaymentStatus = "NOT_REQUIRED"
	PaymentStatusPending     PaymentStatus = "PENDING"
	PaymentStatusConfirmed   PaymentStatus = "CONFIRMED"
	PaymentStatusWaived      PaymentStatus = "WAIVED"
	PaymentStatusRefunded    PaymentStatus = "REFUNDED"
)

// Enrollment captures one student's membership in one capacity-bounded
// resource. Rows are never physically deleted; terminal states are the
// audit history. ReservationID links the record to the seat claimed at
// creation time so releasing transitions can return exactly that seat.
type Enrollment struct {
	ID              string           `db:"id" json:"id"`
	SchoolID        string           `db:"school_id" json:"school_id"`
	ResourceID      string           `db:"resource_id" json:"resource_id"`
	StudentID       string           `db:"student_id" json:"student_id"`
	Status          EnrollmentStatus `db:"status" json:"status"`
	ReservationID   string           `db:"reservation_id" json:"-"`
	EnrolledAt      time.Time        `db:"enrolled_at" json:"enrolled_at"`
	StatusChangedAt time.Time        `db:"status_changed_at" json:"status_changed_at"`
	FinalOutcome    *string          `db:"final_outcome" json:"final_outcome,omitempty"`

	// Payment sub-state, embedded when the resource is fee-bearing.
	AmountDue     int64         `db:"amount_due" json:"amount_due"`
	AmountPaid    int64         `db:"amount_paid" json:"amount_paid"`
	PaymentStatus PaymentStatus `db:"payment_status" json:"payment_status"`
}

// EnrollmentDetail enriches Enrollment with resource info for responses.
type EnrollmentDetail struct {
	Enrollment
	ResourceName string       `db:"resource_name" json:"resource_name"`
	ResourceKind ResourceKind `db:"resource_kind" json:"resource_kind"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	ResourceID string
	StudentID  string
	Status     EnrollmentStatus
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
