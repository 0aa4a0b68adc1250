package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enroll-api/internal/models"
)

// EnrollmentRepository handles persistence of enrollment records. Records
// are insert-and-update only; nothing here deletes rows.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, schoolID string, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN capacity_resources r ON r.id = e.resource_id`
	conditions := []string{"e.school_id = $1"}
	args := []interface{}{schoolID}

	if filter.ResourceID != "" {
		conditions = append(conditions, fmt.Sprintf("e.resource_id = $%d", len(args)+1))
		args = append(args, filter.ResourceID)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := " WHERE " + strings.Join(conditions, " AND ")

	allowedSorts := map[string]string{
		"enrolled_at":       "e.enrolled_at",
		"status_changed_at": "e.status_changed_at",
		"resource_name":     "r.name",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT e.id, e.school_id, e.resource_id, e.student_id, e.status, e.reservation_id,
        e.enrolled_at, e.status_changed_at, e.final_outcome, e.amount_due, e.amount_paid, e.payment_status,
        r.name AS resource_name, r.kind AS resource_kind
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID scoped to the school.
func (r *EnrollmentRepository) FindByID(ctx context.Context, schoolID, id string) (*models.Enrollment, error) {
	const query = `SELECT id, school_id, resource_id, student_id, status, reservation_id, enrolled_at, status_changed_at,
        final_outcome, amount_due, amount_paid, payment_status
        FROM enrollments WHERE id = $1 AND school_id = $2`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id, schoolID); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with resource info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, schoolID, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.school_id, e.resource_id, e.student_id, e.status, e.reservation_id,
        e.enrolled_at, e.status_changed_at, e.final_outcome, e.amount_due, e.amount_paid, e.payment_status,
        r.name AS resource_name, r.kind AS resource_kind
        FROM enrollments e
        LEFT JOIN capacity_resources r ON r.id = e.resource_id
        WHERE e.id = $1 AND e.school_id = $2`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id, schoolID); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsActive checks if an active enrollment exists for the
// (resource, student) pair.
func (r *EnrollmentRepository) ExistsActive(ctx context.Context, schoolID, resourceID, studentID string) (bool, error) {
	const query = `SELECT 1 FROM enrollments
        WHERE school_id = $1 AND resource_id = $2 AND student_id = $3 AND status = $4 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, schoolID, resourceID, studentID, models.EnrollmentStatusActive); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active enrollment: %w", err)
	}
	return true, nil
}

// CountActiveByResource returns the number of active enrollments in a resource.
func (r *EnrollmentRepository) CountActiveByResource(ctx context.Context, schoolID, resourceID string) (int, error) {
	const query = `SELECT COUNT(*) FROM enrollments WHERE school_id = $1 AND resource_id = $2 AND status = $3`
	var total int
	if err := r.db.GetContext(ctx, &total, query, schoolID, resourceID, models.EnrollmentStatusActive); err != nil {
		return 0, fmt.Errorf("count active enrollments: %w", err)
	}
	return total, nil
}

// ListActiveByResource returns the active roster of a resource.
func (r *EnrollmentRepository) ListActiveByResource(ctx context.Context, schoolID, resourceID string) ([]models.Enrollment, error) {
	const query = `SELECT id, school_id, resource_id, student_id, status, reservation_id, enrolled_at, status_changed_at,
        final_outcome, amount_due, amount_paid, payment_status
        FROM enrollments WHERE school_id = $1 AND resource_id = $2 AND status = $3 ORDER BY enrolled_at ASC`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, schoolID, resourceID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list resource roster: %w", err)
	}
	return enrollments, nil
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.EnrolledAt.IsZero() {
		enrollment.EnrolledAt = now
	}
	if enrollment.StatusChangedAt.IsZero() {
		enrollment.StatusChangedAt = enrollment.EnrolledAt
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusActive
	}
	const query = `INSERT INTO enrollments (id, school_id, resource_id, student_id, status, reservation_id, enrolled_at,
        status_changed_at, final_outcome, amount_due, amount_paid, payment_status)
        VALUES (:id, :school_id, :resource_id, :student_id, :status, :reservation_id, :enrolled_at,
        :status_changed_at, :final_outcome, :amount_due, :amount_paid, :payment_status)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// UpdateStatus updates status, status_changed_at and final_outcome for an
// enrollment.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, schoolID, id string, status models.EnrollmentStatus, changedAt time.Time, finalOutcome *string) error {
	const query = `UPDATE enrollments SET status = $3, status_changed_at = $4, final_outcome = $5
        WHERE id = $1 AND school_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, schoolID, status, changedAt, finalOutcome); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// UpdatePayment updates the payment sub-state of an enrollment.
func (r *EnrollmentRepository) UpdatePayment(ctx context.Context, schoolID, id string, amountPaid int64, status models.PaymentStatus) error {
	const query = `UPDATE enrollments SET amount_paid = $3, payment_status = $4 WHERE id = $1 AND school_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, schoolID, amountPaid, status); err != nil {
		return fmt.Errorf("update enrollment payment: %w", err)
	}
	return nil
}
