package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enroll-api/internal/models"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEnrollmentRepositoryExistsActive(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"?column?"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments")).
		WithArgs("sch-1", "res-1", "stu-1", models.EnrollmentStatusActive).
		WillReturnRows(rows)

	exists, err := repo.ExistsActive(context.Background(), "sch-1", "res-1", "stu-1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryExistsActiveNoRows(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM enrollments")).
		WithArgs("sch-1", "res-1", "stu-1", models.EnrollmentStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err := repo.ExistsActive(context.Background(), "sch-1", "res-1", "stu-1")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateAssignsDefaults(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO enrollments").
		WillReturnResult(sqlmock.NewResult(0, 1))

	enrollment := &models.Enrollment{
		SchoolID:      "sch-1",
		ResourceID:    "res-1",
		StudentID:     "stu-1",
		ReservationID: "rsv-1",
		PaymentStatus: models.PaymentStatusNotRequired,
	}
	err := repo.Create(context.Background(), enrollment)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.ID)
	require.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	require.False(t, enrollment.EnrolledAt.IsZero())
	require.Equal(t, enrollment.EnrolledAt, enrollment.StatusChangedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatus(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	changedAt := time.Now().UTC()
	outcome := "passed"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $3, status_changed_at = $4, final_outcome = $5")).
		WithArgs("enr-1", "sch-1", models.EnrollmentStatusCompleted, changedAt, &outcome).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "sch-1", "enr-1", models.EnrollmentStatusCompleted, changedAt, &outcome)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdatePayment(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET amount_paid = $3, payment_status = $4")).
		WithArgs("enr-1", "sch-1", int64(5000), models.PaymentStatusConfirmed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdatePayment(context.Background(), "sch-1", "enr-1", 5000, models.PaymentStatusConfirmed)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListActiveByResource(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "school_id", "resource_id", "student_id", "status", "reservation_id", "enrolled_at", "status_changed_at", "final_outcome", "amount_due", "amount_paid", "payment_status"}).
		AddRow("enr-1", "sch-1", "res-1", "stu-1", models.EnrollmentStatusActive, "rsv-1", time.Now(), time.Now(), nil, int64(5000), int64(0), models.PaymentStatusPending)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE school_id = $1 AND resource_id = $2 AND status = $3 ORDER BY enrolled_at ASC")).
		WithArgs("sch-1", "res-1", models.EnrollmentStatusActive).
		WillReturnRows(rows)

	roster, err := repo.ListActiveByResource(context.Background(), "sch-1", "res-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, "stu-1", roster[0].StudentID)
	require.NoError(t, mock.ExpectationsWereMet())
}
