package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newResourceRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestResourceRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newResourceRepoMock(t)
	defer cleanup()
	repo := NewResourceRepository(db)

	rows := sqlmock.NewRows([]string{"id", "school_id", "kind", "name", "max_capacity", "current_occupancy", "fee_amount", "created_at", "updated_at"}).
		AddRow("res-1", "sch-1", "CLASS_SECTION", "Algebra", 30, 12, int64(0), time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM capacity_resources WHERE id = $1 AND school_id = $2")).
		WithArgs("res-1", "sch-1").
		WillReturnRows(rows)

	resource, err := repo.FindByID(context.Background(), "sch-1", "res-1")
	require.NoError(t, err)
	require.Equal(t, "Algebra", resource.Name)
	require.NotNil(t, resource.MaxCapacity)
	require.Equal(t, 30, *resource.MaxCapacity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepositoryIncrementOccupancyClaimsSeat(t *testing.T) {
	db, mock, cleanup := newResourceRepoMock(t)
	defer cleanup()
	repo := NewResourceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("SET current_occupancy = current_occupancy + 1")).
		WithArgs("res-1", "sch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.IncrementOccupancy(context.Background(), "sch-1", "res-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepositoryIncrementOccupancyFullResource(t *testing.T) {
	db, mock, cleanup := newResourceRepoMock(t)
	defer cleanup()
	repo := NewResourceRepository(db)

	// The conditional WHERE touches no row when occupancy has reached the
	// capacity, which surfaces as zero rows affected, not an error.
	mock.ExpectExec(regexp.QuoteMeta("SET current_occupancy = current_occupancy + 1")).
		WithArgs("res-1", "sch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.IncrementOccupancy(context.Background(), "sch-1", "res-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepositoryDecrementOccupancy(t *testing.T) {
	db, mock, cleanup := newResourceRepoMock(t)
	defer cleanup()
	repo := NewResourceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("SET current_occupancy = GREATEST(current_occupancy - 1, 0)")).
		WithArgs("res-1", "sch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.DecrementOccupancy(context.Background(), "sch-1", "res-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newResourceRepoMock(t)
	defer cleanup()
	repo := NewResourceRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM capacity_resources WHERE id = $1 AND school_id = $2")).
		WithArgs("res-1", "sch-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Delete(context.Background(), "sch-1", "res-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
