package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	appErrors "github.com/noah-isme/enroll-api/pkg/errors"
	"github.com/noah-isme/enroll-api/pkg/lock"
)

type mockEnrollmentStore struct {
	mu        sync.Mutex
	records   map[string]*models.Enrollment
	seq       int
	createErr error
}

func newMockEnrollmentStore() *mockEnrollmentStore {
	return &mockEnrollmentStore{records: make(map[string]*models.Enrollment)}
}

func (m *mockEnrollmentStore) List(ctx context.Context, schoolID string, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var details []models.EnrollmentDetail
	for _, e := range m.records {
		if e.SchoolID != schoolID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		details = append(details, models.EnrollmentDetail{Enrollment: *e})
	}
	return details, len(details), nil
}

func (m *mockEnrollmentStore) FindByID(ctx context.Context, schoolID, id string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[id]
	if !ok || e.SchoolID != schoolID {
		return nil, sql.ErrNoRows
	}
	copied := *e
	return &copied, nil
}

func (m *mockEnrollmentStore) FindDetailByID(ctx context.Context, schoolID, id string) (*models.EnrollmentDetail, error) {
	enrollment, err := m.FindByID(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	return &models.EnrollmentDetail{Enrollment: *enrollment, ResourceName: "Algebra", ResourceKind: models.ResourceKindClassSection}, nil
}

func (m *mockEnrollmentStore) ExistsActive(ctx context.Context, schoolID, resourceID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.records {
		if e.SchoolID == schoolID && e.ResourceID == resourceID && e.StudentID == studentID && e.Status == models.EnrollmentStatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEnrollmentStore) Create(ctx context.Context, enrollment *models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if enrollment.ID == "" {
		m.seq++
		enrollment.ID = fmt.Sprintf("enr-%d", m.seq)
	}
	copied := *enrollment
	m.records[enrollment.ID] = &copied
	return nil
}

func (m *mockEnrollmentStore) UpdateStatus(ctx context.Context, schoolID, id string, status models.EnrollmentStatus, changedAt time.Time, finalOutcome *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.records[id]; ok && e.SchoolID == schoolID {
		e.Status = status
		e.StatusChangedAt = changedAt
		e.FinalOutcome = finalOutcome
	}
	return nil
}

func (m *mockEnrollmentStore) UpdatePayment(ctx context.Context, schoolID, id string, amountPaid int64, status models.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.records[id]; ok && e.SchoolID == schoolID {
		e.AmountPaid = amountPaid
		e.PaymentStatus = status
	}
	return nil
}

func (m *mockEnrollmentStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func newTestCoordinator(enrollments *mockEnrollmentStore, resources *mockResourceStore) *EnrollmentService {
	ledger := NewCapacityLedger(resources, nil, zap.NewNop())
	return NewEnrollmentService(enrollments, resources, ledger, lock.NewKeyed(), time.Second, nil, nil, nil, nil, zap.NewNop())
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", SchoolID: "sch-1", Role: models.RoleAdmin}
}

func teacherClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "teacher-1", SchoolID: "sch-1", Role: models.RoleTeacher}
}

func TestEnrollClaimsSeatAndDefaultsPayment(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Kind: models.ResourceKindClassSection, Name: "Algebra", MaxCapacity: intPtr(2)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	detail, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, detail.Status)
	assert.Equal(t, models.PaymentStatusNotRequired, detail.PaymentStatus)
	assert.Equal(t, 1, resources.occupancy("res-1"))
}

func TestEnrollFeeBearingResourceStartsPending(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(2), FeeAmount: 15000})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	detail, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, detail.PaymentStatus)
	assert.Equal(t, int64(15000), detail.AmountDue)
	assert.Equal(t, int64(0), detail.AmountPaid)
}

func TestEnrollDuplicateActiveRejected(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	_, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)

	_, err = svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateEnrollment))
	// The duplicate attempt must not leak a reservation.
	assert.Equal(t, 1, resources.occupancy("res-1"))
}

func TestEnrollFullResourceRejected(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(1), CurrentOccupancy: 1})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	_, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-9"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrCapacityExceeded))
	assert.Equal(t, 0, enrollments.count())
}

func TestEnrollConcurrentFillsExactlyToCapacity(t *testing.T) {
	const capacity = 2
	const attempts = 6

	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(capacity)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	students := []string{"stu-1", "stu-2", "stu-3", "stu-4", "stu-5", "stu-6"}
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for _, student := range students {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: id})
			results <- err
		}(student)
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case appErrors.Is(err, appErrors.ErrCapacityExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, capacity, succeeded)
	assert.Equal(t, attempts-capacity, rejected)
	assert.Equal(t, capacity, resources.occupancy("res-1"))
	assert.Equal(t, capacity, enrollments.count())
}

func TestEnrollRollsBackReservationOnInsertFailure(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(2)})
	enrollments := newMockEnrollmentStore()
	enrollments.createErr = sql.ErrConnDone
	svc := newTestCoordinator(enrollments, resources)

	_, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.Error(t, err)
	assert.Equal(t, 0, resources.occupancy("res-1"))
	assert.Equal(t, 0, enrollments.count())
}

func TestChangeStatusDropReleasesSeatForNextStudent(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(1)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	first, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)

	_, err = svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-2"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrCapacityExceeded))

	dropped, err := svc.ChangeStatus(context.Background(), adminClaims(), first.ID, ChangeStatusRequest{Status: models.EnrollmentStatusDropped})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusDropped, dropped.Status)
	assert.Equal(t, 0, resources.occupancy("res-1"))

	second, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-2"})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, second.Status)
	assert.Equal(t, 1, resources.occupancy("res-1"))
}

func TestChangeStatusCompletionKeepsSeatCounted(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	created, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)

	outcome := "passed"
	completed, err := svc.ChangeStatus(context.Background(), teacherClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusCompleted, FinalOutcome: &outcome})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, completed.Status)
	require.NotNil(t, completed.FinalOutcome)
	assert.Equal(t, "passed", *completed.FinalOutcome)
	assert.Equal(t, 1, resources.occupancy("res-1"))
}

func TestChangeStatusTerminalStateIsFinal(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	created, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)
	_, err = svc.ChangeStatus(context.Background(), adminClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusDropped})
	require.NoError(t, err)

	_, err = svc.ChangeStatus(context.Background(), adminClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusCompleted})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
	// A rejected transition must not touch the ledger again.
	assert.Equal(t, 0, resources.occupancy("res-1"))
}

func TestChangeStatusReactivationRejected(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	created, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)

	_, err = svc.ChangeStatus(context.Background(), adminClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusActive})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidTransition))
}

func TestChangeStatusWithdrawRequiresAdmin(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	created, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)

	_, err = svc.ChangeStatus(context.Background(), teacherClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusWithdrawn})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	withdrawn, err := svc.ChangeStatus(context.Background(), adminClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusWithdrawn})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, withdrawn.Status)
	assert.Equal(t, 0, resources.occupancy("res-1"))
}

func TestChangeStatusFinalOutcomeOnlyOnCompletion(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	created, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)

	outcome := "passed"
	_, err = svc.ChangeStatus(context.Background(), adminClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusDropped, FinalOutcome: &outcome})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestReEnrollAfterWithdrawalCreatesNewRecord(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(5)})
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	first, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)
	_, err = svc.ChangeStatus(context.Background(), adminClaims(), first.ID, ChangeStatusRequest{Status: models.EnrollmentStatusWithdrawn})
	require.NoError(t, err)

	second, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, enrollments.count())
	assert.Equal(t, 1, resources.occupancy("res-1"))

	// The withdrawn record stays terminal and untouched.
	old, err := enrollments.FindByID(context.Background(), "sch-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusWithdrawn, old.Status)
}

func TestEnrollUnknownResource(t *testing.T) {
	resources := newMockResourceStore()
	enrollments := newMockEnrollmentStore()
	svc := newTestCoordinator(enrollments, resources)

	_, err := svc.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "missing", StudentID: "stu-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestPaidEnrollmentCompletionAndRefundFlow(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", MaxCapacity: intPtr(2), FeeAmount: 5000})
	enrollments := newMockEnrollmentStore()
	locks := lock.NewKeyed()
	ledger := NewCapacityLedger(resources, nil, zap.NewNop())
	coordinator := NewEnrollmentService(enrollments, resources, ledger, locks, time.Second, nil, nil, nil, nil, zap.NewNop())
	payments := NewPaymentService(enrollments, locks, time.Second, nil, zap.NewNop())

	created, err := coordinator.Enroll(context.Background(), adminClaims(), EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, created.PaymentStatus)

	paid, err := payments.RecordPayment(context.Background(), adminClaims(), created.ID, RecordPaymentRequest{Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, paid.PaymentStatus)

	completed, err := coordinator.ChangeStatus(context.Background(), adminClaims(), created.ID, ChangeStatusRequest{Status: models.EnrollmentStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, completed.Status)
	assert.Equal(t, 1, resources.occupancy("res-1"))

	refunded, err := payments.Refund(context.Background(), adminClaims(), created.ID, RefundRequest{Amount: 5000})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.PaymentStatus)
	assert.Equal(t, models.EnrollmentStatusCompleted, refunded.Status)
	assert.Equal(t, 1, resources.occupancy("res-1"))
}

func TestEnrollRequiresClaims(t *testing.T) {
	svc := newTestCoordinator(newMockEnrollmentStore(), newMockResourceStore())

	_, err := svc.Enroll(context.Background(), nil, EnrollRequest{ResourceID: "res-1", StudentID: "stu-1"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
