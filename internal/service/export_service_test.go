package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/enroll-api/internal/models"
	appErrors "github.com/noah-isme/enroll-api/pkg/errors"
)

type mockRosterStore struct {
	roster []models.Enrollment
}

func (m *mockRosterStore) ListActiveByResource(ctx context.Context, schoolID, resourceID string) ([]models.Enrollment, error) {
	return m.roster, nil
}

func TestExportServiceRosterCSV(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra"})
	roster := &mockRosterStore{roster: []models.Enrollment{
		{StudentID: "stu-1", EnrolledAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), PaymentStatus: models.PaymentStatusPending, AmountDue: 5000},
		{StudentID: "stu-2", EnrolledAt: time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC), PaymentStatus: models.PaymentStatusConfirmed, AmountDue: 5000, AmountPaid: 5000},
	}}
	svc := NewExportService(resources, roster, zap.NewNop())

	result, err := svc.Roster(context.Background(), adminClaims(), "res-1", "csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", result.ContentType)
	assert.True(t, strings.HasSuffix(result.Filename, ".csv"))

	content := string(result.Content)
	assert.Contains(t, content, "student_id,enrolled_at,payment_status,amount_due,amount_paid")
	assert.Contains(t, content, "stu-1")
	assert.Contains(t, content, "CONFIRMED")
}

func TestExportServiceRosterPDF(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra"})
	roster := &mockRosterStore{roster: []models.Enrollment{
		{StudentID: "stu-1", EnrolledAt: time.Now(), PaymentStatus: models.PaymentStatusNotRequired},
	}}
	svc := NewExportService(resources, roster, zap.NewNop())

	result, err := svc.Roster(context.Background(), adminClaims(), "res-1", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.NotEmpty(t, result.Content)
}

func TestExportServiceRosterUnknownFormat(t *testing.T) {
	resources := newMockResourceStore(&models.CapacityResource{ID: "res-1", SchoolID: "sch-1", Name: "Algebra"})
	svc := NewExportService(resources, &mockRosterStore{}, zap.NewNop())

	_, err := svc.Roster(context.Background(), adminClaims(), "res-1", "xlsx")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestExportServiceRosterUnknownResource(t *testing.T) {
	svc := NewExportService(newMockResourceStore(), &mockRosterStore{}, zap.NewNop())

	_, err := svc.Roster(context.Background(), adminClaims(), "missing", "csv")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
