package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enroll-api/internal/models"
)

// ResourceRepository handles persistence of capacity-bounded resources.
type ResourceRepository struct {
	db *sqlx.DB
}

// NewResourceRepository constructs the repository.
func NewResourceRepository(db *sqlx.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// List returns resources filtered by the provided criteria.
func (r *ResourceRepository) List(ctx context.Context, schoolID string, filter models.ResourceFilter) ([]models.CapacityResource, int, error) {
	base := "FROM capacity_resources r"
	conditions := []string{"r.school_id = $1"}
	args := []interface{}{schoolID}

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("r.kind = $%d", len(args)+1))
		args = append(args, filter.Kind)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("r.name ILIKE $%d", len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := " WHERE " + strings.Join(conditions, " AND ")

	allowedSorts := map[string]string{
		"name":       "r.name",
		"created_at": "r.created_at",
		"occupancy":  "r.current_occupancy",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "r.name"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
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

	query := fmt.Sprintf(`SELECT r.id, r.school_id, r.kind, r.name, r.max_capacity, r.current_occupancy, r.fee_amount, r.created_at, r.updated_at
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var resources []models.CapacityResource
	if err := r.db.SelectContext(ctx, &resources, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list resources: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}
	return resources, total, nil
}

// FindByID returns a resource by its ID scoped to the school.
func (r *ResourceRepository) FindByID(ctx context.Context, schoolID, id string) (*models.CapacityResource, error) {
	const query = `SELECT id, school_id, kind, name, max_capacity, current_occupancy, fee_amount, created_at, updated_at
        FROM capacity_resources WHERE id = $1 AND school_id = $2`
	var resource models.CapacityResource
	if err := r.db.GetContext(ctx, &resource, query, id, schoolID); err != nil {
		return nil, err
	}
	return &resource, nil
}

// Create persists a new resource.
func (r *ResourceRepository) Create(ctx context.Context, resource *models.CapacityResource) error {
	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = now
	}
	resource.UpdatedAt = now
	const query = `INSERT INTO capacity_resources (id, school_id, kind, name, max_capacity, current_occupancy, fee_amount, created_at, updated_at)
        VALUES (:id, :school_id, :kind, :name, :max_capacity, :current_occupancy, :fee_amount, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, resource); err != nil {
		return fmt.Errorf("create resource: %w", err)
	}
	return nil
}

// Update persists mutable resource attributes.
func (r *ResourceRepository) Update(ctx context.Context, resource *models.CapacityResource) error {
	resource.UpdatedAt = time.Now().UTC()
	const query = `UPDATE capacity_resources SET name = :name, max_capacity = :max_capacity, fee_amount = :fee_amount, updated_at = :updated_at
        WHERE id = :id AND school_id = :school_id`
	if _, err := r.db.NamedExecContext(ctx, query, resource); err != nil {
		return fmt.Errorf("update resource: %w", err)
	}
	return nil
}

// Delete removes a resource row. The service layer guarantees no active
// enrollments reference it.
func (r *ResourceRepository) Delete(ctx context.Context, schoolID, id string) error {
	const query = `DELETE FROM capacity_resources WHERE id = $1 AND school_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, schoolID); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

// IncrementOccupancy atomically claims one seat. The conditional WHERE is
// the storage primitive the occupancy invariant rests on: the row is only
// touched while occupancy is strictly below capacity, so two racing
// increments can never both succeed past the limit. Returns false when the
// resource is full or missing.
func (r *ResourceRepository) IncrementOccupancy(ctx context.Context, schoolID, id string) (bool, error) {
	const query = `UPDATE capacity_resources
        SET current_occupancy = current_occupancy + 1, updated_at = $3
        WHERE id = $1 AND school_id = $2
        AND (max_capacity IS NULL OR current_occupancy < max_capacity)`
	res, err := r.db.ExecContext(ctx, query, id, schoolID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("increment occupancy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment occupancy rows: %w", err)
	}
	return affected > 0, nil
}

// DecrementOccupancy atomically returns one seat, floored at zero.
func (r *ResourceRepository) DecrementOccupancy(ctx context.Context, schoolID, id string) error {
	const query = `UPDATE capacity_resources
        SET current_occupancy = GREATEST(current_occupancy - 1, 0), updated_at = $3
        WHERE id = $1 AND school_id = $2`
	if _, err := r.db.ExecContext(ctx, query, id, schoolID, time.Now().UTC()); err != nil {
		return fmt.Errorf("decrement occupancy: %w", err)
	}
	return nil
}
