package models

import "time"

// ResourceKind distinguishes the two flavours of capacity-bounded resources.
type ResourceKind string

const (
	ResourceKindClassSection ResourceKind = "CLASS_SECTION"
	ResourceKindActivity     ResourceKind = "ACTIVITY"
)

// CapacityResource is a class section or extracurricular activity with a
// bounded number of concurrently active enrollments. MaxCapacity nil means
// unbounded. CurrentOccupancy is mutated only through the capacity ledger;
// no other component writes it.
type CapacityResource struct {
	ID               string       `db:"id" json:"id"`
	SchoolID         string       `db:"school_id" json:"school_id"`
	Kind             ResourceKind `db:"kind" json:"kind"`
	Name             string       `db:"name" json:"name"`
	MaxCapacity      *int         `db:"max_capacity" json:"max_capacity,omitempty"`
	CurrentOccupancy int          `db:"current_occupancy" json:"current_occupancy"`
	FeeAmount        int64        `db:"fee_amount" json:"fee_amount"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updated_at"`
}

// Unbounded reports whether the resource has no capacity limit.
func (r *CapacityResource) Unbounded() bool {
	return r.MaxCapacity == nil
}

// ResourceFilter defines filter criteria for listing resources.
type ResourceFilter struct {
	Kind      ResourceKind
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// OccupancySnapshot is the read-side view of a resource's seat usage.
type OccupancySnapshot struct {
	ResourceID       string `json:"resource_id"`
	MaxCapacity      *int   `json:"max_capacity,omitempty"`
	CurrentOccupancy int    `json:"current_occupancy"`
	Available        *int   `json:"available,omitempty"`
}

// NewOccupancySnapshot derives the snapshot from a resource row.
func NewOccupancySnapshot(r *CapacityResource) OccupancySnapshot {
	snap := OccupancySnapshot{
		ResourceID:       r.ID,
		MaxCapacity:      r.MaxCapacity,
		CurrentOccupancy: r.CurrentOccupancy,
	}
	if r.MaxCapacity != nil {
		available := *r.MaxCapacity - r.CurrentOccupancy
		if available < 0 {
			available = 0
		}
		snap.Available = &available
	}
	return snap
}
