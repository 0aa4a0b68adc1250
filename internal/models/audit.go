package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionResourceCreate   = "RESOURCE_CREATE"
	AuditActionResourceUpdate   = "RESOURCE_UPDATE"
	AuditActionResourceDelete   = "RESOURCE_DELETE"
	AuditActionEnroll           = "ENROLLMENT_CREATE"
	AuditActionEnrollmentStatus = "ENROLLMENT_STATUS_CHANGE"
	AuditActionPaymentRecord    = "PAYMENT_RECORD"
	AuditActionPaymentWaive     = "PAYMENT_WAIVE"
	AuditActionPaymentRefund    = "PAYMENT_REFUND"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	SchoolID   string    `db:"school_id" json:"school_id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
