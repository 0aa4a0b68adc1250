package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Enrollment & Capacity API",
        "description": "Enrollment and capacity reservation engine for school resources",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Resources", "description": "Capacity-bounded resources (class sections, activities)"},
        {"name": "Enrollments", "description": "Enrollment lifecycle and seat reservation"},
        {"name": "Payments", "description": "Fee tracking on enrollments"}
    ],
    "paths": {
        "/resources": {
            "get": {
                "tags": ["Resources"],
                "summary": "List capacity-bounded resources",
                "parameters": [
                    {"name": "kind", "in": "query", "type": "string", "enum": ["CLASS_SECTION", "ACTIVITY"]},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Resources"],
                "summary": "Create resource",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateResourceRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/resources/{id}": {
            "get": {
                "tags": ["Resources"],
                "summary": "Get resource",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Resources"],
                "summary": "Update resource",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateResourceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "412": {"description": "Capacity below current occupancy", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Resources"],
                "summary": "Delete resource with no active enrollments",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "412": {"description": "Resource still has active enrollments", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/resources/{id}/occupancy": {
            "get": {
                "tags": ["Resources"],
                "summary": "Get seat usage snapshot",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/resources/{id}/roster/export": {
            "get": {
                "tags": ["Resources"],
                "summary": "Export active roster",
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "File attachment"}
                }
            }
        },
        "/enrollments": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "List enrollments",
                "parameters": [
                    {"name": "resourceId", "in": "query", "type": "string"},
                    {"name": "studentId", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string", "enum": ["ACTIVE", "COMPLETED", "DROPPED", "WITHDRAWN"]},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "sort", "in": "query", "type": "string"},
                    {"name": "order", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Enrollments"],
                "summary": "Enroll a student into a resource",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EnrollRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "CAPACITY_EXCEEDED or DUPLICATE_ACTIVE_ENROLLMENT", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}": {
            "get": {
                "tags": ["Enrollments"],
                "summary": "Get enrollment detail",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}/status": {
            "patch": {
                "tags": ["Enrollments"],
                "summary": "Transition enrollment lifecycle status",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ChangeStatusRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "INVALID_TRANSITION", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}/payments": {
            "post": {
                "tags": ["Payments"],
                "summary": "Record a payment",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RecordPaymentRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "PAYMENT_INVARIANT", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}/payments/waive": {
            "post": {
                "tags": ["Payments"],
                "summary": "Waive an enrollment fee",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "PAYMENT_INVARIANT", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/enrollments/{id}/payments/refund": {
            "post": {
                "tags": ["Payments"],
                "summary": "Refund a confirmed payment",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RefundRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "PAYMENT_INVARIANT", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CapacityResource": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "school_id": {"type": "string"},
                "kind": {"type": "string", "enum": ["CLASS_SECTION", "ACTIVITY"]},
                "name": {"type": "string"},
                "max_capacity": {"type": "integer", "x-nullable": true},
                "current_occupancy": {"type": "integer"},
                "fee_amount": {"type": "integer"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "OccupancySnapshot": {
            "type": "object",
            "properties": {
                "resource_id": {"type": "string"},
                "max_capacity": {"type": "integer", "x-nullable": true},
                "current_occupancy": {"type": "integer"},
                "available": {"type": "integer", "x-nullable": true}
            }
        },
        "EnrollmentDetail": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "school_id": {"type": "string"},
                "resource_id": {"type": "string"},
                "student_id": {"type": "string"},
                "status": {"type": "string", "enum": ["ACTIVE", "COMPLETED", "DROPPED", "WITHDRAWN"]},
                "reservation_id": {"type": "string"},
                "enrolled_at": {"type": "string"},
                "status_changed_at": {"type": "string"},
                "final_outcome": {"type": "string", "x-nullable": true},
                "amount_due": {"type": "integer"},
                "amount_paid": {"type": "integer"},
                "payment_status": {"type": "string", "enum": ["NOT_REQUIRED", "PENDING", "CONFIRMED", "WAIVED", "REFUNDED"]},
                "resource_name": {"type": "string"},
                "resource_kind": {"type": "string"}
            }
        },
        "CreateResourceRequest": {
            "type": "object",
            "properties": {
                "kind": {"type": "string", "enum": ["CLASS_SECTION", "ACTIVITY"]},
                "name": {"type": "string"},
                "max_capacity": {"type": "integer", "x-nullable": true},
                "fee_amount": {"type": "integer"}
            },
            "required": ["kind", "name"]
        },
        "UpdateResourceRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "max_capacity": {"type": "integer", "x-nullable": true},
                "fee_amount": {"type": "integer"}
            },
            "required": ["name"]
        },
        "EnrollRequest": {
            "type": "object",
            "properties": {
                "resource_id": {"type": "string"},
                "student_id": {"type": "string"}
            },
            "required": ["resource_id", "student_id"]
        },
        "ChangeStatusRequest": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["COMPLETED", "DROPPED", "WITHDRAWN"]},
                "final_outcome": {"type": "string", "x-nullable": true}
            },
            "required": ["status"]
        },
        "RecordPaymentRequest": {
            "type": "object",
            "properties": {
                "amount": {"type": "integer"}
            },
            "required": ["amount"]
        },
        "RefundRequest": {
            "type": "object",
            "properties": {
                "amount": {"type": "integer"}
            },
            "required": ["amount"]
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
