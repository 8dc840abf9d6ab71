package idempotency

import "time"

// Status values for request records
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// removalPrefix keys removal records, which share the table with request
// records.
const removalPrefix = "removed#"

// RequestRecord is the shape persisted per CloudFormation RequestId. It pins
// the physical resource id chosen on the first attempt so a re-invoked
// request answers with the same id.
type RequestRecord struct {
	RequestID          string    `dynamodbav:"request_id"` // PK
	StackID            string    `dynamodbav:"stack_id"`
	LogicalResourceID  string    `dynamodbav:"logical_resource_id"`
	RequestType        string    `dynamodbav:"request_type"`
	Status             string    `dynamodbav:"status"`
	PhysicalResourceID string    `dynamodbav:"physical_resource_id,omitempty"`
	ResponseStatus     string    `dynamodbav:"response_status,omitempty"` // SUCCESS | FAILED as sent to CloudFormation
	Reason             string    `dynamodbav:"reason,omitempty"`
	CreatedAt          time.Time `dynamodbav:"created_at"`
	UpdatedAt          time.Time `dynamodbav:"updated_at"`
	ExpiresAt          int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	LeaseUntil         int64     `dynamodbav:"lease_until,omitempty"` // epoch ms the owning invocation may run until
	Note               string    `dynamodbav:"note,omitempty"`
}
