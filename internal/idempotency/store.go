package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/aws"
)

// Store records handled CloudFormation requests in DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// ttlWindow: how long a record is kept (CloudFormation gives up on a request after an hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// ErrConditionFailed indicates a conditional write failed
var ErrConditionFailed = errors.New("conditional check failed")

// Begin creates an IN_PROGRESS record for rec.RequestID if none exists.
// rec.LeaseUntil should carry the caller's deadline.
// Returns (true, nil) when created and (false, nil) when the request was seen
// before; the caller should Get the existing record.
func (s *Store) Begin(ctx context.Context, rec RequestRecord) (bool, error) {
	now := s.nowFunc()
	rec.Status = StatusInProgress
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.ttlWindow).Unix()

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(request_id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves a record by request id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, requestID string) (*RequestRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec RequestRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone stores the response that was delivered to CloudFormation.
// Only an IN_PROGRESS record can be completed; otherwise ErrConditionFailed.
func (s *Store) MarkDone(ctx context.Context, requestID, physicalID, responseStatus, reason string) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression:    awsString("SET #s = :done, physical_resource_id = :pid, response_status = :rs, reason = :r, updated_at = :ua"),
		ConditionExpression: awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":     &types.AttributeValueMemberS{Value: StatusDone},
			":expected": &types.AttributeValueMemberS{Value: StatusInProgress},
			":pid":      &types.AttributeValueMemberS{Value: physicalID},
			":rs":       &types.AttributeValueMemberS{Value: responseStatus},
			":r":        &types.AttributeValueMemberS{Value: reason},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed marks the record FAILED, e.g. when the callback could not be
// delivered, so a re-invocation repeats the work.
func (s *Store) MarkFailed(ctx context.Context, requestID, note string) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression: awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

// Retry moves a FAILED record back to IN_PROGRESS under a new lease. Returns
// ErrConditionFailed if another invocation already picked it up.
func (s *Store) Retry(ctx context.Context, requestID string, leaseUntil time.Time) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression:    awsString("SET #s = :new, updated_at = :ua, lease_until = :lu"),
		ConditionExpression: awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: StatusInProgress},
			":expected": &types.AttributeValueMemberS{Value: StatusFailed},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":lu":       &types.AttributeValueMemberN{Value: strconv.FormatInt(leaseMillis(leaseUntil), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (retry): %w", err)
	}
	return nil
}

// InFlight reports whether rec is IN_PROGRESS under a lease that has not run
// out, i.e. another invocation is still working on it.
func (s *Store) InFlight(rec *RequestRecord) bool {
	return rec.Status == StatusInProgress && rec.LeaseUntil > s.nowFunc().UnixMilli()
}

// RecordRemoval notes that physicalID was deleted by requestID. It is written
// before the delete so a reader that finds the row gone also finds the
// removal.
func (s *Store) RecordRemoval(ctx context.Context, physicalID, requestID string) error {
	now := s.nowFunc()
	item, err := attributevalue.MarshalMap(RequestRecord{
		RequestID:          removalPrefix + physicalID,
		RequestType:        "Delete",
		Status:             StatusDone,
		PhysicalResourceID: physicalID,
		CreatedAt:          now,
		UpdatedAt:          now,
		ExpiresAt:          now.Add(s.ttlWindow).Unix(),
		Note:               "removed by " + requestID,
	})
	if err != nil {
		return fmt.Errorf("marshal removal: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put removal: %w", err)
	}
	return nil
}

// RemovedAt returns when physicalID was last removed, or the zero time if no
// removal is on record.
func (s *Store) RemovedAt(ctx context.Context, physicalID string) (time.Time, error) {
	rec, err := s.Get(ctx, removalPrefix+physicalID)
	if err != nil || rec == nil {
		return time.Time{}, err
	}
	return rec.UpdatedAt, nil
}

func leaseMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// Helpers
func awsString(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }
