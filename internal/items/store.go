package items

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/aws"
)

// Attributes written next to the user's attributes on every managed item.
const (
	attrRequestID = "cfn_request_id"
	attrUpdatedAt = "cfn_updated_at"
)

var (
	// ErrAlreadyExists means Create found an item written by another request.
	ErrAlreadyExists = errors.New("item already exists")
	// ErrNotFound means Update found no item to update.
	ErrNotFound = errors.New("item not found")
)

// Store writes managed items into arbitrary DynamoDB tables.
type Store struct {
	client  aws.DynamoDBAPI
	nowFunc func() time.Time
}

// NewStore creates a new items Store.
func NewStore(client aws.DynamoDBAPI) *Store {
	return &Store{
		client:  client,
		nowFunc: time.Now,
	}
}

// Create writes the item unless the row already exists. A row written by the
// same requestID counts as ours, so a re-invoked Create succeeds.
func (s *Store) Create(ctx context.Context, item Item, requestID string) error {
	err := s.put(ctx, item, requestID,
		"attribute_not_exists(#k) OR #rid = :rid",
		map[string]string{"#k": item.KeyName, "#rid": attrRequestID},
		map[string]types.AttributeValue{":rid": &types.AttributeValueMemberS{Value: requestID}},
	)
	if errors.Is(err, errConditionFailed) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, item.PhysicalID())
	}
	return err
}

// Update replaces the attributes of an existing row.
func (s *Store) Update(ctx context.Context, item Item, requestID string) error {
	err := s.put(ctx, item, requestID,
		"attribute_exists(#k)",
		map[string]string{"#k": item.KeyName},
		nil,
	)
	if errors.Is(err, errConditionFailed) {
		return fmt.Errorf("%w: %s", ErrNotFound, item.PhysicalID())
	}
	return err
}

// Get fetches a row. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, item Item) (*Row, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &item.Table,
		Key:            keyOf(item),
		ConsistentRead: &consistentRead,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var attrs map[string]string
	if err := attributevalue.UnmarshalMap(out.Item, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	row := &Row{Attributes: attrs, RequestID: attrs[attrRequestID]}
	if ts, ok := attrs[attrUpdatedAt]; ok {
		// rows written by other tools may carry anything here
		row.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	delete(attrs, item.KeyName)
	delete(attrs, attrRequestID)
	delete(attrs, attrUpdatedAt)
	return row, nil
}

// Delete removes the row. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, item Item) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &item.Table,
		Key:       keyOf(item),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			// table is gone, and the row with it
			return nil
		}
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

var (
	errConditionFailed = errors.New("condition failed")
	consistentRead     = true
)

func (s *Store) put(ctx context.Context, item Item, requestID, condition string, names map[string]string, values map[string]types.AttributeValue) error {
	av, err := attributevalue.MarshalMap(item.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	if av == nil {
		av = map[string]types.AttributeValue{}
	}
	av[item.KeyName] = &types.AttributeValueMemberS{Value: item.Key}
	av[attrRequestID] = &types.AttributeValueMemberS{Value: requestID}
	av[attrUpdatedAt] = &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                 &item.Table,
		Item:                      av,
		ConditionExpression:       &condition,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return errConditionFailed
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func keyOf(item Item) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		item.KeyName: &types.AttributeValueMemberS{Value: item.Key},
	}
}
