package items

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamo stores items per table in a nested map: table -> pkValue -> item map.
// It evaluates only the condition expressions the Store issues.
type mockDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo(tables ...string) *mockDynamo {
	m := &mockDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
	for _, t := range tables {
		m.tables[t] = map[string]map[string]types.AttributeValue{}
	}
	return m
}

func pkValue(m map[string]types.AttributeValue, keyName string) string {
	if v, ok := m[keyName].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[*params.TableName]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	keyName := params.ExpressionAttributeNames["#k"]
	pk := pkValue(params.Item, keyName)
	existing, exists := table[pk]

	switch *params.ConditionExpression {
	case "attribute_not_exists(#k) OR #rid = :rid":
		if exists {
			rid := params.ExpressionAttributeValues[":rid"].(*types.AttributeValueMemberS).Value
			if pkValue(existing, attrRequestID) != rid {
				return nil, &types.ConditionalCheckFailedException{}
			}
		}
	case "attribute_exists(#k)":
		if !exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		return nil, errors.New("unexpected condition " + *params.ConditionExpression)
	}
	table[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[*params.TableName]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	for _, v := range params.Key {
		if item, ok := table[v.(*types.AttributeValueMemberS).Value]; ok {
			return &dyn.GetItemOutput{Item: item}, nil
		}
	}
	return &dyn.GetItemOutput{}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("not used")
}

func (m *mockDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[*params.TableName]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	for _, v := range params.Key {
		delete(table, v.(*types.AttributeValueMemberS).Value)
	}
	return &dyn.DeleteItemOutput{}, nil
}

func TestCreate_GetAndRetry(t *testing.T) {
	mock := newMockDynamo("settings")
	store := NewStore(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 250_000_000, time.UTC)
	store.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	item := ItemFrom(Properties{TableName: "settings", Key: "feature-x", Attributes: map[string]string{"enabled": "true"}})
	if err := store.Create(ctx, item, "req-1"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	// same request again is fine
	if err := store.Create(ctx, item, "req-1"); err != nil {
		t.Fatalf("expected re-invoked create to succeed, got %v", err)
	}

	// a different request must not take over the row
	if err := store.Create(ctx, item, "req-2"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	row, err := store.Get(ctx, item)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(row.Attributes) != 1 || row.Attributes["enabled"] != "true" {
		t.Fatalf("unexpected attributes: %v", row.Attributes)
	}
	if row.RequestID != "req-1" {
		t.Fatalf("expected row owned by req-1, got %q", row.RequestID)
	}
	if !row.UpdatedAt.Equal(now) {
		t.Fatalf("expected updated_at %v, got %v", now, row.UpdatedAt)
	}
	stored := mock.tables["settings"]["feature-x"]
	if pkValue(stored, DefaultKeyName) != "feature-x" || pkValue(stored, attrRequestID) != "req-1" {
		t.Fatalf("unexpected stored item: %v", stored)
	}
}

func TestUpdate_RequiresExistingItem(t *testing.T) {
	mock := newMockDynamo("settings")
	store := NewStore(mock)
	ctx := context.Background()

	item := ItemFrom(Properties{TableName: "settings", KeyName: "id", Key: "a"})
	if err := store.Update(ctx, item, "req-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Create(ctx, item, "req-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	item.Attributes = map[string]string{"color": "blue"}
	if err := store.Update(ctx, item, "req-2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	row, _ := store.Get(ctx, item)
	if row.Attributes["color"] != "blue" || row.RequestID != "req-2" {
		t.Fatalf("expected row rewritten by req-2, got %+v", row)
	}
}

func TestDelete(t *testing.T) {
	mock := newMockDynamo("settings")
	store := NewStore(mock)
	ctx := context.Background()

	item := ItemFrom(Properties{TableName: "settings", Key: "gone"})
	if err := store.Create(ctx, item, "req-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, item); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if row, _ := store.Get(ctx, item); row != nil {
		t.Fatalf("expected item to be deleted, got %+v", row)
	}

	// missing row and missing table are both fine
	if err := store.Delete(ctx, item); err != nil {
		t.Fatalf("delete missing row: %v", err)
	}
	if err := store.Delete(ctx, Item{Table: "dropped", KeyName: "pk", Key: "x"}); err != nil {
		t.Fatalf("delete from missing table: %v", err)
	}
}

func TestPhysicalID_RoundTrip(t *testing.T) {
	item := ItemFrom(Properties{TableName: "settings", Key: "path/with/slashes"})
	if item.PhysicalID() != "settings/pk/path/with/slashes" {
		t.Fatalf("unexpected physical id: %s", item.PhysicalID())
	}

	parsed, err := ParsePhysicalID(item.PhysicalID())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.SameTarget(item) {
		t.Fatalf("round trip mismatch: %+v vs %+v", parsed, item)
	}

	for _, bad := range []string{"", "settings", "settings/pk", "/pk/key", "MyRes-6f1e2c7a"} {
		if _, err := ParsePhysicalID(bad); !errors.Is(err, ErrBadPhysicalID) {
			t.Fatalf("expected ErrBadPhysicalID for %q, got %v", bad, err)
		}
	}
}
