package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/customresource"
)

// fakeDynamo is an in-memory set of tables (table -> key value -> item). It
// evaluates the condition and update expressions issued by the items and
// idempotency stores.
type fakeDynamo struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]types.AttributeValue
	putCalls map[string]int
}

func newFakeDynamo(tables ...string) *fakeDynamo {
	f := &fakeDynamo{
		tables:   map[string]map[string]map[string]types.AttributeValue{},
		putCalls: map[string]int{},
	}
	for _, t := range tables {
		f.tables[t] = map[string]map[string]types.AttributeValue{}
	}
	return f
}

func strAttr(m map[string]types.AttributeValue, name string) string {
	if v, ok := m[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func singleKey(key map[string]types.AttributeValue) string {
	for _, v := range key {
		return v.(*types.AttributeValueMemberS).Value
	}
	return ""
}

func (f *fakeDynamo) table(name *string) (map[string]map[string]types.AttributeValue, error) {
	t, ok := f.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return t, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	f.putCalls[*params.TableName]++

	keyName := "request_id"
	if n, ok := params.ExpressionAttributeNames["#k"]; ok {
		keyName = n
	}
	k := strAttr(params.Item, keyName)
	existing, exists := t[k]

	var condition string
	if params.ConditionExpression != nil {
		condition = *params.ConditionExpression
	}
	switch condition {
	case "":
	case "attribute_not_exists(request_id)":
		if exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case "attribute_not_exists(#k) OR #rid = :rid":
		rid := params.ExpressionAttributeValues[":rid"].(*types.AttributeValueMemberS).Value
		if exists && strAttr(existing, params.ExpressionAttributeNames["#rid"]) != rid {
			return nil, &types.ConditionalCheckFailedException{}
		}
	case "attribute_exists(#k)":
		if !exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	default:
		return nil, errors.New("unexpected condition " + condition)
	}
	t[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: t[singleKey(params.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	k := singleKey(params.Key)
	item, ok := t[k]
	if !ok {
		return nil, errors.New("item not found")
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "#s = :expected" {
		if strAttr(item, "status") != params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	expr := strings.TrimPrefix(*params.UpdateExpression, "SET ")
	for _, assign := range strings.Split(expr, ",") {
		parts := strings.SplitN(assign, "=", 2)
		name := strings.TrimSpace(parts[0])
		if n, ok := params.ExpressionAttributeNames[name]; ok {
			name = n
		}
		item[name] = params.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
	}
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	delete(t, singleKey(params.Key))
	return &dyn.DeleteItemOutput{}, nil
}

type fakeSQS struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

type fakeCloudWatch struct {
	mu      sync.Mutex
	metrics []string
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range params.MetricData {
		f.metrics = append(f.metrics, *d.MetricName)
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// callbackServer records every envelope PUT to it and answers with status.
type callbackServer struct {
	*httptest.Server
	mu        sync.Mutex
	status    int
	envelopes []customresource.Envelope
}

func newCallbackServer(t *testing.T) *callbackServer {
	t.Helper()
	cs := &callbackServer{status: http.StatusOK}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env customresource.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			t.Errorf("callback body is not an envelope: %v", err)
		}
		cs.mu.Lock()
		cs.envelopes = append(cs.envelopes, env)
		status := cs.status
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *callbackServer) setStatus(status int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.status = status
}

func (cs *callbackServer) last(t *testing.T) customresource.Envelope {
	t.Helper()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.envelopes) == 0 {
		t.Fatal("no callback received")
	}
	return cs.envelopes[len(cs.envelopes)-1]
}

func (cs *callbackServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.envelopes)
}

// cfnEvent renders a CloudFormation request for the TableItem resource.
func cfnEvent(t *testing.T, requestType, requestID, responseURL string, props map[string]any, extra map[string]any) json.RawMessage {
	t.Helper()
	ev := map[string]any{
		"RequestType":        requestType,
		"ServiceToken":       "arn:aws:lambda:us-east-1:123456789012:function:table-item",
		"ResponseURL":        responseURL,
		"StackId":            "arn:aws:cloudformation:us-east-1:123456789012:stack/app/1",
		"RequestId":          requestID,
		"ResourceType":       "Custom::TableItem",
		"LogicalResourceId":  "FeatureFlag",
		"ResourceProperties": props,
	}
	for k, v := range extra {
		ev[k] = v
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}
