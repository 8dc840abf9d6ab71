package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// LifecycleNotification describes one handled custom resource request.
type LifecycleNotification struct {
	RequestType        string    `json:"request_type"`
	RequestID          string    `json:"request_id"`
	StackID            string    `json:"stack_id"`
	LogicalResourceID  string    `json:"logical_resource_id"`
	ResourceType       string    `json:"resource_type"`
	PhysicalResourceID string    `json:"physical_resource_id"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	Delivered          bool      `json:"delivered"`
	HandledAt          time.Time `json:"handled_at"` // when the work finished and the callback was sent
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// Publish sends n as a JSON message. Request type and status are copied into
// message attributes so subscribers can filter without parsing the body.
func (p *Publisher) Publish(ctx context.Context, n LifecycleNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: awsString(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"request_type": {DataType: awsString("String"), StringValue: awsString(n.RequestType)},
			"status":       {DataType: awsString("String"), StringValue: awsString(n.Status)},
			"stack_id":     {DataType: awsString("String"), StringValue: awsString(n.StackID)},
		},
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
