package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted per handled request.
const (
	MetricCallbackDelivered = "CallbackDelivered"
	MetricCallbackFailed    = "CallbackFailed"
	MetricCallbackLatency   = "CallbackLatency"
	MetricDriftDetected     = "DriftDetected"
)

// Metrics records callback delivery outcomes in CloudWatch.
type Metrics struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	nowFunc    func() time.Time
}

// NewMetrics returns a Metrics writer for the namespace.
func NewMetrics(cw CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{CloudWatch: cw, Namespace: namespace, nowFunc: time.Now}
}

// RecordDelivery puts one count metric for the outcome and the delivery latency,
// both dimensioned by resource type and request type.
func (m *Metrics) RecordDelivery(ctx context.Context, resourceType, requestType string, delivered bool, latency time.Duration) error {
	name := MetricCallbackDelivered
	if !delivered {
		name = MetricCallbackFailed
	}
	dims := []cwtypes.Dimension{
		{Name: awsString("ResourceType"), Value: awsString(resourceType)},
		{Name: awsString("RequestType"), Value: awsString(requestType)},
	}
	now := m.nowFunc()

	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &m.Namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString(name),
				Dimensions: dims,
				Timestamp:  &now,
				Unit:       cwtypes.StandardUnitCount,
				Value:      float64Ptr(1),
			},
			{
				MetricName: awsString(MetricCallbackLatency),
				Dimensions: dims,
				Timestamp:  &now,
				Unit:       cwtypes.StandardUnitMilliseconds,
				Value:      float64Ptr(float64(latency.Milliseconds())),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

// RecordDrift counts one resource whose live state disagrees with the
// response CloudFormation was given.
func (m *Metrics) RecordDrift(ctx context.Context, resourceType, requestType string) error {
	now := m.nowFunc()
	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &m.Namespace,
		MetricData: []cwtypes.MetricDatum{{
			MetricName: awsString(MetricDriftDetected),
			Dimensions: []cwtypes.Dimension{
				{Name: awsString("ResourceType"), Value: awsString(resourceType)},
				{Name: awsString("RequestType"), Value: awsString(requestType)},
			},
			Timestamp: &now,
			Unit:      cwtypes.StandardUnitCount,
			Value:     float64Ptr(1),
		}},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func float64Ptr(f float64) *float64 { return &f }
