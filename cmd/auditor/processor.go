package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/aws"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/idempotency"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/items"
)

// Auditor checks managed table items against the lifecycle notifications the
// provider publishes after each callback.
type Auditor struct {
	items    *items.Store
	removals *idempotency.Store
	metrics  *aws.Metrics
	log      *zap.Logger
}

// NewAuditor creates an Auditor. removals and metrics may be nil. Without
// removals a Create or Update whose item has since disappeared cannot be told
// apart from a later Delete and is skipped.
func NewAuditor(store *items.Store, removals *idempotency.Store, metrics *aws.Metrics, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{items: store, removals: removals, metrics: metrics, log: log}
}

// Handle receives an SQS batch. Messages that could not be checked are
// reported as batch item failures so only they are redelivered.
func (a *Auditor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		o, err := a.processMessage(ctx, rec)
		if err != nil {
			a.log.Error("audit failed", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		a.log.Debug("audited notification", zap.String("message_id", rec.MessageId), zap.Stringer("outcome", o))
	}
	return resp, nil
}

func (a *Auditor) processMessage(ctx context.Context, rec events.SQSMessage) (outcome, error) {
	var n aws.LifecycleNotification
	if err := json.Unmarshal([]byte(rec.Body), &n); err != nil {
		return outcomeSkipped, fmt.Errorf("invalid message body: %w", err)
	}

	log := a.log.With(
		zap.String("request_id", n.RequestID),
		zap.String("request_type", n.RequestType),
		zap.String("logical_resource_id", n.LogicalResourceID),
		zap.String("physical_resource_id", n.PhysicalResourceID),
	)

	if n.ResourceType != items.ResourceType {
		return outcomeSkipped, nil
	}
	if !n.Delivered {
		log.Warn("callback was never delivered; the stack operation will time out")
		return outcomeSkipped, nil
	}
	if n.Status != string(cfn.StatusSuccess) {
		return outcomeSkipped, nil
	}

	deleted := n.RequestType == string(cfn.RequestDelete)
	item, err := items.ParsePhysicalID(n.PhysicalResourceID)
	if err != nil {
		if deleted {
			return outcomeSkipped, nil
		}
		log.Error("successful request reported a foreign physical id")
		return a.drift(ctx, n), nil
	}

	row, err := a.items.Get(ctx, item)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to fetch item: %w", err)
	}

	if deleted {
		if row == nil {
			return outcomeConsistent, nil
		}
		if !n.HandledAt.IsZero() && row.UpdatedAt.After(n.HandledAt) {
			log.Debug("item was written again after the delete", zap.String("owner", row.RequestID))
			return outcomeConsistent, nil
		}
		log.Error("item drifted from the reported state", zap.Bool("exists", true))
		return a.drift(ctx, n), nil
	}

	if row != nil {
		// a successful Create or Update left the row owned by this request;
		// any other owner wrote it later
		if row.RequestID != n.RequestID {
			log.Debug("item was rewritten by a later request", zap.String("owner", row.RequestID))
		}
		return outcomeConsistent, nil
	}

	if a.removals == nil {
		log.Warn("item is gone and removals are not tracked, skipping")
		return outcomeSkipped, nil
	}
	removedAt, err := a.removals.RemovedAt(ctx, n.PhysicalResourceID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to look up removal: %w", err)
	}
	if !removedAt.IsZero() && !removedAt.Before(n.HandledAt) {
		log.Info("item was deleted by a later request", zap.Time("removed_at", removedAt))
		return outcomeSkipped, nil
	}
	log.Error("item drifted from the reported state", zap.Bool("exists", false))
	return a.drift(ctx, n), nil
}

func (a *Auditor) drift(ctx context.Context, n aws.LifecycleNotification) outcome {
	if a.metrics != nil {
		if err := a.metrics.RecordDrift(ctx, n.ResourceType, n.RequestType); err != nil {
			a.log.Warn("failed to record drift metric", zap.Error(err))
		}
	}
	return outcomeDrift
}
