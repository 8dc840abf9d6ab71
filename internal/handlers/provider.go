package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/aws"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/customresource"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/idempotency"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/items"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/validation"
)

// ProviderConfig groups dependencies for the custom resource provider.
// Requests, Publisher and Metrics are optional.
type ProviderConfig struct {
	HTTPClient      customresource.HTTPClient
	Items           *items.Store
	Requests        *idempotency.Store
	Publisher       *aws.Publisher
	Metrics         *aws.Metrics
	Validator       *validatorv10.Validate
	CallbackTimeout time.Duration
	Logger          *zap.Logger
}

// Provider serves Custom::TableItem requests.
type Provider struct {
	cfg ProviderConfig
	log *zap.Logger
}

// NewProvider creates a Provider.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{cfg: cfg, log: log}
}

// responder is implemented by every parsed request variant.
type responder interface {
	RespondWithSuccess(data map[string]any) *customresource.Response
	RespondWithFailure(reason string) *customresource.Response
}

// Handle is the Lambda entry point. It returns an error only when no callback
// reached CloudFormation, so the Lambda runtime can retry the invocation.
func (p *Provider) Handle(ctx context.Context, raw json.RawMessage) error {
	ev, err := customresource.Parse[items.Properties](raw, customresource.WithValidator(p.cfg.Validator))
	if err != nil {
		return p.handleMalformed(ctx, raw, err)
	}

	common := ev.Common()
	log := p.requestLogger(ctx, common, ev.RequestType())
	log.Info("received custom resource request")

	tracked := p.cfg.Requests != nil
	if tracked {
		rec, err := p.begin(ctx, ev)
		if errors.Is(err, errInFlight) {
			// the owning invocation sends the callback
			log.Info("request is being handled by another invocation",
				zap.Time("lease_until", time.UnixMilli(rec.LeaseUntil)),
			)
			return nil
		}
		if err != nil {
			// physical ids are derived from the properties, so the request can still be answered
			log.Warn("idempotency check failed, handling request untracked", zap.Error(err))
			tracked = false
		} else if rec != nil && rec.Status == idempotency.StatusDone {
			log.Info("request already handled, replaying response",
				zap.String("physical_resource_id", rec.PhysicalResourceID),
				zap.String("status", rec.ResponseStatus),
			)
			return p.deliver(ctx, log, ev, p.replay(ev, rec), true)
		}
	}

	resp := p.run(ctx, log, ev)
	return p.deliver(ctx, log, ev, resp, tracked)
}

// run executes the resource logic with time left for the callback.
func (p *Provider) run(ctx context.Context, log *zap.Logger, ev customresource.Event[items.Properties]) (resp *customresource.Response) {
	workCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithDeadline(ctx, deadline.Add(-p.cfg.CallbackTimeout))
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("resource handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			resp = ev.(responder).RespondWithFailure(fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch e := ev.(type) {
	case *customresource.Create[items.Properties]:
		return p.create(workCtx, e)
	case *customresource.Update[items.Properties]:
		data, err := p.update(workCtx, log, e.PhysicalResourceID, e.RequestID, e.ResourceProperties)
		return respondUpdate(e, data, err, e.ResourceProperties)
	case *customresource.Delete[items.Properties]:
		return e.RespondWith(p.deleteByPhysicalID(workCtx, log, e.PhysicalResourceID, e.RequestID))
	default:
		return ev.(responder).RespondWithFailure(fmt.Sprintf("unsupported request type %s", ev.RequestType()))
	}
}

func (p *Provider) create(ctx context.Context, e *customresource.Create[items.Properties]) *customresource.Response {
	item := items.ItemFrom(e.ResourceProperties)
	if err := p.cfg.Items.Create(ctx, item, e.RequestID); err != nil {
		return e.RespondWithFailure(err.Error())
	}
	return e.RespondWithSuccess(successData(item)).
		WithPhysicalResourceID(item.PhysicalID()).
		WithNoEcho(e.ResourceProperties.NoEcho == "true")
}

// update rewrites the item named by physicalID with props.
func (p *Provider) update(ctx context.Context, log *zap.Logger, physicalID, requestID string, props items.Properties) (map[string]any, error) {
	current, err := items.ParsePhysicalID(physicalID)
	if err != nil {
		return nil, fmt.Errorf("physical resource id %q was not issued by this provider", physicalID)
	}

	item := items.ItemFrom(props)
	if !item.SameTarget(current) {
		return nil, errors.New("TableName, KeyName and Key cannot change; rename the logical resource to replace the item")
	}

	log.Debug("updating item", zap.Int("attributes", len(item.Attributes)))
	if err := p.cfg.Items.Update(ctx, item, requestID); err != nil {
		return nil, err
	}
	return successData(item), nil
}

func respondUpdate(r responder, data map[string]any, err error, props items.Properties) *customresource.Response {
	if err != nil {
		return r.RespondWithFailure(err.Error())
	}
	return r.RespondWithSuccess(data).WithNoEcho(props.NoEcho == "true")
}

// deleteByPhysicalID removes the item named by id. Ids this provider never
// issued (a Create that failed) have nothing to remove.
func (p *Provider) deleteByPhysicalID(ctx context.Context, log *zap.Logger, id, requestID string) error {
	item, err := items.ParsePhysicalID(id)
	if err != nil {
		log.Info("nothing to delete", zap.String("physical_resource_id", id))
		return nil
	}
	if p.cfg.Requests != nil {
		if err := p.cfg.Requests.RecordRemoval(ctx, id, requestID); err != nil {
			log.Warn("failed to record removal", zap.Error(err))
		}
	}
	return p.cfg.Items.Delete(ctx, item)
}

func successData(item items.Item) map[string]any {
	data := map[string]any{
		"TableName": item.Table,
		"KeyName":   item.KeyName,
		"Key":       item.Key,
	}
	for k, v := range item.Attributes {
		data["Attributes."+k] = v
	}
	return data
}

// handleMalformed answers a request whose properties are unusable. The
// envelope is parsed again without decoding properties; if even that fails
// there is no trustworthy ResponseURL and no callback is sent.
func (p *Provider) handleMalformed(ctx context.Context, raw json.RawMessage, parseErr error) error {
	ev, err := customresource.Parse[json.RawMessage](raw, customresource.WithoutValidation())
	if err != nil {
		p.log.Error("unusable custom resource event, no callback sent", zap.Error(parseErr))
		return parseErr
	}

	common := ev.Common()
	log := p.requestLogger(ctx, common, ev.RequestType())
	log.Warn("malformed resource properties", zap.Error(parseErr))

	var resp *customresource.Response
	switch e := ev.(type) {
	case *customresource.Delete[json.RawMessage]:
		// a rejected Create is rolled back with the same bad properties; the delete must still succeed
		resp = e.RespondWith(p.deleteByPhysicalID(ctx, log, e.PhysicalResourceID, e.RequestID))
	case *customresource.Update[json.RawMessage]:
		// a rollback carries the rejected properties as OldResourceProperties
		var props items.Properties
		if json.Unmarshal(e.ResourceProperties, &props) == nil && p.cfg.Validator.Struct(props) == nil {
			data, err := p.update(ctx, log, e.PhysicalResourceID, e.RequestID, props)
			resp = respondUpdate(e, data, err, props)
		} else {
			resp = e.RespondWithFailure(parseErr.Error())
		}
	case *customresource.Create[json.RawMessage]:
		resp = e.RespondWithFailure(parseErr.Error())
	}

	return p.deliver(ctx, log, ev, resp, false)
}

// deliver sends resp and reports the outcome. The send gets its own timeout
// so an expired work context cannot prevent the callback. tracked requests
// also have their idempotency record updated.
func (p *Provider) deliver(ctx context.Context, log *zap.Logger, ev interface {
	Common() customresource.Payload
	RequestType() cfn.RequestType
}, resp *customresource.Response, tracked bool) error {
	common := ev.Common()
	env := resp.Envelope()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallbackTimeout)
	defer cancel()

	start := time.Now()
	sendErr := resp.Send(sendCtx, p.cfg.HTTPClient)
	latency := time.Since(start)

	fields := []zap.Field{
		zap.String("status", string(env.Status)),
		zap.String("physical_resource_id", env.PhysicalResourceID),
		zap.Duration("latency", latency),
	}
	if sendErr != nil {
		log.Error("callback delivery failed", append(fields, zap.Error(sendErr))...)
	} else {
		log.Info("callback delivered", fields...)
	}

	if tracked {
		p.record(ctx, log, common, env, sendErr)
	}

	if p.cfg.Metrics != nil {
		if err := p.cfg.Metrics.RecordDelivery(sendCtx, common.ResourceType, string(ev.RequestType()), sendErr == nil, latency); err != nil {
			log.Warn("failed to record callback metrics", zap.Error(err))
		}
	}
	if p.cfg.Publisher != nil {
		n := aws.LifecycleNotification{
			RequestType:        string(ev.RequestType()),
			RequestID:          common.RequestID,
			StackID:            common.StackID,
			LogicalResourceID:  common.LogicalResourceID,
			ResourceType:       common.ResourceType,
			PhysicalResourceID: env.PhysicalResourceID,
			Status:             string(env.Status),
			Reason:             env.Reason,
			Delivered:          sendErr == nil,
			HandledAt:          start.UTC(),
		}
		if err := p.cfg.Publisher.Publish(sendCtx, n); err != nil {
			log.Warn("failed to publish lifecycle notification", zap.Error(err))
		}
	}

	return sendErr
}

var errInFlight = errors.New("request in flight")

// begin claims the request until the invocation deadline. It returns the
// existing record when the request was seen before, with errInFlight if that
// record is still held by a live invocation.
func (p *Provider) begin(ctx context.Context, ev customresource.Event[items.Properties]) (*idempotency.RequestRecord, error) {
	common := ev.Common()
	var lease time.Time
	if deadline, ok := ctx.Deadline(); ok {
		lease = deadline
	}
	rec := idempotency.RequestRecord{
		RequestID:         common.RequestID,
		StackID:           common.StackID,
		LogicalResourceID: common.LogicalResourceID,
		RequestType:       string(ev.RequestType()),
	}
	if !lease.IsZero() {
		rec.LeaseUntil = lease.UnixMilli()
	}
	created, err := p.cfg.Requests.Begin(ctx, rec)
	if err != nil {
		return nil, err
	}
	if created {
		return nil, nil
	}

	existing, err := p.cfg.Requests.Get(ctx, common.RequestID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("request record %s vanished", common.RequestID)
	}
	switch {
	case p.cfg.Requests.InFlight(existing):
		return existing, errInFlight
	case existing.Status == idempotency.StatusFailed:
		err := p.cfg.Requests.Retry(ctx, common.RequestID, lease)
		if errors.Is(err, idempotency.ErrConditionFailed) {
			// another invocation retried first
			return existing, errInFlight
		}
		if err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// replay rebuilds the response delivered by an earlier attempt without
// repeating side effects.
func (p *Provider) replay(ev customresource.Event[items.Properties], rec *idempotency.RequestRecord) *customresource.Response {
	r := ev.(responder)
	if rec.ResponseStatus != string(cfn.StatusSuccess) {
		return r.RespondWithFailure(rec.Reason).WithPhysicalResourceID(rec.PhysicalResourceID)
	}

	var props items.Properties
	switch e := ev.(type) {
	case *customresource.Create[items.Properties]:
		props = e.ResourceProperties
	case *customresource.Update[items.Properties]:
		props = e.ResourceProperties
	case *customresource.Delete[items.Properties]:
		return e.RespondWithSuccess(nil).WithReason(rec.Reason)
	}
	return r.RespondWithSuccess(successData(items.ItemFrom(props))).
		WithReason(rec.Reason).
		WithPhysicalResourceID(rec.PhysicalResourceID).
		WithNoEcho(props.NoEcho == "true")
}

// record stores the delivered outcome, or marks the request FAILED so a
// re-invocation does the work again.
func (p *Provider) record(ctx context.Context, log *zap.Logger, common customresource.Payload, env customresource.Envelope, sendErr error) {
	ctx = context.WithoutCancel(ctx)

	if sendErr != nil {
		if err := p.cfg.Requests.MarkFailed(ctx, common.RequestID, sendErr.Error()); err != nil {
			log.Warn("failed to mark request failed", zap.Error(err))
		}
		return
	}
	err := p.cfg.Requests.MarkDone(ctx, common.RequestID, env.PhysicalResourceID, string(env.Status), env.Reason)
	if err != nil && !errors.Is(err, idempotency.ErrConditionFailed) {
		log.Warn("failed to mark request done", zap.Error(err))
	}
}

func (p *Provider) requestLogger(ctx context.Context, common customresource.Payload, requestType cfn.RequestType) *zap.Logger {
	fields := []zap.Field{
		zap.String("request_type", string(requestType)),
		zap.String("request_id", common.RequestID),
		zap.String("stack_id", common.StackID),
		zap.String("logical_resource_id", common.LogicalResourceID),
		zap.String("resource_type", common.ResourceType),
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		fields = append(fields, zap.String("aws_request_id", lc.AwsRequestID))
	}
	return p.log.With(fields...)
}
