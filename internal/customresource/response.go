package customresource

import (
	"encoding/json"
	"sync/atomic"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
)

// physicalIDNamespace seeds the UUIDv5 used when a Create handler does not
// choose its own physical resource id.
var physicalIDNamespace = uuid.MustParse("6f1e2c7a-3b9d-5e4f-8a2b-cf0c1d2e3f40")

// Envelope is the JSON body CloudFormation expects at the ResponseURL.
// Field order matches the protocol documentation.
type Envelope struct {
	Status             cfn.StatusType `json:"Status"`
	Reason             string         `json:"Reason"`
	PhysicalResourceID string         `json:"PhysicalResourceId"`
	StackID            string         `json:"StackId"`
	RequestID          string         `json:"RequestId"`
	LogicalResourceID  string         `json:"LogicalResourceId"`
	NoEcho             bool           `json:"NoEcho"`
	Data               map[string]any `json:"Data,omitempty"`
}

// Response builds the callback for one parsed event. Configuration methods
// only touch memory; Send performs the single PUT and may be called once.
type Response struct {
	envelope Envelope
	url      string

	// Create is the only request type allowed to pick its physical id.
	overridable bool
	sent        atomic.Bool
}

// DefaultReason is the Reason used when the handler does not give one.
func DefaultReason() string {
	if lambdacontext.LogStreamName == "" {
		return "See the details in CloudWatch Log Stream"
	}
	return "See the details in CloudWatch Log Stream: " + lambdacontext.LogStreamName
}

// DefaultPhysicalResourceID derives the physical id used for a Create when the
// handler does not set one. The same request always maps to the same id.
func DefaultPhysicalResourceID(p Payload) string {
	name := p.StackID + "\x00" + p.RequestID + "\x00" + p.LogicalResourceID
	return p.LogicalResourceID + "-" + uuid.NewSHA1(physicalIDNamespace, []byte(name)).String()
}

func (p Payload) respond(status cfn.StatusType, reason, physicalID string, overridable bool) *Response {
	return &Response{
		envelope: Envelope{
			Status:             status,
			Reason:             reason,
			PhysicalResourceID: physicalID,
			StackID:            p.StackID,
			RequestID:          p.RequestID,
			LogicalResourceID:  p.LogicalResourceID,
		},
		url:         p.ResponseURL,
		overridable: overridable,
	}
}

func (p Payload) respondWith(err error, physicalID string, overridable bool) *Response {
	if err != nil {
		return p.respond(cfn.StatusFailed, err.Error(), physicalID, overridable)
	}
	return p.respond(cfn.StatusSuccess, "", physicalID, overridable)
}

// RespondWithSuccess starts a SUCCESS response carrying data.
func (e *Create[T]) RespondWithSuccess(data map[string]any) *Response {
	return e.respond(cfn.StatusSuccess, "", DefaultPhysicalResourceID(e.Payload), true).WithData(data)
}

// RespondWithFailure starts a FAILED response with the given reason.
func (e *Create[T]) RespondWithFailure(reason string) *Response {
	return e.respond(cfn.StatusFailed, reason, DefaultPhysicalResourceID(e.Payload), true)
}

// RespondWith answers SUCCESS for a nil err and FAILED with err's text otherwise.
func (e *Create[T]) RespondWith(err error) *Response {
	return e.respondWith(err, DefaultPhysicalResourceID(e.Payload), true)
}

// RespondWithSuccess starts a SUCCESS response carrying data.
func (e *Update[T]) RespondWithSuccess(data map[string]any) *Response {
	return e.respond(cfn.StatusSuccess, "", e.PhysicalResourceID, false).WithData(data)
}

// RespondWithFailure starts a FAILED response with the given reason.
func (e *Update[T]) RespondWithFailure(reason string) *Response {
	return e.respond(cfn.StatusFailed, reason, e.PhysicalResourceID, false)
}

// RespondWith answers SUCCESS for a nil err and FAILED with err's text otherwise.
func (e *Update[T]) RespondWith(err error) *Response {
	return e.respondWith(err, e.PhysicalResourceID, false)
}

// RespondWithSuccess starts a SUCCESS response carrying data.
func (e *Delete[T]) RespondWithSuccess(data map[string]any) *Response {
	return e.respond(cfn.StatusSuccess, "", e.PhysicalResourceID, false).WithData(data)
}

// RespondWithFailure starts a FAILED response with the given reason.
func (e *Delete[T]) RespondWithFailure(reason string) *Response {
	return e.respond(cfn.StatusFailed, reason, e.PhysicalResourceID, false)
}

// RespondWith answers SUCCESS for a nil err and FAILED with err's text otherwise.
func (e *Delete[T]) RespondWith(err error) *Response {
	return e.respondWith(err, e.PhysicalResourceID, false)
}

// WithNoEcho asks CloudFormation to mask Data in Fn::GetAtt output and the console.
func (r *Response) WithNoEcho(noEcho bool) *Response {
	r.envelope.NoEcho = noEcho
	return r
}

// WithReason replaces the reason. An empty reason falls back to DefaultReason.
func (r *Response) WithReason(reason string) *Response {
	r.envelope.Reason = reason
	return r
}

// WithPhysicalResourceID overrides the physical id of a Create response.
// Update and Delete responses keep the id CloudFormation sent, so the call is
// ignored for them.
func (r *Response) WithPhysicalResourceID(id string) *Response {
	if r.overridable && id != "" {
		r.envelope.PhysicalResourceID = id
	}
	return r
}

// WithData merges data into the response. Failed responses never carry data.
func (r *Response) WithData(data map[string]any) *Response {
	for k, v := range data {
		r.AddData(k, v)
	}
	return r
}

// AddData sets one Data entry, readable in templates through Fn::GetAtt.
func (r *Response) AddData(key string, value any) *Response {
	if r.envelope.Status != cfn.StatusSuccess {
		return r
	}
	if r.envelope.Data == nil {
		r.envelope.Data = make(map[string]any)
	}
	r.envelope.Data[key] = value
	return r
}

// URL is the presigned ResponseURL the response will be sent to.
func (r *Response) URL() string { return r.url }

// Envelope returns the body as it will be sent, defaults applied.
func (r *Response) Envelope() Envelope {
	env := r.envelope
	if env.Reason == "" {
		env.Reason = DefaultReason()
	}
	if env.Status != cfn.StatusSuccess || len(env.Data) == 0 {
		env.Data = nil
	}
	return env
}

// MarshalJSON encodes the response envelope.
func (r *Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Envelope())
}
