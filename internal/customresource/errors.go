package customresource

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent matches every *MalformedEventError.
	ErrMalformedEvent = errors.New("malformed custom resource event")
	// ErrDeliveryFailure matches every *DeliveryError.
	ErrDeliveryFailure = errors.New("custom resource response delivery failed")
	// ErrBuilderReuse is returned when Send is called on a response that was already sent.
	ErrBuilderReuse = errors.New("custom resource response already sent")
)

// maxRawValue bounds how much of an offending raw value is kept for diagnostics.
const maxRawValue = 256

// MalformedEventError reports an inbound event that does not match the
// CloudFormation custom resource request shape.
type MalformedEventError struct {
	Field string // wire name, e.g. "RequestType" or "ResourceProperties"
	Value string // raw JSON of the offending value, empty when the field is absent
	Err   error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed event: field %q", e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Value != "" {
		msg += " (raw value: " + e.Value + ")"
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }

func malformed(field string, raw []byte, err error) *MalformedEventError {
	v := string(raw)
	if len(v) > maxRawValue {
		v = v[:maxRawValue] + "..."
	}
	return &MalformedEventError{Field: field, Value: v, Err: err}
}

// DeliveryError wraps a failed callback PUT: either a transport error (Err set,
// StatusCode zero) or a non-2xx answer from the presigned URL.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver response: %v", e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("deliver response: unexpected status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("deliver response: unexpected status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailure }
