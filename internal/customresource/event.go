// Package customresource implements the provider side of the CloudFormation
// custom resource protocol: typed parsing of the Create/Update/Delete request
// and the single-use response sent back to the presigned ResponseURL.
package customresource

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/aws/aws-lambda-go/cfn"
	validatorv10 "github.com/go-playground/validator/v10"
)

// Payload holds the fields CloudFormation sends with every request type.
type Payload struct {
	ServiceToken      string
	ResponseURL       string
	StackID           string
	RequestID         string
	ResourceType      string
	LogicalResourceID string
}

// Event is one parsed request: *Create[T], *Update[T] or *Delete[T].
// The set is closed; switch on the concrete type to handle it.
type Event[T any] interface {
	RequestType() cfn.RequestType
	Common() Payload
	isEvent()
}

// Create is sent when the resource is first added to a stack.
type Create[T any] struct {
	Payload
	ResourceProperties T
}

// Update is sent when the resource's properties change. PhysicalResourceID is
// the id CloudFormation already tracks for the resource.
type Update[T any] struct {
	Payload
	PhysicalResourceID    string
	ResourceProperties    T
	OldResourceProperties T
}

// Delete is sent when the resource is removed from a stack.
type Delete[T any] struct {
	Payload
	PhysicalResourceID string
	ResourceProperties T
}

func (*Create[T]) RequestType() cfn.RequestType { return cfn.RequestCreate }
func (*Update[T]) RequestType() cfn.RequestType { return cfn.RequestUpdate }
func (*Delete[T]) RequestType() cfn.RequestType { return cfn.RequestDelete }

func (e *Create[T]) Common() Payload { return e.Payload }
func (e *Update[T]) Common() Payload { return e.Payload }
func (e *Delete[T]) Common() Payload { return e.Payload }

func (*Create[T]) isEvent() {}
func (*Update[T]) isEvent() {}
func (*Delete[T]) isEvent() {}

// ParseOption customises Parse.
type ParseOption func(*parser)

// WithValidator replaces the validator run against decoded resource properties.
func WithValidator(v *validatorv10.Validate) ParseOption {
	return func(p *parser) {
		p.validate = v
	}
}

// WithoutValidation skips struct validation of decoded resource properties.
func WithoutValidation() ParseOption {
	return func(p *parser) {
		p.validate = nil
	}
}

var defaultValidator = validatorv10.New()

type parser struct {
	fields   map[string]json.RawMessage
	validate *validatorv10.Validate
}

// Parse decodes a raw CloudFormation custom resource request. Resource
// properties are decoded into T; struct-typed T is then checked against its
// `validate` tags. Every failure is a *MalformedEventError.
func Parse[T any](raw []byte, opts ...ParseOption) (Event[T], error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, malformed("", raw, fmt.Errorf("event is not a JSON object: %w", err))
	}
	if fields == nil {
		return nil, malformed("", raw, errors.New("event is null"))
	}

	p := &parser{fields: fields, validate: defaultValidator}
	for _, opt := range opts {
		opt(p)
	}

	return parse[T](p)
}

// ParseMap is Parse for an event that a runtime adapter already decoded into
// a generic map.
func ParseMap[T any](m map[string]any, opts ...ParseOption) (Event[T], error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, malformed("", nil, fmt.Errorf("encode event: %w", err))
	}
	return Parse[T](raw, opts...)
}

func parse[T any](p *parser) (Event[T], error) {
	requestType, err := p.str("RequestType", true)
	if err != nil {
		return nil, err
	}
	switch cfn.RequestType(requestType) {
	case cfn.RequestCreate, cfn.RequestUpdate, cfn.RequestDelete:
	default:
		return nil, malformed("RequestType", p.fields["RequestType"],
			fmt.Errorf("unknown request type %q", requestType))
	}

	common, err := p.common()
	if err != nil {
		return nil, err
	}

	switch cfn.RequestType(requestType) {
	case cfn.RequestCreate:
		props, err := properties[T](p, "ResourceProperties")
		if err != nil {
			return nil, err
		}
		return &Create[T]{Payload: common, ResourceProperties: props}, nil

	case cfn.RequestUpdate:
		physicalID, err := p.physicalID()
		if err != nil {
			return nil, err
		}
		props, err := properties[T](p, "ResourceProperties")
		if err != nil {
			return nil, err
		}
		old, err := properties[T](p, "OldResourceProperties")
		if err != nil {
			return nil, err
		}
		return &Update[T]{
			Payload:               common,
			PhysicalResourceID:    physicalID,
			ResourceProperties:    props,
			OldResourceProperties: old,
		}, nil

	default: // cfn.RequestDelete
		physicalID, err := p.physicalID()
		if err != nil {
			return nil, err
		}
		props, err := properties[T](p, "ResourceProperties")
		if err != nil {
			return nil, err
		}
		return &Delete[T]{Payload: common, PhysicalResourceID: physicalID, ResourceProperties: props}, nil
	}
}

func (p *parser) common() (Payload, error) {
	var c Payload
	var err error

	// ServiceToken is echoed only through the callback mechanism, so it may be absent.
	if c.ServiceToken, err = p.str("ServiceToken", false); err != nil {
		return c, err
	}
	if c.ResponseURL, err = p.str("ResponseURL", true); err != nil {
		return c, err
	}
	if c.StackID, err = p.str("StackId", true); err != nil {
		return c, err
	}
	if c.RequestID, err = p.str("RequestId", true); err != nil {
		return c, err
	}
	if c.ResourceType, err = p.str("ResourceType", true); err != nil {
		return c, err
	}
	if c.LogicalResourceID, err = p.str("LogicalResourceId", true); err != nil {
		return c, err
	}
	return c, nil
}

func (p *parser) physicalID() (string, error) {
	id, err := p.str("PhysicalResourceId", true)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", malformed("PhysicalResourceId", p.fields["PhysicalResourceId"], errors.New("must not be empty"))
	}
	return id, nil
}

// str extracts a string field. Absent and null are equivalent.
func (p *parser) str(field string, required bool) (string, error) {
	raw, ok := p.fields[field]
	if !ok || isNull(raw) {
		if required {
			return "", malformed(field, nil, errors.New("required field is missing"))
		}
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", malformed(field, raw, errors.New("expected a JSON string"))
	}
	return s, nil
}

func properties[T any](p *parser, field string) (T, error) {
	var out T

	raw, ok := p.fields[field]
	if !ok || isNull(raw) {
		return out, malformed(field, nil, errors.New("required field is missing"))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, malformed(field, raw, fmt.Errorf("decode into %T: %w", out, err))
	}

	if p.validate != nil && isStruct(out) {
		if err := p.validate.Struct(out); err != nil {
			var verrs validatorv10.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return out, malformed(field+"."+verrs[0].Field(), raw, err)
			}
			return out, malformed(field, raw, err)
		}
	}
	return out, nil
}

func isStruct(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
