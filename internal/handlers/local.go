package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/customresource"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/items"
	"github.com/imrishuroy/go-cfn-custom-resource/internal/validation"
)

// CallbackSink keeps callback bodies PUT to the local server, keyed by id.
type CallbackSink struct {
	mu     sync.Mutex
	bodies map[string]json.RawMessage
}

// NewCallbackSink returns an empty sink.
func NewCallbackSink() *CallbackSink {
	return &CallbackSink{bodies: map[string]json.RawMessage{}}
}

func (s *CallbackSink) put(id string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[id] = json.RawMessage(body)
}

// Get returns the callback stored under id.
func (s *CallbackSink) Get(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bodies[id]
	return b, ok
}

// RegisterLocalRoutes registers the routes used to drive the provider without
// CloudFormation:
//
//	POST /invoke          raw CloudFormation event
//	POST /simulate        SimulateRequest, answered with the callback body
//	PUT  /callbacks/:id   stand-in for the presigned S3 URL
//	GET  /callbacks/:id   stored callback body
func RegisterLocalRoutes(r *gin.Engine, p *Provider, sink *CallbackSink) {
	v := validation.New()

	r.PUT("/callbacks/:id", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed", "msg": err.Error()})
			return
		}
		if c.GetHeader("Content-Type") != "" {
			// the real presigned URL rejects a signed request carrying a content type
			c.JSON(http.StatusForbidden, gin.H{"error": "unexpected_content_type"})
			return
		}
		sink.put(c.Param("id"), body)
		c.Status(http.StatusOK)
	})

	r.GET("/callbacks/:id", func(c *gin.Context) {
		body, ok := sink.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.Data(http.StatusOK, "application/json", body)
	})

	r.POST("/invoke", func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed", "msg": err.Error()})
			return
		}
		if err := p.Handle(c.Request.Context(), raw); err != nil {
			c.JSON(statusFor(err), gin.H{"error": "invoke_failed", "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "handled"})
	})

	r.POST("/simulate", func(c *gin.Context) {
		var req validation.SimulateRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		requestID := uuid.NewString()
		raw, err := json.Marshal(simulatedEvent(req, requestID, "http://"+c.Request.Host+"/callbacks/"+requestID))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed", "msg": err.Error()})
			return
		}

		if err := p.Handle(c.Request.Context(), raw); err != nil {
			c.JSON(statusFor(err), gin.H{"error": "invoke_failed", "request_id": requestID, "msg": err.Error()})
			return
		}
		body, ok := sink.Get(requestID)
		if !ok {
			c.JSON(http.StatusBadGateway, gin.H{"error": "no_callback", "request_id": requestID})
			return
		}
		c.Data(http.StatusOK, "application/json", body)
	})
}

// simulatedEvent expands req into the request CloudFormation would send.
func simulatedEvent(req validation.SimulateRequest, requestID, responseURL string) map[string]any {
	resourceType := req.ResourceType
	if resourceType == "" {
		resourceType = items.ResourceType
	}
	stackID := req.StackID
	if stackID == "" {
		stackID = "arn:aws:cloudformation:local:000000000000:stack/local/" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(req.LogicalResourceID)).String()
	}

	ev := map[string]any{
		"RequestType":        req.RequestType,
		"ResponseURL":        responseURL,
		"StackId":            stackID,
		"RequestId":          requestID,
		"ResourceType":       resourceType,
		"LogicalResourceId":  req.LogicalResourceID,
		"ResourceProperties": req.Properties,
	}
	if req.RequestType != "Create" {
		ev["PhysicalResourceId"] = req.PhysicalResourceID
	}
	if req.RequestType == "Update" {
		ev["OldResourceProperties"] = req.OldProperties
	}
	return ev
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, customresource.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, customresource.ErrDeliveryFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
