package validation

// SimulateRequest is the payload for POST /simulate in local mode. It is
// expanded into a full CloudFormation request whose ResponseURL points back at
// the local server.
type SimulateRequest struct {
	RequestType        string                 `json:"request_type" validate:"required,oneof=Create Update Delete"`
	ResourceType       string                 `json:"resource_type,omitempty"`
	LogicalResourceID  string                 `json:"logical_resource_id" validate:"required"`
	PhysicalResourceID string                 `json:"physical_resource_id,omitempty" validate:"required_unless=RequestType Create"`
	StackID            string                 `json:"stack_id,omitempty"`
	Properties         map[string]interface{} `json:"properties" validate:"required"`
	OldProperties      map[string]interface{} `json:"old_properties,omitempty" validate:"required_if=RequestType Update"`
}
