package items

import (
	"errors"
	"strings"
	"time"
)

// ResourceType is the template type served by the sample provider.
const ResourceType = "Custom::TableItem"

// DefaultKeyName is the partition key attribute used when KeyName is omitted.
const DefaultKeyName = "pk"

// Properties are the ResourceProperties of a Custom::TableItem. CloudFormation
// passes every scalar property as a string.
type Properties struct {
	TableName  string            `validate:"required,max=255"`
	KeyName    string            `validate:"omitempty,excludes=/"`
	Key        string            `validate:"required"`
	Attributes map[string]string `validate:"omitempty,dive,keys,required,endkeys"`
	NoEcho     string            `validate:"omitempty,oneof=true false"`
}

// Row is a stored item and the request that last wrote it.
type Row struct {
	Attributes map[string]string
	RequestID  string
	UpdatedAt  time.Time
}

// Item is one managed DynamoDB item.
type Item struct {
	Table      string
	KeyName    string
	Key        string
	Attributes map[string]string
}

// ErrBadPhysicalID is returned by ParsePhysicalID for ids this provider did not issue.
var ErrBadPhysicalID = errors.New("not a table item physical resource id")

// ItemFrom resolves defaults on p.
func ItemFrom(p Properties) Item {
	keyName := p.KeyName
	if keyName == "" {
		keyName = DefaultKeyName
	}
	return Item{Table: p.TableName, KeyName: keyName, Key: p.Key, Attributes: p.Attributes}
}

// PhysicalID is "<table>/<key name>/<key>".
func (i Item) PhysicalID() string {
	return i.Table + "/" + i.KeyName + "/" + i.Key
}

// SameTarget reports whether both items address the same table row.
func (i Item) SameTarget(o Item) bool {
	return i.Table == o.Table && i.KeyName == o.KeyName && i.Key == o.Key
}

// IsReservedAttribute reports whether name is written by the store itself.
func IsReservedAttribute(name string) bool {
	return name == attrRequestID || name == attrUpdatedAt
}

// ParsePhysicalID is the inverse of Item.PhysicalID.
func ParsePhysicalID(id string) (Item, error) {
	parts := strings.SplitN(id, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Item{}, ErrBadPhysicalID
	}
	return Item{Table: parts[0], KeyName: parts[1], Key: parts[2]}, nil
}
