package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-cfn-custom-resource/internal/items"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// attributes must not overwrite the key or the store's bookkeeping attributes
	v.RegisterStructValidation(tableItemStructValidation, items.Properties{})

	return v
}

func tableItemStructValidation(sl validatorv10.StructLevel) {
	p := sl.Current().Interface().(items.Properties)

	keyName := items.ItemFrom(p).KeyName
	for name := range p.Attributes {
		if name == keyName {
			sl.ReportError(p.Attributes, "Attributes", "Attributes", "not_key", name)
		}
		if items.IsReservedAttribute(name) {
			sl.ReportError(p.Attributes, "Attributes", "Attributes", "not_reserved", name)
		}
	}
}
