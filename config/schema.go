package config

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/KeckObservatory/mKTL/errors"
)

// descriptorSchema validates the items mapping loaded from a daemon
// descriptor file: every entry must declare a known type, enumerators map
// integer spellings to strings, and the gettable/settable/persist flags
// must be booleans.
const descriptorSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"properties": {
			"type": {
				"type": "string",
				"enum": ["boolean", "bulk", "numeric", "numeric-array", "enumerated", "mask", "string"]
			},
			"units": {"type": "string"},
			"description": {"type": "string"},
			"enumerators": {
				"type": "object",
				"propertyNames": {"pattern": "^-?[0-9]+$"},
				"additionalProperties": {"type": "string"}
			},
			"persist": {"type": "boolean"},
			"gettable": {"type": "boolean"},
			"settable": {"type": "boolean"},
			"poll": {"type": "number", "minimum": 0}
		},
		"required": ["type"]
	}
}`

var descriptorValidator = gojsonschema.NewStringLoader(descriptorSchema)

// ValidateDescriptor checks a raw items descriptor against the schema.
// Violations are reported as a single ValueError listing every failed
// constraint.
func ValidateDescriptor(raw []byte) error {
	result, err := gojsonschema.Validate(descriptorValidator, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapKind(err, errors.KindValue,
			"config", "ValidateDescriptor", "descriptor parsing")
	}

	if result.Valid() {
		return nil
	}

	complaints := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		complaints = append(complaints, violation.String())
	}

	return errors.Newf(errors.KindValue,
		"invalid items descriptor: %s", strings.Join(complaints, "; "))
}
