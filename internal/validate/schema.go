package validate

import (
	"fmt"
)

// FieldType names a primitive payload field type.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
)

// FieldSpec declares one payload field.
type FieldSpec struct {
	Name     string    `koanf:"name" json:"name"`
	Type     FieldType `koanf:"type" json:"type"`
	Required bool      `koanf:"required" json:"required"`
}

// Schema is an ordered list of field declarations. Validation reports the
// first failing field in declaration order.
type Schema struct {
	Fields []FieldSpec `koanf:"fields" json:"fields"`
}

// Payload checks required fields and primitive types against the schema.
func (v *Validator) Payload(value map[string]any, schema Schema) Result {
	res := Result{Kind: KindPayload, Input: fmt.Sprintf("%d fields", len(value))}

	for _, field := range schema.Fields {
		raw, present := value[field.Name]
		if !present || raw == nil {
			if field.Required {
				res.Code = CodePayloadMissing
				res.Detail = fmt.Sprintf("required field %q missing", field.Name)
				res.Field = field.Name
				return res
			}
			continue
		}
		if !matchesType(raw, field.Type) {
			res.Code = CodePayloadBadType
			res.Detail = fmt.Sprintf("field %q must be %s, got %T", field.Name, field.Type, raw)
			res.Field = field.Name
			return res
		}
	}

	res.Valid = true
	return res
}

// matchesType checks one decoded JSON/YAML value against a declared type.
// Numbers arrive as float64 after JSON decoding, so int accepts integral
// floats.
func matchesType(value any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeInt:
		switch n := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeFloat:
		switch value.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := value.(bool)
		return ok
	case TypeList:
		_, ok := value.([]any)
		return ok
	case TypeMap:
		_, ok := value.(map[string]any)
		return ok
	}
	return false
}
