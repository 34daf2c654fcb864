// Package typecheck structurally validates a resolved JSON value against a
// manifest.TypeDescriptor (§3 Type descriptor, §4.8 step 4b/4d). It is the
// orchestrator's guard at two points: a step's resolved inputs just before
// dispatch, and a step's decoded output just after — both described as
// "structural, not nominal" checks in §5 Invariants (a value with extra
// object fields or a wider numeric type than declared still passes).
package typecheck

import (
	"fmt"

	"github.com/starthubhq/cli/internal/manifest"
)

// Check validates value against td, resolving named references through
// types. at names the value's position for error reporting (e.g.
// "step[fetch].inputs.count").
func Check(value interface{}, td *manifest.TypeDescriptor, types map[string]*manifest.TypeDescriptor, at string) error {
	if td == nil || td.Primitive == "any" {
		return nil
	}

	if td.Ref != "" {
		resolved, ok := types[td.Ref]
		if !ok {
			// An unresolvable named reference was already rejected at
			// manifest-load time (UnresolvedTypeReference); nothing to check here.
			return nil
		}
		return Check(value, resolved, types, at)
	}

	if td.Element != nil {
		arr, ok := value.([]interface{})
		if !ok {
			return &TypeMismatch{At: at, Expected: "array", Actual: jsonTypeName(value)}
		}
		for i, el := range arr {
			if err := Check(el, td.Element, types, fmt.Sprintf("%s[%d]", at, i)); err != nil {
				return err
			}
		}
		return nil
	}

	if td.Fields != nil {
		obj, ok := value.(map[string]interface{})
		if !ok {
			return &TypeMismatch{At: at, Expected: "object", Actual: jsonTypeName(value)}
		}
		for name, field := range td.Fields {
			v, present := obj[name]
			if !present {
				if field.Optional {
					continue
				}
				return &TypeMismatch{At: at + "." + name, Expected: "present", Actual: "absent"}
			}
			if err := Check(v, field.Type, types, at+"."+name); err != nil {
				return err
			}
		}
		return nil
	}

	switch td.Primitive {
	case "string":
		if _, ok := value.(string); !ok {
			return &TypeMismatch{At: at, Expected: "string", Actual: jsonTypeName(value)}
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return &TypeMismatch{At: at, Expected: "number", Actual: jsonTypeName(value)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &TypeMismatch{At: at, Expected: "boolean", Actual: jsonTypeName(value)}
		}
	case "null":
		if value != nil {
			return &TypeMismatch{At: at, Expected: "null", Actual: jsonTypeName(value)}
		}
	}
	return nil
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}
