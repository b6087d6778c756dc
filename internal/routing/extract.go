// Package routing implements the three table-routing strategies (static
// route-all, static regex, dynamic) and the field extractor they're
// built on.
package routing

import (
	"fmt"
	"reflect"
	"strings"
)

// Extract pulls the value at a dotted fieldPath out of value, which may
// be a map[string]any (e.g. decoded JSON) or a structured row (any Go
// struct, matched case-insensitively by field name). Reports false if
// any path segment is missing.
func Extract(value any, fieldPath string) (any, bool) {
	if fieldPath == "" {
		return nil, false
	}
	cur := value
	for _, segment := range strings.Split(fieldPath, ".") {
		next, ok := step(cur, segment)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, segment string) (any, bool) {
	if cur == nil {
		return nil, false
	}

	if m, ok := cur.(map[string]any); ok {
		v, ok := m[segment]
		return v, ok
	}

	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		key := reflect.ValueOf(segment)
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(key.Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true

	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if strings.EqualFold(f.Name, segment) {
				return rv.Field(i).Interface(), true
			}
		}
		return nil, false

	default:
		return nil, false
	}
}

// AsString coerces an extracted value to a string for routing decisions,
// accepting the common shapes a route-field value might already be.
func AsString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return "", false
	}
}
