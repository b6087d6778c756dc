package tablewriter

import (
	"context"
	"fmt"
	"time"
)

// timestampLayouts enumerates the ISO-8601 variants the converter
// normalizes to a single instant: a strict RFC3339 form, a
// space-separated form some producers emit instead of "T", and a form
// with no zone at all (treated as UTC).
var timestampLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses any of the accepted layouts into a single UTC
// instant. A value with no explicit zone is interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("tablewriter: unrecognized timestamp layout: %q", s)
}

// IdentityConverter is a reference RecordConverter. It is idempotent for
// already-correctly-typed inputs: map values pass through
// field-for-field, normalizing only string-typed timestamp fields it is
// told about via TimestampFields.
type IdentityConverter struct {
	// TimestampFields lists dotted field names (top-level keys only, for
	// this reference implementation) whose string values should be
	// parsed with ParseTimestamp and normalized to RFC3339 UTC.
	TimestampFields []string
}

// Convert implements RecordConverter.
func (c IdentityConverter) Convert(_ context.Context, rec Record) (Row, error) {
	m, ok := rec.Value.(map[string]any)
	if !ok {
		// Already-typed values pass through untouched.
		return rec.Value, nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, field := range c.TimestampFields {
		raw, ok := out[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		t, err := ParseTimestamp(s)
		if err != nil {
			return nil, fmt.Errorf("tablewriter: field %q: %w", field, err)
		}
		out[field] = t.Format(time.RFC3339)
	}
	return out, nil
}

var _ RecordConverter = IdentityConverter{}
