package tablewriter

import "testing"

func TestParseTimestampVariants(t *testing.T) {
	inputs := []string{
		"2023-05-18T11:22:33Z",
		"2023-05-18 11:22:33Z",
		"2023-05-18T11:22:33+00:00",
		"2023-05-18T11:22:33",
	}

	var first string
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", in, err)
		}
		formatted := got.Format("2006-01-02T15:04:05Z")
		if first == "" {
			first = formatted
		} else if formatted != first {
			t.Fatalf("ParseTimestamp(%q) = %s, want %s", in, formatted, first)
		}
	}
	if first != "2023-05-18T11:22:33Z" {
		t.Fatalf("got %s, want 2023-05-18T11:22:33Z", first)
	}
}

func TestIdentityConverterPassthrough(t *testing.T) {
	c := IdentityConverter{}
	row, err := c.Convert(nil, Record{Value: int64(42)})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if row != int64(42) {
		t.Fatalf("got %v, want 42", row)
	}
}

func TestIdentityConverterNormalizesTimestampField(t *testing.T) {
	c := IdentityConverter{TimestampFields: []string{"ts"}}
	row, err := c.Convert(nil, Record{Value: map[string]any{
		"ts":  "2023-05-18 11:22:33Z",
		"val": 7,
	}})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	m := row.(map[string]any)
	if m["ts"] != "2023-05-18T11:22:33Z" {
		t.Fatalf("got ts=%v", m["ts"])
	}
	if m["val"] != 7 {
		t.Fatalf("val mutated: %v", m["val"])
	}
}
