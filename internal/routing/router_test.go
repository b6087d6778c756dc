package routing

import (
	"context"
	"errors"
	"testing"
)

func TestExtractDottedPath(t *testing.T) {
	value := map[string]any{
		"meta": map[string]any{
			"table": "DB.Orders",
		},
	}
	got, ok := Extract(value, "meta.table")
	if !ok || got != "DB.Orders" {
		t.Fatalf("got %v, %v", got, ok)
	}

	_, ok = Extract(value, "meta.missing")
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestExtractStructField(t *testing.T) {
	type Meta struct {
		Table string
	}
	type Value struct {
		Meta Meta
	}
	got, ok := Extract(Value{Meta: Meta{Table: "db.orders"}}, "meta.table")
	if !ok || got != "db.orders" {
		t.Fatalf("got %v, %v", got, ok)
	}
}

func TestAllTablesRouter(t *testing.T) {
	r := AllTablesRouter{Tables: []string{"db.a", "db.b"}}
	got, err := r.Route(context.Background(), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestRegexRouter(t *testing.T) {
	r, err := NewRegexRouter("kind", map[string]string{
		"db.orders": "^order.*",
		"db.users":  "^user.*",
	})
	if err != nil {
		t.Fatalf("NewRegexRouter: %v", err)
	}

	got, err := r.Route(context.Background(), map[string]any{"kind": "order_created"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0] != "db.orders" {
		t.Fatalf("got %v", got)
	}
}

func TestDynamicRouterExists(t *testing.T) {
	r := DynamicRouter{
		RouteField: "meta.table",
		Exists: func(_ context.Context, name string) (bool, error) {
			return name == "db.orders", nil
		},
	}

	got, err := r.Route(context.Background(), map[string]any{
		"meta": map[string]any{"table": "DB.Orders"},
	})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(got) != 1 || got[0] != "db.orders" {
		t.Fatalf("got %v", got)
	}
}

func TestDynamicRouterMiss(t *testing.T) {
	r := DynamicRouter{
		RouteField: "meta.table",
		Exists: func(_ context.Context, name string) (bool, error) {
			return false, nil
		},
	}

	_, err := r.Route(context.Background(), map[string]any{
		"meta": map[string]any{"table": "db.unknown"},
	})
	var missErr *MissError
	if !errors.As(err, &missErr) {
		t.Fatalf("expected MissError, got %v", err)
	}
	if missErr.Attempted != "db.unknown" {
		t.Fatalf("got %v", missErr.Attempted)
	}
}
