package routing

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Router decides which destination tables a record's value should be
// written to.
type Router interface {
	Route(ctx context.Context, value any) ([]string, error)
}

// AllTablesRouter implements static route-all: no route field configured,
// every record goes to every configured table.
type AllTablesRouter struct {
	Tables []string
}

func (r AllTablesRouter) Route(_ context.Context, _ any) ([]string, error) {
	return r.Tables, nil
}

// RegexRouter implements static route-by-regex: a route field is
// extracted from the record value and matched against each configured
// table's regex; a record may match zero, one, or several tables.
// Regexes are compiled once at construction, not per record.
type RegexRouter struct {
	RouteField string
	// TableRegex maps table identifier to its compiled route-regex.
	TableRegex map[string]*regexp.Regexp
}

// NewRegexRouter compiles each table's regex once.
func NewRegexRouter(routeField string, patterns map[string]string) (*RegexRouter, error) {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for table, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("routing: compiling route-regex for %q: %w", table, err)
		}
		compiled[table] = re
	}
	return &RegexRouter{RouteField: routeField, TableRegex: compiled}, nil
}

func (r *RegexRouter) Route(_ context.Context, value any) ([]string, error) {
	raw, ok := Extract(value, r.RouteField)
	if !ok {
		return nil, nil
	}
	routeValue, ok := AsString(raw)
	if !ok {
		return nil, nil
	}

	var tables []string
	for table, re := range r.TableRegex {
		if re.MatchString(routeValue) {
			tables = append(tables, table)
		}
	}
	return tables, nil
}

// TableExistsFunc reports whether identifier names a real table. The
// Worker memoizes it per commit round; this package only calls it.
type TableExistsFunc func(ctx context.Context, identifier string) (bool, error)

// DynamicRouter implements dynamic routing: the route field's value,
// lowercased, IS the destination table name. A record whose route value
// names a table the catalog doesn't know about is dropped.
type DynamicRouter struct {
	RouteField string
	Exists     TableExistsFunc
}

func (r DynamicRouter) Route(ctx context.Context, value any) ([]string, error) {
	raw, ok := Extract(value, r.RouteField)
	if !ok {
		return nil, nil
	}
	routeValue, ok := AsString(raw)
	if !ok {
		return nil, nil
	}
	table := strings.ToLower(routeValue)

	exists, err := r.Exists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("routing: checking table existence for %q: %w", table, err)
	}
	if !exists {
		return nil, &MissError{Attempted: table}
	}
	return []string{table}, nil
}

// MissError signals a dynamic-routing miss without being a processing
// failure: callers record the metric and continue, the record's offset
// still advances.
type MissError struct {
	Attempted string
}

func (e *MissError) Error() string {
	return fmt.Sprintf("routing: no table named %q", e.Attempted)
}
