// Package ttlpolicy maps route patterns to record retention durations.
//
// A Policy is an immutable, versioned value. The coordinator copies the TTL and the
// policy version into every record at claim time, so swapping in a new policy never
// changes the expiry of a record that is already open.
//
// Route patterns have the form "METHOD /path". In rules, "*" matches any method or
// exactly one path segment:
//
//	POST /holds            exact
//	POST /holds/*          any single trailing segment
//	*    /payments/*       any method
package ttlpolicy

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Built-in category names.
const (
	CategoryHold    = "hold"
	CategoryDraft   = "draft"
	CategoryPayment = "payment"
	CategoryDefault = "default"
)

// Duration wraps time.Duration so policy files can say "30m" or "168h".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Rule binds a route pattern to either a named category or an explicit TTL.
type Rule struct {
	Route    string   `json:"route" yaml:"route" validate:"required"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"`
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty" validate:"gte=0"`
}

// Policy is a versioned TTL table. Treat it as immutable once built.
type Policy struct {
	Version    string              `json:"version" yaml:"version" validate:"required"`
	Default    Duration            `json:"default" yaml:"default" validate:"gt=0"`
	Categories map[string]Duration `json:"categories,omitempty" yaml:"categories,omitempty" validate:"dive,gt=0"`
	Rules      []Rule              `json:"rules,omitempty" yaml:"rules,omitempty" validate:"dive"`
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	TTL      time.Duration
	Category string
	Rule     string // matching rule route, empty when the default applied
	Version  string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultCategories are the built-in retention classes.
func DefaultCategories() map[string]Duration {
	return map[string]Duration{
		CategoryHold:    Duration(30 * time.Minute),
		CategoryDraft:   Duration(24 * time.Hour),
		CategoryPayment: Duration(7 * 24 * time.Hour),
	}
}

// Default returns the built-in policy used when no policy file is configured.
func Default() *Policy {
	return &Policy{
		Version:    "builtin-1",
		Default:    Duration(time.Hour),
		Categories: DefaultCategories(),
		Rules: []Rule{
			{Route: "POST /holds", Category: CategoryHold},
			{Route: "POST /holds/*", Category: CategoryHold},
			{Route: "POST /invoices/drafts", Category: CategoryDraft},
			{Route: "* /invoices/drafts/*", Category: CategoryDraft},
			{Route: "POST /invoices/*/drafts", Category: CategoryDraft},
			{Route: "POST /payments", Category: CategoryPayment},
			{Route: "* /payments/*", Category: CategoryPayment},
		},
	}
}

// Validate checks structural rules and rule consistency.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	for i, r := range p.Rules {
		if _, _, err := splitRoute(r.Route); err != nil {
			return fmt.Errorf("invalid policy: rules[%d]: %w", i, err)
		}
		hasCategory := r.Category != ""
		hasTTL := r.TTL > 0
		switch {
		case hasCategory && hasTTL:
			return fmt.Errorf("invalid policy: rules[%d] %q: set either category or ttl, not both", i, r.Route)
		case !hasCategory && !hasTTL:
			return fmt.Errorf("invalid policy: rules[%d] %q: category or ttl is required", i, r.Route)
		case hasCategory:
			if _, ok := p.categoryTTL(r.Category); !ok {
				return fmt.Errorf("invalid policy: rules[%d] %q: unknown category %q", i, r.Route, r.Category)
			}
		}
	}
	return nil
}

// withBuiltins returns a copy of p whose categories include the built-ins
// that p does not override, so policy files may reference "hold" without
// redefining it.
func (p *Policy) withBuiltins() *Policy {
	out := *p
	out.Categories = DefaultCategories()
	for name, d := range p.Categories {
		out.Categories[name] = d
	}
	out.Rules = append([]Rule(nil), p.Rules...)
	return &out
}

func (p *Policy) categoryTTL(name string) (time.Duration, bool) {
	if name == CategoryDefault {
		return p.Default.Std(), true
	}
	d, ok := p.Categories[name]
	return d.Std(), ok
}

// Resolve looks up the TTL for a route pattern such as "POST /customers/{id}".
// The first matching rule wins; otherwise the default applies.
func (p *Policy) Resolve(routePattern string) Resolution {
	method, segs, err := splitRoute(routePattern)
	if err == nil {
		for _, r := range p.Rules {
			if !ruleMatches(r.Route, method, segs) {
				continue
			}
			if r.TTL > 0 {
				return Resolution{TTL: r.TTL.Std(), Category: "custom", Rule: r.Route, Version: p.Version}
			}
			if d, ok := p.categoryTTL(r.Category); ok {
				return Resolution{TTL: d, Category: r.Category, Rule: r.Route, Version: p.Version}
			}
		}
	}
	return Resolution{TTL: p.Default.Std(), Category: CategoryDefault, Version: p.Version}
}

func splitRoute(route string) (method string, segs []string, err error) {
	fields := strings.Fields(route)
	if len(fields) != 2 {
		return "", nil, fmt.Errorf("route %q must be \"METHOD /path\"", route)
	}
	if !strings.HasPrefix(fields[1], "/") {
		return "", nil, fmt.Errorf("route %q: path must start with /", route)
	}
	return strings.ToUpper(fields[0]), strings.Split(strings.Trim(fields[1], "/"), "/"), nil
}

func ruleMatches(rule, method string, segs []string) bool {
	ruleMethod, ruleSegs, err := splitRoute(rule)
	if err != nil {
		return false
	}
	if ruleMethod != "*" && ruleMethod != method {
		return false
	}
	if len(ruleSegs) != len(segs) {
		return false
	}
	for i, rs := range ruleSegs {
		if rs != "*" && rs != segs[i] {
			return false
		}
	}
	return true
}
