package cli

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/idem/internal/idemkey"
	"github.com/roach88/idem/internal/ttlpolicy"
)

// PolicyView is the printable form of a TTL policy.
type PolicyView struct {
	Version    string            `json:"version"`
	Default    string            `json:"default"`
	Categories map[string]string `json:"categories"`
	Rules      []RuleView        `json:"rules"`
}

// RuleView is one rule of a PolicyView.
type RuleView struct {
	Route    string `json:"route"`
	Category string `json:"category,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// WriteText implements textRenderer.
func (v PolicyView) WriteText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "Policy %s (default %s)\n", v.Version, v.Default)
	names := make([]string, 0, len(v.Categories))
	for name := range v.Categories {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintln(w, "Categories:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, v.Categories[name])
	}
	fmt.Fprintln(w, "Rules:")
	for _, r := range v.Rules {
		if r.TTL != "" {
			fmt.Fprintf(w, "  %-30s ttl %s\n", r.Route, r.TTL)
		} else {
			fmt.Fprintf(w, "  %-30s %s\n", r.Route, r.Category)
		}
	}
}

// PolicyValidateResult is the output of policy validate.
type PolicyValidateResult struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Rules   int    `json:"rules"`
}

// WriteText implements textRenderer.
func (r PolicyValidateResult) WriteText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "✓ %s: policy %s with %d rule(s) is valid\n", r.Path, r.Version, r.Rules)
}

// ResolveResult is the output of policy resolve.
type ResolveResult struct {
	RoutePattern string `json:"route_pattern"`
	TTL          string `json:"ttl"`
	Seconds      int64  `json:"ttl_seconds"`
	Category     string `json:"category"`
	Rule         string `json:"rule,omitempty"`
	Version      string `json:"policy_version"`
}

// WriteText implements textRenderer.
func (r ResolveResult) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "%s → %s (%s)\n", r.RoutePattern, r.TTL, r.Category)
	if verbose {
		rule := r.Rule
		if rule == "" {
			rule = "(default)"
		}
		fmt.Fprintf(w, "  rule: %s\n  policy: %s\n", rule, r.Version)
	}
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	var policyPath string

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show, validate and query TTL policies",
	}
	cmd.PersistentFlags().StringVar(&policyPath, "policy", os.Getenv(EnvPolicy), "TTL policy file (.cue or .yaml); built-in policy when empty")

	show := &cobra.Command{
		Use:           "show",
		Short:         "Print the effective policy",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPolicy(policyPath)
			if err != nil {
				return err
			}
			return formatter(rootOpts, cmd).Success(viewPolicy(p))
		},
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a policy file",
		Long: `Parse and validate a policy file. Exits 1 when the file is invalid.

Examples:
  idem policy validate ./ttl.cue
  idem policy validate ./ttl.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ttlpolicy.Load(args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "invalid policy", err).WithCode(ErrCodePolicy)
			}
			return formatter(rootOpts, cmd).Success(PolicyValidateResult{
				Path:    args[0],
				Version: p.Version,
				Rules:   len(p.Rules),
			})
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <method> <path>",
		Short: "Show the TTL a request would be stored with",
		Long: `Resolve the TTL for a request. Concrete paths are simplified the same way
the middleware simplifies them, so numeric and UUID segments become {id}.

Examples:
  idem policy resolve POST /holds
  idem policy resolve POST /invoices/42/drafts --policy ./ttl.cue`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPolicy(policyPath)
			if err != nil {
				return err
			}
			route := idemkey.RoutePattern(args[0], args[1])
			res := p.Resolve(route)
			return formatter(rootOpts, cmd).Success(ResolveResult{
				RoutePattern: route,
				TTL:          res.TTL.String(),
				Seconds:      int64(res.TTL / time.Second),
				Category:     res.Category,
				Rule:         res.Rule,
				Version:      res.Version,
			})
		},
	}

	cmd.AddCommand(show, validate, resolve)
	return cmd
}

func viewPolicy(p *ttlpolicy.Policy) PolicyView {
	v := PolicyView{
		Version:    p.Version,
		Default:    p.Default.Std().String(),
		Categories: make(map[string]string, len(p.Categories)),
		Rules:      make([]RuleView, 0, len(p.Rules)),
	}
	for name, d := range p.Categories {
		v.Categories[name] = d.Std().String()
	}
	for _, r := range p.Rules {
		rv := RuleView{Route: r.Route, Category: r.Category}
		if r.TTL > 0 {
			rv.TTL = r.TTL.Std().String()
		}
		v.Rules = append(v.Rules, rv)
	}
	return v
}
