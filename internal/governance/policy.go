package governance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrPolicyDenied is returned by Check when a request is denied.
var ErrPolicyDenied = errors.New("denied by policy")

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes generated content about to be executed or published.
type Request struct {
	// Kind is what is being screened, e.g. "chart_spec" or "report".
	Kind string
	// ChartType is the requested chart type, if any.
	ChartType string
	Content   string
	RunID     string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates generated content against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine is a basic implementation of PolicyEngine.
type DefaultPolicyEngine struct {
	DeniedChartTypes map[string]bool
	DeniedRegex      []*regexp.Regexp
	// MaxBytes rejects content longer than this. Zero disables the check.
	MaxBytes int
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedChartTypes: make(map[string]bool),
		DeniedRegex:      make([]*regexp.Regexp, 0),
	}
}

// NewChartPolicy denies chart specs that could run script or load remote
// resources when the chart page is opened in the browser.
func NewChartPolicy() *DefaultPolicyEngine {
	e := NewDefaultPolicyEngine()
	e.MaxBytes = 512 * 1024
	for _, p := range []string{
		`(?i)<\s*/?\s*script`,
		`(?i)javascript\s*:`,
		`(?i)\bfunction\s*\(`,
		`=>`,
		`(?i)\beval\s*\(`,
		`(?i)\bhttps?://`,
	} {
		_ = e.DenyContent(p)
	}
	return e
}

func (e *DefaultPolicyEngine) DenyChartType(name string) {
	e.DeniedChartTypes[strings.ToLower(name)] = true
}

func (e *DefaultPolicyEngine) DenyContent(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if e.DeniedChartTypes[strings.ToLower(req.ChartType)] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Chart type '%s' is restricted by system policy", req.ChartType),
		}, nil
	}

	if e.MaxBytes > 0 && len(req.Content) > e.MaxBytes {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Content is %d bytes, limit is %d", len(req.Content), e.MaxBytes),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Content) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Content matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

// Check evaluates req and turns a denial into an error wrapping
// ErrPolicyDenied.
func Check(ctx context.Context, engine PolicyEngine, req Request) error {
	if engine == nil {
		return nil
	}
	res, err := engine.Evaluate(ctx, req)
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}
	if res.Effect == EffectDeny {
		return fmt.Errorf("%w: %s", ErrPolicyDenied, res.Reason)
	}
	return nil
}
