package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// Verdict is the screening decision for one wallet.
type Verdict struct {
	Allowed bool
	Reason  string
}

// VerdictPolicy turns a screening result into a verdict.
type VerdictPolicy interface {
	Decide(ctx context.Context, result ScreeningResult) (Verdict, error)
}

// DefaultVerdictModule denies flagged wallets and, when a threshold is set,
// wallets whose risk score reaches it.
const DefaultVerdictModule = `package darkwing.compliance

default allow := false

default reason := ""

risk_exceeded if {
	input.risk_threshold > 0
	input.result.risk_score >= input.risk_threshold
}

allow if {
	not input.result.flagged
	not risk_exceeded
}

reason := input.result.reason if {
	input.result.flagged
	input.result.reason != ""
}

reason := "flagged by screening provider" if {
	input.result.flagged
	input.result.reason == ""
}

reason := sprintf("risk score %v at or above threshold %v", [input.result.risk_score, input.risk_threshold]) if {
	not input.result.flagged
	risk_exceeded
}
`

const verdictQuery = "data.darkwing.compliance"

// RegoVerdict evaluates a prepared Rego query over each screening result.
type RegoVerdict struct {
	threshold float64
	query     rego.PreparedEvalQuery
}

// NewRegoVerdict compiles module, or DefaultVerdictModule when module is
// empty. The module must define allow and reason in package
// darkwing.compliance. A threshold of zero disables the risk score check.
func NewRegoVerdict(ctx context.Context, module string, threshold float64) (*RegoVerdict, error) {
	if module == "" {
		module = DefaultVerdictModule
	}
	if threshold < 0 {
		return nil, fmt.Errorf("risk threshold must not be negative, got %v", threshold)
	}

	parsed, err := ast.ParseModuleWithOpts("compliance.rego", module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse verdict module: %w", err)
	}

	query, err := rego.New(
		rego.Query(verdictQuery),
		rego.ParsedModule(parsed),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile verdict module: %w", err)
	}
	return &RegoVerdict{threshold: threshold, query: query}, nil
}

// Decide implements VerdictPolicy.
func (v *RegoVerdict) Decide(ctx context.Context, result ScreeningResult) (Verdict, error) {
	input := map[string]any{
		"risk_threshold": v.threshold,
		"result": map[string]any{
			"address":    result.Address,
			"risk_score": result.RiskScore,
			"flagged":    result.Flagged,
			"reason":     result.Reason,
		},
	}

	results, err := v.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate verdict: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{}, errors.New("evaluate verdict: policy produced no result")
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Verdict{}, fmt.Errorf("evaluate verdict: unexpected result type %T", results[0].Expressions[0].Value)
	}
	allowed, ok := payload["allow"].(bool)
	if !ok {
		return Verdict{}, errors.New("evaluate verdict: allow is not a boolean")
	}
	reason, _ := payload["reason"].(string)
	return Verdict{Allowed: allowed, Reason: reason}, nil
}
