// Package guardrail gates user prompts and assistant output through a content
// policy evaluation before/after the runtime call.
package guardrail

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Evaluation sources.
const (
	SourceInput  = "INPUT"
	SourceOutput = "OUTPUT"
)

// Action is the gate verdict.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// ViolationServiceError marks a block caused by the gate itself failing
// rather than by a policy filter, so fail-closed rows stay distinguishable
// from real policy hits.
const ViolationServiceError = "SERVICE_ERROR"

// Violation is one policy filter that fired.
type Violation struct {
	FilterType string
	Confidence string
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action     Action
	Message    string // user-facing text when blocked
	Violations []Violation
}

// Allowed reports whether the content may pass.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Gate evaluates content against the configured policy. source is SourceInput
// or SourceOutput.
type Gate interface {
	Evaluate(ctx context.Context, source, text string) (Decision, error)
}

// Disabled is the no-op gate used when no guardrail is configured.
type Disabled struct{}

func (Disabled) Evaluate(context.Context, string, string) (Decision, error) {
	return Decision{Action: ActionAllow}, nil
}

// PolicyGate wraps an inner gate with a failure policy. Evaluate never
// returns an error: when the inner gate fails, fail-closed blocks the turn
// and fail-open lets it through, either way with a log line.
type PolicyGate struct {
	inner    Gate
	failOpen bool
}

// NewPolicyGate wraps inner. failOpen selects the availability-over-safety
// tradeoff; the safe default is false.
func NewPolicyGate(inner Gate, failOpen bool) *PolicyGate {
	return &PolicyGate{inner: inner, failOpen: failOpen}
}

func (g *PolicyGate) Evaluate(ctx context.Context, source, text string) (Decision, error) {
	d, err := g.inner.Evaluate(ctx, source, text)
	if err == nil {
		return d, nil
	}

	if g.failOpen {
		log.Warn().Err(err).Str("source", source).Msg("Guardrail evaluation failed, allowing (fail-open)")
	} else {
		log.Warn().Err(err).Str("source", source).Msg("Guardrail evaluation failed, blocking (fail-closed)")
	}
	return FallbackDecision(g.failOpen), nil
}

// FallbackDecision is the verdict when the gate itself fails: fail-open
// allows, fail-closed blocks with a retryable message and a SERVICE_ERROR
// violation.
func FallbackDecision(failOpen bool) Decision {
	if failOpen {
		return Decision{Action: ActionAllow}
	}
	return Decision{
		Action:     ActionBlock,
		Message:    "Content review is temporarily unavailable. Please try again.",
		Violations: []Violation{{FilterType: ViolationServiceError}},
	}
}
