// Package policy layers an optional OPA access policy over the built-in
// screen-time rules. The policy can only take access away: it is consulted
// after the rule evaluator allows, and any deny message blocks with reason
// "policy".
package policy

import (
	"context"
	"time"

	"github.com/goodtune/ktime/internal/policy/opa"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// Input carries the facts an access check is made on.
type Input struct {
	ChildID   string
	DeviceID  string
	ContentID string
	Now       time.Time
	Rules     storage.Rules
	Decision  rules.Decision
}

// Evaluator evaluates deny rules against a fact document.
type Evaluator interface {
	EvaluateAccess(ctx context.Context, input map[string]interface{}) ([]string, error)
}

// Checker gathers facts and asks OPA whether to deny
type Checker struct {
	evaluator Evaluator
	logger    zerolog.Logger
}

// NewChecker creates a checker. A nil evaluator allows everything the rules allow.
func NewChecker(evaluator Evaluator, logger zerolog.Logger) *Checker {
	return &Checker{
		evaluator: evaluator,
		logger:    logger.With().Str("component", "policy").Logger(),
	}
}

// NewFromDir loads policies from dir. An empty dir disables the policy layer.
func NewFromDir(dir string, logger zerolog.Logger) (*Checker, *opa.Engine, error) {
	if dir == "" {
		return NewChecker(nil, logger), nil, nil
	}
	engine, err := opa.NewEngine(dir, logger)
	if err != nil {
		return nil, nil, err
	}
	return NewChecker(engine, logger), engine, nil
}

// Check returns the final decision for in
func (c *Checker) Check(ctx context.Context, in Input) rules.Decision {
	decision := in.Decision
	if c == nil || c.evaluator == nil || !decision.Allowed {
		return decision
	}

	messages, err := c.evaluator.EvaluateAccess(ctx, buildFacts(in))
	if err != nil {
		c.logger.Error().Err(err).Str("child_id", in.ChildID).Msg("OPA access evaluation failed, falling back to deny")
		return deny(decision)
	}

	if len(messages) == 0 {
		return decision
	}

	c.logger.Info().
		Str("child_id", in.ChildID).
		Str("device_id", in.DeviceID).
		Strs("messages", messages).
		Msg("Access denied by policy")

	return deny(decision)
}

func deny(d rules.Decision) rules.Decision {
	d.Allowed = false
	d.Reason = rules.ReasonPolicy
	d.Remaining = 0
	return d
}

// buildFacts converts the input into the OPA input document
func buildFacts(in Input) map[string]interface{} {
	local := in.Now.In(rules.Location(in.Rules))

	facts := map[string]interface{}{
		"child_id":   in.ChildID,
		"device_id":  in.DeviceID,
		"content_id": in.ContentID,
		"time": map[string]interface{}{
			"date":        local.Format(rules.DateLayout),
			"day_of_week": int(local.Weekday()),
			"hour":        local.Hour(),
			"minute":      local.Minute(),
			"unix":        in.Now.Unix(),
		},
		"usage": map[string]interface{}{
			"used_minutes":      in.Decision.Used.Minutes(),
			"limit_minutes":     in.Decision.Limit.Minutes(),
			"remaining_minutes": in.Decision.Remaining.Minutes(),
		},
		"rules": map[string]interface{}{
			"daily_limit_minutes": in.Rules.DailyLimitMinutes,
			"timezone":            in.Rules.Timezone,
			"bedtime": map[string]interface{}{
				"enabled": in.Rules.Bedtime.Enabled,
				"start":   in.Rules.Bedtime.Start,
				"end":     in.Rules.Bedtime.End,
			},
		},
	}

	return facts
}
