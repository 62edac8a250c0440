package infra

import (
	"context"
	"fmt"
)

// RecoveryRule pairs a failure signal with the repair that makes one more
// attempt worthwhile. A nil Repair means the attempt is simply repeated.
type RecoveryRule struct {
	Name   string
	Match  func(error) bool
	Repair func(ctx context.Context) error
}

// RetryPolicy runs an operation once and, when the failure matches one of its
// rules, performs that rule's repair followed by exactly one more attempt.
// Rules are checked in order; the first match wins.
type RetryPolicy struct {
	Rules []RecoveryRule

	// OnRecover is called before a repair runs, e.g. for logging.
	OnRecover func(rule string, cause error)
}

func NewRetryPolicy(rules ...RecoveryRule) *RetryPolicy {
	return &RetryPolicy{Rules: rules}
}

// Do executes fn under the policy. The error of the second attempt is
// returned unchanged, so a repeated failure of the same kind reaches the
// caller instead of looping.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	// Only the caller's own context stops a retry. A transport timeout also
	// reports context.DeadlineExceeded and stays retryable.
	if ctx.Err() != nil {
		return err
	}

	rule, ok := p.match(err)
	if !ok {
		return err
	}

	if p.OnRecover != nil {
		p.OnRecover(rule.Name, err)
	}

	if rule.Repair != nil {
		if repairErr := rule.Repair(ctx); repairErr != nil {
			return fmt.Errorf("%s after %v: %w", rule.Name, err, repairErr)
		}
	}

	return fn(ctx)
}

func (p *RetryPolicy) match(err error) (RecoveryRule, bool) {
	for _, r := range p.Rules {
		if r.Match != nil && r.Match(err) {
			return r, true
		}
	}
	return RecoveryRule{}, false
}

// Retry runs fn under the policy and returns its value.
func Retry[T any](ctx context.Context, p *RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
