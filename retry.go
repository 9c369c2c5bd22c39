package fluxgraph

import "time"

// RetryBuilder describes how often an auto-state node reruns its task
// handler over the same window before the window's contexts fail, and how
// long it waits between runs. Attach it with FlowBuilder.WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry allows up to attempts handler runs per window, without waiting in
// between. attempts <= 0 means a single run.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

// Exponential waits initial before the second run and multiplies the wait
// by factor (2 when <= 0) for every further run, never exceeding limit when
// limit > 0.
//
//	Retry(3).Exponential(100*time.Millisecond, 2, 2*time.Second)
func (r RetryBuilder) Exponential(initial time.Duration, factor float64, limit time.Duration) RetryBuilder {
	if factor <= 0 {
		factor = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = factor
	r.policy.MaxBackoff = limit
	return r
}

// Constant waits delay between runs.
func (r RetryBuilder) Constant(delay time.Duration) RetryBuilder {
	return r.Exponential(delay, 1, 0)
}

// Immediate drops any wait between runs.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff, r.policy.BackoffMultiplier, r.policy.MaxBackoff = 0, 0, 0
	return r
}

// Policy returns the resulting RetryPolicy, for instance to tune the
// engine's persistence retries.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// properties renders the policy as the node's "retry" property, in the
// shape flow definition files use.
func (r RetryBuilder) properties() map[string]any {
	return map[string]any{
		"maxAttempts": r.policy.MaxAttempts,
		"backoff":     r.policy.InitialBackoff.String(),
		"multiplier":  r.policy.BackoffMultiplier,
		"maxBackoff":  r.policy.MaxBackoff.String(),
	}
}
