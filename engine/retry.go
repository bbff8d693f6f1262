package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/franksops/hdfsconn/errdefs"
	"github.com/franksops/hdfsconn/metrics"
)

// PolicyKind selects how failed store operations are retried.
type PolicyKind int

const (
	NoRetry PolicyKind = iota + 1
	BoundedRetry
	UnboundedRetry
)

func (k PolicyKind) String() string {
	switch k {
	case NoRetry:
		return "NoRetry"
	case BoundedRetry:
		return "BoundedRetry"
	case UnboundedRetry:
		return "InfiniteRetry"
	}
	return fmt.Sprintf("PolicyKind(%d)", int(k))
}

// ParsePolicyKind accepts NoRetry, BoundedRetry and InfiniteRetry (or
// UnboundedRetry), case-insensitively.
func ParsePolicyKind(s string) (PolicyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noretry", "none":
		return NoRetry, nil
	case "boundedretry", "bounded":
		return BoundedRetry, nil
	case "infiniteretry", "unboundedretry", "unbounded":
		return UnboundedRetry, nil
	}
	return 0, errdefs.Config("reconnection.policy", "unknown policy %q", s)
}

// ReconnectPolicy is shared by the scanner, reader and writer. A bounded
// policy makes one initial attempt plus at most Bound retries, waiting
// Interval between attempts. The zero value selects DefaultReconnectPolicy.
type ReconnectPolicy struct {
	Kind     PolicyKind
	Bound    int
	Interval time.Duration
}

// DefaultReconnectPolicy retries five times, ten seconds apart.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Kind: BoundedRetry, Bound: 5, Interval: 10 * time.Second}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Kind == 0 {
		d := DefaultReconnectPolicy()
		if p.Bound != 0 {
			d.Bound = p.Bound
		}
		if p.Interval != 0 {
			d.Interval = p.Interval
		}
		return d
	}
	return p
}

// Validate checks the policy without side effects.
func (p ReconnectPolicy) Validate() error {
	p = p.withDefaults()
	if p.Kind < NoRetry || p.Kind > UnboundedRetry {
		return errdefs.Config("reconnection.policy", "unknown policy kind %d", int(p.Kind))
	}
	if p.Bound < 0 {
		return errdefs.Config("reconnection.bound", "must not be negative, got %d", p.Bound)
	}
	if p.Interval < 0 {
		return errdefs.Config("reconnection.interval", "must not be negative, got %s", p.Interval)
	}
	return nil
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	switch p.Kind {
	case NoRetry:
		b = &backoff.StopBackOff{}
	case UnboundedRetry:
		b = backoff.NewConstantBackOff(p.Interval)
	default:
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.Bound))
	}
	return backoff.WithContext(b, ctx)
}

// retrier runs store operations under a ReconnectPolicy on behalf of one
// component.
type retrier struct {
	policy    ReconnectPolicy
	component string
	logger    *zap.Logger
	stats     *Stats
	// retryable reports whether an error should be retried. Nil retries
	// every error.
	retryable func(error) bool
}

// do runs fn until it succeeds, the policy is exhausted or ctx is done.
// Exhaustion yields an *errdefs.FatalError. Errors rejected by retryable and
// context errors are returned unchanged.
func (r *retrier) do(ctx context.Context, op, target string, fn func() error) error {
	attempts := 0
	rejected := false

	err := backoff.RetryNotify(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if r.retryable != nil && !r.retryable(err) {
			rejected = true
			return backoff.Permanent(err)
		}
		return err
	}, r.policy.backOff(ctx), func(err error, wait time.Duration) {
		r.stats.Retries.Add(1)
		metrics.RecordRetry(r.component, op)
		r.logger.Warn("store operation failed, retrying",
			zap.String("op", op),
			zap.String("path", target),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	switch {
	case err == nil:
		return nil
	case rejected, ctx.Err() != nil:
		return err
	}

	r.logger.Error("store operation failed, giving up",
		zap.String("op", op),
		zap.String("path", target),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &errdefs.FatalError{Component: r.component, Op: op, Attempts: attempts, Err: err}
}
