package probe

import (
	"context"
	"time"

	"github.com/petal-labs/switchboard/catalog"
)

// RetryPolicy bounds repeated attempts for retryable failures. The zero value
// means a single attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	Backoff     time.Duration `json:"backoff" yaml:"backoff" toml:"backoff"`
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// WithRetry wraps prober so that retryable failures are attempted again, with
// linear backoff, until the policy or the context runs out.
func WithRetry(prober Prober, policy RetryPolicy) Prober {
	policy = policy.normalized()
	if policy.MaxAttempts == 1 {
		return prober
	}
	return &retryingProber{next: prober, policy: policy}
}

type retryingProber struct {
	next   Prober
	policy RetryPolicy
}

func (p *retryingProber) Probe(ctx context.Context, desc catalog.Descriptor) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return Result{}, lastErr
			}
			return Result{}, err
		}

		result, err := p.next.Probe(ctx, desc)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == p.policy.MaxAttempts || !Classify(err).Retryable {
			break
		}

		wait := p.policy.Backoff * time.Duration(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, lastErr
		case <-timer.C:
		}
	}
	return Result{}, lastErr
}
