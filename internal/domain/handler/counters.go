package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// CountBasedHandler caps the total number of operations per credential.
type CountBasedHandler struct{}

// Type implements Handler.
func (h *CountBasedHandler) Type() policy.Type { return policy.TypeCountBased }

// Compile implements Handler.
func (h *CountBasedHandler) Compile(p policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.CountBasedConfig](cfg)
	if err != nil {
		return nil, err
	}
	return &countBasedRule{
		policyID: p.ID,
		limit:    int64(c.MaxCount),
		ttl:      time.Duration(c.ResetWindow),
	}, nil
}

type countBasedRule struct {
	policyID string
	limit    int64
	ttl      time.Duration
}

func (r *countBasedRule) Evaluate(ctx context.Context, in Input) (Result, error) {
	key := counter.FormatKey(counter.KeyTypeCount, r.policyID, in.Request.CredentialID)
	return reserve(ctx, in, key, r.limit, r.ttl, "usage")
}

// RateLimitingHandler caps operations per fixed window, per credential or per source IP.
type RateLimitingHandler struct{}

// Type implements Handler.
func (h *RateLimitingHandler) Type() policy.Type { return policy.TypeRateLimiting }

// Compile implements Handler.
func (h *RateLimitingHandler) Compile(p policy.Policy, cfg policy.Config) (Rule, error) {
	c, err := configAs[policy.RateLimitingConfig](cfg)
	if err != nil {
		return nil, err
	}
	return &rateLimitingRule{
		policyID: p.ID,
		limit:    int64(c.MaxRequests),
		window:   c.Window(),
		perIP:    c.PerIP,
	}, nil
}

type rateLimitingRule struct {
	policyID string
	limit    int64
	window   time.Duration
	perIP    bool
}

// unknownIP is the shared bucket for per-IP limits when the source IP is absent.
const unknownIP = "unknown"

func (r *rateLimitingRule) Evaluate(ctx context.Context, in Input) (Result, error) {
	subject := in.Request.CredentialID
	if r.perIP {
		subject = unknownIP
		if addr, err := parseSourceIP(in.Request.SourceIP); err == nil {
			subject = addr.String()
		}
	}
	key, resetAt := counter.FormatWindowKey(r.policyID, subject, r.window, in.Clock)
	// The key is unique per window, so it only needs to outlive the window.
	ttl := resetAt.Sub(in.Clock)
	if ttl < time.Second || ttl > r.window {
		ttl = r.window
	}
	return reserve(ctx, in, key, r.limit, ttl, "rate")
}

// reserve applies the stage discipline shared by stateful rules.
//
// LIVE: atomically increment; over the limit the increment is undone at once
// and the rule denies, otherwise the increment is staged for commit or
// compensation by the evaluator. SIMULATE: read only.
func reserve(ctx context.Context, in Input, key string, limit int64, ttl time.Duration, label string) (Result, error) {
	if in.Mode == policy.ModeSimulate {
		current, err := in.Counters.Get(ctx, key)
		if err != nil {
			return Result{}, storeError("get", err)
		}
		if current >= limit {
			return deny(fmt.Sprintf("%s limit reached (%d/%d)", label, current, limit)), nil
		}
		return allow(fmt.Sprintf("%s %d/%d, would consume 1", label, current, limit)), nil
	}

	n, err := in.Counters.IncrementAndGet(ctx, key, ttl)
	if err != nil {
		return Result{}, storeError("increment", err)
	}
	if n > limit {
		if err := in.Counters.Decrement(ctx, key); err != nil {
			return Result{}, storeError("decrement", err)
		}
		return deny(fmt.Sprintf("%s limit reached (%d/%d)", label, limit, limit)), nil
	}
	return Result{
		Outcome: policy.OutcomeAllow,
		Detail:  fmt.Sprintf("%s %d/%d", label, n, limit),
		Staged:  &Staged{Key: key},
	}, nil
}
