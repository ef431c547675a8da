// Package service contains application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/credgate/internal/domain/approval"
	"github.com/Sentinel-Gate/credgate/internal/domain/audit"
	"github.com/Sentinel-Gate/credgate/internal/domain/counter"
	"github.com/Sentinel-Gate/credgate/internal/domain/credential"
	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

const tracerName = "github.com/Sentinel-Gate/credgate/internal/service"

// ApprovalBroker connects the evaluator to parked manual approvals.
type ApprovalBroker interface {
	// Resume returns the approval referenced by req.ApprovalToken when it
	// still applies to req, or nil.
	Resume(ctx context.Context, req policy.OperationRequest) (*approval.PendingApproval, error)
	// Park stores a pending approval for req and returns its token.
	Park(ctx context.Context, req policy.OperationRequest, p policy.Policy, inherited map[string]policy.ApprovalDecision) (string, error)
	// Consume marks an approved token as used. Returns approval.ErrApprovalResolved
	// when it was already used.
	Consume(ctx context.Context, token string) error
}

// EvaluationObserver receives evaluation telemetry.
type EvaluationObserver interface {
	ObserveEvaluation(mode policy.Mode, status policy.Status, d time.Duration)
	ObserveConfigError(t policy.Type)
	ObserveStoreError(store string)
	ObserveCompensation(released int)
}

type nopObserver struct{}

func (nopObserver) ObserveEvaluation(policy.Mode, policy.Status, time.Duration) {}
func (nopObserver) ObserveConfigError(policy.Type)                              {}
func (nopObserver) ObserveStoreError(string)                                    {}
func (nopObserver) ObserveCompensation(int)                                     {}

// policySource lists the active policies for one scope.
type policySource func(ctx context.Context, scope policy.Scope) ([]policy.Policy, error)

// Evaluator runs the GLOBAL → PLUGIN → CREDENTIAL cascade.
//
// The evaluator holds no per-request state: counters live in the counter
// store and compiled rules in an LRU keyed by config digest, so any number
// of evaluators may share the same stores.
type Evaluator struct {
	store          policy.PolicyStore
	counters       counter.Store
	registry       *handler.Registry
	cache          *RuleCache
	emitter        audit.Emitter
	approvals      ApprovalBroker
	metadata       credential.MetadataLookup
	observer       EvaluationObserver
	tracer         trace.Tracer
	defaultVerdict policy.Status
	now            func() time.Time
	logger         *slog.Logger
}

// EvaluatorOption configures Evaluator.
type EvaluatorOption func(*Evaluator)

// WithDefaultVerdict sets the verdict used when no policy decides.
// Only StatusAllowed and StatusDenied are accepted; anything else is ignored.
func WithDefaultVerdict(s policy.Status) EvaluatorOption {
	return func(e *Evaluator) {
		if s == policy.StatusAllowed || s == policy.StatusDenied {
			e.defaultVerdict = s
		}
	}
}

// WithRuleCacheSize sets the maximum number of compiled policies to cache.
func WithRuleCacheSize(size int) EvaluatorOption {
	return func(e *Evaluator) {
		if size > 0 {
			e.cache = NewRuleCache(size)
		}
	}
}

// WithAuditEmitter sets the emitter called after LIVE evaluations.
func WithAuditEmitter(em audit.Emitter) EvaluatorOption {
	return func(e *Evaluator) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithApprovals enables parking and resuming of MANUAL_APPROVAL verdicts.
func WithApprovals(b ApprovalBroker) EvaluatorOption {
	return func(e *Evaluator) {
		e.approvals = b
	}
}

// WithMetadata sets the credential metadata lookup.
func WithMetadata(m credential.MetadataLookup) EvaluatorOption {
	return func(e *Evaluator) {
		e.metadata = m
	}
}

// WithObserver sets the telemetry observer.
func WithObserver(o EvaluationObserver) EvaluatorOption {
	return func(e *Evaluator) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) EvaluatorOption {
	return func(e *Evaluator) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the clock used when a request carries no timestamp.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator creates an Evaluator. The default verdict is ALLOWED.
func NewEvaluator(
	store policy.PolicyStore,
	counters counter.Store,
	registry *handler.Registry,
	logger *slog.Logger,
	opts ...EvaluatorOption,
) *Evaluator {
	e := &Evaluator{
		store:          store,
		counters:       counters,
		registry:       registry,
		cache:          NewRuleCache(1000),
		emitter:        audit.NopEmitter{},
		observer:       nopObserver{},
		tracer:         otel.Tracer(tracerName),
		defaultVerdict: policy.StatusAllowed,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger.Info("policy evaluator initialized",
		"default_verdict", e.defaultVerdict,
		"approvals", e.approvals != nil,
	)
	return e
}

// DefaultVerdict returns the configured default verdict.
func (e *Evaluator) DefaultVerdict() policy.Status {
	return e.defaultVerdict
}

// CacheSize returns the number of compiled policies currently cached.
func (e *Evaluator) CacheSize() int {
	return e.cache.Size()
}

// Evaluate runs the cascade for req. A non-nil error means no verdict could
// be produced; it wraps policy.ErrStoreUnavailable on store outages.
func (e *Evaluator) Evaluate(ctx context.Context, req policy.OperationRequest, mode policy.Mode) (policy.EvaluationResult, error) {
	return e.evaluate(ctx, req, mode, e.store.ListActivePolicies)
}

// Compile validates a policy and returns its compiled rule, using the cache.
func (e *Evaluator) Compile(p policy.Policy) (handler.Rule, error) {
	key := policy.ConfigDigest(p)
	if entry, ok := e.cache.Get(key); ok {
		return entry.rule, entry.err
	}
	rule, err := e.registry.Compile(p)
	e.cache.Put(key, compiledEntry{rule: rule, err: err})
	return rule, err
}

// cascadeState carries the per-request bookkeeping of one evaluation.
type cascadeState struct {
	result       policy.EvaluationResult
	trace        []policy.TraceEntry
	decided      bool
	firstAllow   string
	decider      *policy.Policy
	usedApproval bool
}

func (e *Evaluator) evaluate(ctx context.Context, req policy.OperationRequest, mode policy.Mode, source policySource) (policy.EvaluationResult, error) {
	start := time.Now()
	if mode != policy.ModeLive && mode != policy.ModeSimulate {
		return policy.EvaluationResult{}, fmt.Errorf("%w: unknown mode %q", policy.ErrInvalidRequest, mode)
	}
	if strings.TrimSpace(req.CredentialID) == "" || strings.TrimSpace(req.Operation) == "" {
		return policy.EvaluationResult{}, fmt.Errorf("%w: credential_id and operation are required", policy.ErrInvalidRequest)
	}

	ctx, span := e.tracer.Start(ctx, "policy.Evaluate", trace.WithAttributes(
		attribute.String("credgate.mode", string(mode)),
		attribute.String("credgate.credential_id", req.CredentialID),
		attribute.String("credgate.operation", req.Operation),
	))
	defer span.End()

	fail := func(err error) (policy.EvaluationResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return policy.EvaluationResult{}, err
	}

	if req.Timestamp.IsZero() {
		req.Timestamp = e.now()
	}
	e.resolvePluginType(ctx, &req)

	var resumed *approval.PendingApproval
	if e.approvals != nil && req.ApprovalToken != "" {
		pa, err := e.approvals.Resume(ctx, req)
		if err != nil {
			e.observer.ObserveStoreError("approvals")
			return fail(fmt.Errorf("%w: resume approval: %v", policy.ErrStoreUnavailable, err))
		}
		resumed = pa
	}
	var decisions map[string]policy.ApprovalDecision
	if resumed != nil {
		decisions = resumed.Decisions()
	}

	ordered, err := e.collect(ctx, req, source)
	if err != nil {
		e.observer.ObserveStoreError("policies")
		e.logger.Error("policy store unavailable", "credential_id", req.CredentialID, "error", err)
		return fail(err)
	}

	counters := e.counters
	if mode == policy.ModeSimulate {
		counters = counter.ReadOnly(e.counters)
	}
	ledger := &stagedLedger{store: e.counters}
	clock := e.now()
	st := &cascadeState{result: policy.EvaluationResult{Mode: mode, EvaluatedAt: req.Timestamp}}

	for i := range ordered {
		p := &ordered[i]
		entry := policy.TraceEntry{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Type:       p.Type,
			Scope:      p.Scope,
		}
		if mode == policy.ModeSimulate {
			entry.ScopeLabel = e.scopeLabel(ctx, p.Scope)
		}

		rule, err := e.Compile(*p)
		if err != nil {
			e.configError(st, p, entry, err)
			break
		}

		res, err := rule.Evaluate(ctx, handler.Input{
			Request:   req,
			Mode:      mode,
			Now:       req.Timestamp,
			Clock:     clock,
			Counters:  counters,
			Decisions: decisions,
		})
		if err != nil {
			if errors.Is(err, policy.ErrStoreUnavailable) || ctx.Err() != nil {
				e.release(ctx, ledger)
				if ctxErr := ctx.Err(); ctxErr != nil {
					return fail(ctxErr)
				}
				e.observer.ObserveStoreError("counters")
				e.logger.Error("counter store unavailable", "policy_id", p.ID, "error", err)
				return fail(err)
			}
			e.configError(st, p, entry, err)
			break
		}
		ledger.add(res.Staged)

		entry.Outcome = res.Outcome
		entry.Detail = res.Detail
		st.trace = append(st.trace, entry)

		e.logger.Debug("policy evaluated",
			"policy_id", p.ID,
			"type", p.Type,
			"scope", p.Scope.String(),
			"outcome", res.Outcome,
			"mode", mode,
		)

		switch res.Outcome {
		case policy.OutcomeAllow:
			if st.firstAllow == "" {
				st.firstAllow = p.ID
			}
			if p.Type == policy.TypeManualApproval {
				st.usedApproval = true
			}
		case policy.OutcomeDeny:
			st.decide(p, policy.StatusDenied, fmt.Sprintf("denied by policy %q: %s", p.Name, res.Detail))
		case policy.OutcomePending:
			st.decide(p, policy.StatusPending, fmt.Sprintf("policy %q requires manual approval: %s", p.Name, res.Detail))
		}
		if st.decided {
			break
		}
	}

	if !st.decided {
		e.applyDefault(st)
	}

	st.result.Trace = st.trace
	if mode == policy.ModeLive {
		if err := e.finishLive(ctx, req, resumed, decisions, ledger, st); err != nil {
			return fail(err)
		}
	} else {
		if st.result.Status == policy.StatusPending && resumed != nil && resumed.Status == approval.StatusPending &&
			st.decider != nil && st.decider.ID == resumed.PolicyID {
			st.result.ApprovalToken = resumed.Token
		}
	}

	st.result.Duration = time.Since(start)
	e.observer.ObserveEvaluation(mode, st.result.Status, st.result.Duration)
	span.SetAttributes(
		attribute.String("credgate.status", string(st.result.Status)),
		attribute.String("credgate.matched_policy_id", st.result.MatchedPolicyID),
	)

	if mode == policy.ModeLive {
		e.emitter.Record(ctx, req, st.result)
	}
	return st.result, nil
}

func (st *cascadeState) decide(p *policy.Policy, status policy.Status, reason string) {
	st.decided = true
	st.decider = p
	st.result.Status = status
	st.result.MatchedPolicyID = p.ID
	st.result.Reason = reason
}

// configError turns a misconfigured policy into a DENY for this request.
func (e *Evaluator) configError(st *cascadeState, p *policy.Policy, entry policy.TraceEntry, err error) {
	entry.Outcome = policy.OutcomeDeny
	entry.Detail = "configuration error: " + err.Error()
	entry.ConfigError = true
	st.trace = append(st.trace, entry)
	st.decide(p, policy.StatusDenied, fmt.Sprintf("policy %q is misconfigured: %v", p.Name, err))
	st.result.ConfigError = true

	e.observer.ObserveConfigError(p.Type)
	e.logger.Warn("policy configuration error, denying request",
		"policy_id", p.ID,
		"policy_name", p.Name,
		"type", p.Type,
		"error", err,
	)
}

func (e *Evaluator) applyDefault(st *cascadeState) {
	switch {
	case e.defaultVerdict == policy.StatusAllowed:
		st.result.Status = policy.StatusAllowed
		st.result.Reason = "no policy denied the request (default allow)"
	case st.firstAllow != "":
		st.result.Status = policy.StatusAllowed
		st.result.MatchedPolicyID = st.firstAllow
		st.result.Reason = "allowed by policy (default deny)"
	default:
		st.result.Status = policy.StatusDenied
		st.result.Reason = "no policy allowed the request (default deny)"
	}
}

// finishLive applies the LIVE-mode effects: approval bookkeeping, then the
// single commit point, or compensation of staged quota.
func (e *Evaluator) finishLive(
	ctx context.Context,
	req policy.OperationRequest,
	resumed *approval.PendingApproval,
	decisions map[string]policy.ApprovalDecision,
	ledger *stagedLedger,
	st *cascadeState,
) error {
	switch st.result.Status {
	case policy.StatusAllowed:
		if st.usedApproval && resumed != nil {
			if err := e.approvals.Consume(ctx, resumed.Token); err != nil {
				if !errors.Is(err, approval.ErrApprovalResolved) {
					e.release(ctx, ledger)
					e.observer.ObserveStoreError("approvals")
					return fmt.Errorf("%w: consume approval: %v", policy.ErrStoreUnavailable, err)
				}
				st.result.Status = policy.StatusDenied
				st.result.MatchedPolicyID = resumed.PolicyID
				st.result.Reason = "approval token has already been used"
				e.release(ctx, ledger)
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			e.release(ctx, ledger)
			return err
		}
		ledger.commit()
		return nil

	case policy.StatusPending:
		e.release(ctx, ledger)
		if e.approvals == nil {
			st.result.Reason += " (approvals are not enabled)"
			return nil
		}
		if resumed != nil && resumed.Status == approval.StatusPending && resumed.PolicyID == st.decider.ID {
			st.result.ApprovalToken = resumed.Token
			return nil
		}
		token, err := e.approvals.Park(ctx, req, *st.decider, decisions)
		if err != nil {
			e.observer.ObserveStoreError("approvals")
			return fmt.Errorf("%w: park approval: %v", policy.ErrStoreUnavailable, err)
		}
		st.result.ApprovalToken = token
		return nil

	default:
		e.release(ctx, ledger)
		return nil
	}
}

// release compensates staged increments and records the outcome.
func (e *Evaluator) release(ctx context.Context, ledger *stagedLedger) {
	released, err := ledger.rollback(ctx)
	if released > 0 {
		e.observer.ObserveCompensation(released)
	}
	if err != nil {
		e.observer.ObserveStoreError("counters")
		e.logger.Error("failed to release staged counter quota", "error", err)
	}
}

// collect fetches and orders the applicable policies: GLOBAL, then
// PLUGIN(pluginType), then CREDENTIAL(credentialID). Within a scope, higher
// priority first, ties broken by ascending id.
func (e *Evaluator) collect(ctx context.Context, req policy.OperationRequest, source policySource) ([]policy.Policy, error) {
	scopes := []policy.Scope{policy.GlobalScope()}
	if req.PluginType != "" {
		scopes = append(scopes, policy.PluginScope(req.PluginType))
	}
	scopes = append(scopes, policy.CredentialScope(req.CredentialID))

	var ordered []policy.Policy
	for _, scope := range scopes {
		policies, err := source(ctx, scope)
		if err != nil {
			if errors.Is(err, policy.ErrStoreUnavailable) {
				return nil, fmt.Errorf("list %s policies: %w", scope, err)
			}
			return nil, fmt.Errorf("%w: list %s policies: %v", policy.ErrStoreUnavailable, scope, err)
		}
		bucket := make([]policy.Policy, 0, len(policies))
		for _, p := range policies {
			if !p.IsActive || p.Scope != scope {
				continue
			}
			bucket = append(bucket, p)
		}
		SortPolicies(bucket)
		ordered = append(ordered, bucket...)
	}
	return ordered, nil
}

// SortPolicies orders policies by descending priority, then ascending id.
func SortPolicies(policies []policy.Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

func (e *Evaluator) resolvePluginType(ctx context.Context, req *policy.OperationRequest) {
	if req.PluginType != "" || e.metadata == nil {
		return
	}
	md, err := e.metadata.Credential(ctx, req.CredentialID)
	if err != nil {
		e.logger.Debug("plugin type lookup failed, plugin scope skipped",
			"credential_id", req.CredentialID,
			"error", err,
		)
		return
	}
	req.PluginType = md.PluginType
}

func (e *Evaluator) scopeLabel(ctx context.Context, s policy.Scope) string {
	if e.metadata == nil {
		return ""
	}
	switch s.Kind() {
	case policy.ScopePlugin:
		return e.metadata.PluginName(ctx, s.Target())
	case policy.ScopeCredential:
		md, err := e.metadata.Credential(ctx, s.Target())
		if err != nil {
			return ""
		}
		return md.Name
	}
	return ""
}

// Compile-time interface verification.
var _ policy.Engine = (*Evaluator)(nil)
