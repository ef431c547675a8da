package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/credgate/internal/domain/credential"
	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockPolicyStore is a PolicyWriter with failure injection.
type mockPolicyStore struct {
	mu       sync.RWMutex
	policies []policy.Policy
	err      error
	calls    map[policy.ScopeKind]int
}

func newMockPolicyStore(policies ...policy.Policy) *mockPolicyStore {
	return &mockPolicyStore{policies: policies, calls: make(map[policy.ScopeKind]int)}
}

func (m *mockPolicyStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockPolicyStore) ListActivePolicies(_ context.Context, scope policy.Scope) ([]policy.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[scope.Kind()]++
	if m.err != nil {
		return nil, m.err
	}
	var out []policy.Policy
	for _, p := range m.policies {
		if p.IsActive && p.Scope == scope {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *mockPolicyStore) ListPolicies(_ context.Context) ([]policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]policy.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *mockPolicyStore) GetPolicy(_ context.Context, id string) (*policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, p := range m.policies {
		if p.ID == id {
			c := p.Clone()
			return &c, nil
		}
	}
	return nil, policy.ErrPolicyNotFound
}

func (m *mockPolicyStore) SavePolicy(_ context.Context, p *policy.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for i := range m.policies {
		if m.policies[i].ID == p.ID {
			m.policies[i] = p.Clone()
			return nil
		}
	}
	m.policies = append(m.policies, p.Clone())
	return nil
}

func (m *mockPolicyStore) DeletePolicy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for i := range m.policies {
		if m.policies[i].ID == id {
			m.policies = append(m.policies[:i], m.policies[i+1:]...)
			return nil
		}
	}
	return policy.ErrPolicyNotFound
}

func (m *mockPolicyStore) scopeCalls(kind policy.ScopeKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[kind]
}

// failingCounterStore fails every call.
type failingCounterStore struct{}

var errCounterDown = errors.New("connection refused")

func (failingCounterStore) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.Join(policy.ErrStoreUnavailable, errCounterDown)
}

func (failingCounterStore) Get(context.Context, string) (int64, error) {
	return 0, errors.Join(policy.ErrStoreUnavailable, errCounterDown)
}

func (failingCounterStore) Decrement(context.Context, string) error {
	return errors.Join(policy.ErrStoreUnavailable, errCounterDown)
}

// recordingEmitter captures audit calls.
type recordingEmitter struct {
	mu      sync.Mutex
	results []policy.EvaluationResult
}

func (r *recordingEmitter) Record(_ context.Context, _ policy.OperationRequest, result policy.EvaluationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// recordingObserver captures evaluation telemetry.
type recordingObserver struct {
	mu            sync.Mutex
	evaluations   map[policy.Status]int
	configErrors  map[policy.Type]int
	storeErrors   map[string]int
	compensations int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		evaluations:  make(map[policy.Status]int),
		configErrors: make(map[policy.Type]int),
		storeErrors:  make(map[string]int),
	}
}

func (o *recordingObserver) ObserveEvaluation(_ policy.Mode, status policy.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evaluations[status]++
}

func (o *recordingObserver) ObserveConfigError(t policy.Type) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.configErrors[t]++
}

func (o *recordingObserver) ObserveStoreError(store string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.storeErrors[store]++
}

func (o *recordingObserver) ObserveCompensation(released int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compensations += released
}

// newPolicy builds an active policy with a JSON config literal.
func newPolicy(id string, scope policy.Scope, typ policy.Type, priority int, config string) policy.Policy {
	return policy.Policy{
		ID:       id,
		Name:     id,
		Scope:    scope,
		Type:     typ,
		Config:   json.RawMessage(config),
		Priority: priority,
		IsActive: true,
	}
}

type evaluatorEnv struct {
	evaluator *Evaluator
	store     *mockPolicyStore
	counters  *memory.MemoryCounterStore
	emitter   *recordingEmitter
	observer  *recordingObserver
	metadata  *memory.CredentialDirectory
}

// newEvaluatorEnv wires an Evaluator over in-memory stores. cred-1 is an
// "aws" credential in the metadata directory.
func newEvaluatorEnv(t *testing.T, policies []policy.Policy, opts ...EvaluatorOption) *evaluatorEnv {
	t.Helper()
	env := &evaluatorEnv{
		store:    newMockPolicyStore(policies...),
		counters: memory.NewCounterStoreWithConfig(time.Hour, discardLogger()),
		emitter:  &recordingEmitter{},
		observer: newRecordingObserver(),
		metadata: memory.NewCredentialDirectory(),
	}
	env.metadata.Put(credentialMD("cred-1", "aws", "Prod AWS"))
	env.metadata.SetPluginName("aws", "Amazon Web Services")

	base := []EvaluatorOption{
		WithAuditEmitter(env.emitter),
		WithObserver(env.observer),
		WithMetadata(env.metadata),
	}
	env.evaluator = NewEvaluator(env.store, env.counters, handler.NewRegistry(nil), discardLogger(), append(base, opts...)...)
	return env
}

func (env *evaluatorEnv) live(t *testing.T, req policy.OperationRequest) policy.EvaluationResult {
	t.Helper()
	res, err := env.evaluator.Evaluate(context.Background(), req, policy.ModeLive)
	if err != nil {
		t.Fatalf("Evaluate(LIVE) error: %v", err)
	}
	return res
}

func (env *evaluatorEnv) simulate(t *testing.T, req policy.OperationRequest) policy.EvaluationResult {
	t.Helper()
	res, err := env.evaluator.Evaluate(context.Background(), req, policy.ModeSimulate)
	if err != nil {
		t.Fatalf("Evaluate(SIMULATE) error: %v", err)
	}
	return res
}

func (env *evaluatorEnv) counter(t *testing.T, key string) int64 {
	t.Helper()
	v, err := env.counters.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("counter Get(%q) error: %v", key, err)
	}
	return v
}

func credentialMD(id, pluginType, name string) credential.Metadata {
	return credential.Metadata{ID: id, PluginType: pluginType, Name: name}
}

func request(credentialID, operation string) policy.OperationRequest {
	return policy.OperationRequest{
		CredentialID:  credentialID,
		ApplicationID: "app-1",
		Operation:     operation,
		SourceIP:      "10.0.0.1",
	}
}
