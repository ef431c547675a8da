package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/credgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/credgate/internal/domain/handler"
	"github.com/Sentinel-Gate/credgate/internal/domain/policy"
)

// testPolicyAdminEnv sets up a PolicyAdminService over an in-memory store and
// an evaluator with CEL conditions enabled.
func testPolicyAdminEnv(t *testing.T) (*PolicyAdminService, *memory.MemoryPolicyStore) {
	t.Helper()
	conditions, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("cel.NewEvaluator: %v", err)
	}
	store := memory.NewPolicyStore()
	ev := NewEvaluator(store, memory.NewCounterStoreWithConfig(time.Hour, discardLogger()), handler.NewRegistry(conditions), discardLogger())
	return NewPolicyAdminService(store, ev, discardLogger()), store
}

func draftPolicy(name string, typ policy.Type, config string) *policy.Policy {
	return &policy.Policy{
		Name:     name,
		Scope:    policy.GlobalScope(),
		Type:     typ,
		Config:   json.RawMessage(config),
		Priority: 10,
		IsActive: true,
	}
}

func TestPolicyAdminService_Create(t *testing.T) {
	t.Parallel()

	svc, store := testPolicyAdminEnv(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftPolicy("Block IAM", policy.TypeDenyList, `{"operations":["iam:*"]}`))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID == "" {
		t.Error("Create() should generate an ID")
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Errorf("timestamps = %v / %v", created.CreatedAt, created.UpdatedAt)
	}

	active, err := store.ListActivePolicies(ctx, policy.GlobalScope())
	if err != nil || len(active) != 1 {
		t.Errorf("active global policies = %d, err = %v", len(active), err)
	}
}

func TestPolicyAdminService_CreateWithCondition(t *testing.T) {
	t.Parallel()

	svc, _ := testPolicyAdminEnv(t)
	_, err := svc.Create(context.Background(), draftPolicy("Office only", policy.TypeDenyList,
		`{"operations":[{"operation":"s3:*","condition":"!ip_in_cidr(source_ip, \"10.0.0.0/8\")"}]}`))
	if err != nil {
		t.Errorf("Create() with valid condition error: %v", err)
	}
}

func TestPolicyAdminService_CreateRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy *policy.Policy
	}{
		{"missing name", draftPolicy("", policy.TypeDenyList, `{"operations":["iam:*"]}`)},
		{"unknown type", draftPolicy("x", policy.Type("GEOFENCE"), `{}`)},
		{"schema violation", draftPolicy("x", policy.TypeCountBased, `{"maxCount":"three"}`)},
		{"bad regex", draftPolicy("x", policy.TypePatternMatch, `{"pattern":"([a-z"}`)},
		{"bad cidr", draftPolicy("x", policy.TypeIPRestriction, `{"allowedCidrs":["10.0.0.0/33"]}`)},
		{"bad timezone", draftPolicy("x", policy.TypeTimeBased, `{"daysOfWeek":["MON"],"timezone":"Mars/Olympus"}`)},
		{"bad condition", draftPolicy("x", policy.TypeDenyList, `{"operations":[{"operation":"s3:*","condition":"nope("}]}`)},
		{"non-bool condition", draftPolicy("x", policy.TypeDenyList, `{"operations":[{"operation":"s3:*","condition":"operation"}]}`)},
		{
			"plugin scope without target",
			func() *policy.Policy {
				p := draftPolicy("x", policy.TypeDenyList, `{"operations":["iam:*"]}`)
				p.Scope = policy.PluginScope("")
				return p
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, store := testPolicyAdminEnv(t)
			ctx := context.Background()

			_, err := svc.Create(ctx, tt.policy)
			if !errors.Is(err, policy.ErrInvalidPolicy) {
				t.Fatalf("Create() error = %v, want ErrInvalidPolicy", err)
			}
			all, _ := store.ListPolicies(ctx)
			if len(all) != 0 {
				t.Errorf("invalid policy persisted: %+v", all)
			}
		})
	}
}

func TestPolicyAdminService_Update(t *testing.T) {
	t.Parallel()

	svc, _ := testPolicyAdminEnv(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftPolicy("Quota", policy.TypeCountBased, `{"maxCount":10}`))
	if err != nil {
		t.Fatal(err)
	}

	update := draftPolicy("Quota (tight)", policy.TypeCountBased, `{"maxCount":3}`)
	update.ID = "ignored"
	svc.now = func() time.Time { return created.CreatedAt.Add(time.Hour) }
	updated, err := svc.Update(ctx, created.ID, update)
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.ID != created.ID || !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("immutable fields changed: %+v", updated)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("UpdatedAt not advanced: %v", updated.UpdatedAt)
	}
	if updated.Name != "Quota (tight)" {
		t.Errorf("Name = %q", updated.Name)
	}

	if _, err := svc.Update(ctx, "missing", update); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrPolicyNotFound", err)
	}

	bad := draftPolicy("Quota", policy.TypeCountBased, `{"maxCount":0}`)
	if _, err := svc.Update(ctx, created.ID, bad); !errors.Is(err, policy.ErrInvalidPolicy) {
		t.Errorf("Update(invalid) error = %v, want ErrInvalidPolicy", err)
	}
	got, _ := svc.Get(ctx, created.ID)
	if string(got.Config) != `{"maxCount":3}` {
		t.Errorf("invalid update overwrote config: %s", got.Config)
	}
}

func TestPolicyAdminService_DeleteAndGet(t *testing.T) {
	t.Parallel()

	svc, _ := testPolicyAdminEnv(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftPolicy("Temp", policy.TypeAllowList, `{"operations":["s3:Get*"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, created.ID); err != nil {
		t.Errorf("Get() error: %v", err)
	}
	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrPolicyNotFound", err)
	}
	if err := svc.Delete(ctx, created.ID); !errors.Is(err, policy.ErrPolicyNotFound) {
		t.Errorf("Delete(deleted) error = %v, want ErrPolicyNotFound", err)
	}
}

func TestPolicyAdminService_ListSorted(t *testing.T) {
	t.Parallel()

	svc, _ := testPolicyAdminEnv(t)
	ctx := context.Background()

	low := draftPolicy("low", policy.TypeAllowList, `{"operations":["*"]}`)
	low.Priority = 1
	high := draftPolicy("high", policy.TypeAllowList, `{"operations":["*"]}`)
	high.Priority = 100
	for _, p := range []*policy.Policy{low, high} {
		if _, err := svc.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	all, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Name != "high" {
		t.Errorf("List() = %+v, want high first", all)
	}
}

func TestPolicyAdminService_ListStoreError(t *testing.T) {
	t.Parallel()

	store := newMockPolicyStore()
	store.setErr(errors.New("disk full"))
	svc := NewPolicyAdminService(store, nil, discardLogger())

	if _, err := svc.List(context.Background()); err == nil {
		t.Error("List() should surface store errors")
	}
	if _, err := svc.Create(context.Background(), draftPolicy("x", policy.TypeAllowList, `{"operations":["*"]}`)); err == nil {
		t.Error("Create() should surface store errors")
	}
}

func TestPolicyAdminService_Import(t *testing.T) {
	t.Parallel()

	svc, store := testPolicyAdminEnv(t)
	ctx := context.Background()

	seed := []policy.Policy{
		*draftPolicy("Block IAM", policy.TypeDenyList, `{"operations":["iam:*"]}`),
		*draftPolicy("Quota", policy.TypeCountBased, `{"maxCount":100}`),
	}
	seed[0].ID = "seed-block-iam"

	n, err := svc.Import(ctx, seed)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Import() = %d, want 2", n)
	}
	if _, err := store.GetPolicy(ctx, "seed-block-iam"); err != nil {
		t.Errorf("supplied ID not kept: %v", err)
	}

	// Re-importing the same IDs replaces rather than duplicates.
	if _, err := svc.Import(ctx, seed[:1]); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListPolicies(ctx)
	if len(all) != 2 {
		t.Errorf("policies after re-import = %d, want 2", len(all))
	}

	bad := []policy.Policy{
		*draftPolicy("ok", policy.TypeAllowList, `{"operations":["*"]}`),
		*draftPolicy("broken", policy.TypeCountBased, `{"maxCount":-1}`),
	}
	if _, err := svc.Import(ctx, bad); !errors.Is(err, policy.ErrInvalidPolicy) {
		t.Errorf("Import(bad) error = %v, want ErrInvalidPolicy", err)
	}
	all, _ = store.ListPolicies(ctx)
	if len(all) != 2 {
		t.Errorf("partial import persisted: %d policies", len(all))
	}
}
