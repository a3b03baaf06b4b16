package directory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/requisition/model"
)

func TestMemory_UserAbsentIsNil(t *testing.T) {
	m := NewMemory()
	u, err := m.User(context.Background(), "p1", "nobody")
	if err != nil {
		t.Fatalf("User error: %v", err)
	}
	if u != nil {
		t.Errorf("User = %+v, want nil", u)
	}
}

func TestMemory_InactiveUsers(t *testing.T) {
	m := NewMemory()
	m.PutUser(model.User{ID: "u1", ProgramID: "p1", Status: model.UserStatusActive})
	m.PutUser(model.User{ID: "u2", ProgramID: "p1", Status: "inactive"})
	m.PutUser(model.User{ID: "u3", ProgramID: "p2", Status: "inactive"})

	got, err := m.InactiveUsers(context.Background(), "p1", []string{"u1", "u2", "u3", "missing"})
	if err != nil {
		t.Fatalf("InactiveUsers error: %v", err)
	}
	if len(got) != 1 || !got["u2"] {
		t.Errorf("InactiveUsers = %v, want only u2", got)
	}
}

func TestMemory_UsersInRoleScopedByProgram(t *testing.T) {
	m := NewMemory()
	m.PutUser(model.User{ID: "u1", ProgramID: "p1"})
	m.PutUser(model.User{ID: "u2", ProgramID: "p1"})
	m.AssignRole("p1", "approver", "u1", "u2", "ghost")
	m.AssignRole("p2", "approver", "u1")

	users, err := m.UsersInRole(context.Background(), "p1", "approver")
	if err != nil {
		t.Fatalf("UsersInRole error: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("len(users) = %d, want 2", len(users))
	}
}

func TestMemory_FoundationManagersByKind(t *testing.T) {
	m := NewMemory()
	m.SetFoundationManagers("p1", "cost_center", "cc1", false, "owner")
	m.SetFoundationManagers("p1", "cost_center", "cc1", true, "extra")

	ctx := context.Background()
	primary, _ := m.FoundationManagers(ctx, "p1", "cost_center", "cc1", false)
	additional, _ := m.FoundationManagers(ctx, "p1", "cost_center", "cc1", true)
	if len(primary) != 1 || primary[0] != "owner" {
		t.Errorf("primary = %v", primary)
	}
	if len(additional) != 1 || additional[0] != "extra" {
		t.Errorf("additional = %v", additional)
	}
}

func TestVendorEligible(t *testing.T) {
	job := &model.Job{ProgramID: "p1", HierarchyIDs: []string{"h1", "h2"}, LabourCategoryID: "lc1"}

	tests := []struct {
		name   string
		vendor model.ProgramVendor
		want   bool
	}{
		{"covers all", model.ProgramVendor{Status: "Active", HierarchyIDs: []string{"h1", "h2", "h3"}, LabourCategoryIDs: []string{"lc1"}}, true},
		{"missing hierarchy", model.ProgramVendor{Status: "Active", HierarchyIDs: []string{"h1"}, LabourCategoryIDs: []string{"lc1"}}, false},
		{"all hierarchy", model.ProgramVendor{Status: "Active", IsAllHierarchy: true, LabourCategoryIDs: []string{"lc1"}}, true},
		{"inactive", model.ProgramVendor{Status: "Inactive", IsAllHierarchy: true, LabourCategoryIDs: []string{"lc1"}}, false},
		{"wrong category", model.ProgramVendor{Status: "Active", IsAllHierarchy: true, LabourCategoryIDs: []string{"lc2"}}, false},
		{"industry exempt", model.ProgramVendor{Status: "Active", IsAllHierarchy: true, IsIndustryExempt: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VendorEligible(tt.vendor, job); got != tt.want {
				t.Errorf("VendorEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemory_MatchingVendors(t *testing.T) {
	m := NewMemory()
	m.PutVendor(model.ProgramVendor{ID: "pv1", ProgramID: "p1", VendorID: "v1", Status: "Active", IsAllHierarchy: true, IsIndustryExempt: true})
	m.PutVendor(model.ProgramVendor{ID: "pv2", ProgramID: "p1", VendorID: "v2", Status: "Inactive", IsAllHierarchy: true, IsIndustryExempt: true})
	m.PutVendor(model.ProgramVendor{ID: "pv3", ProgramID: "p2", VendorID: "v3", Status: "Active", IsAllHierarchy: true, IsIndustryExempt: true})

	got, err := m.MatchingVendors(context.Background(), &model.Job{ProgramID: "p1"})
	if err != nil {
		t.Fatalf("MatchingVendors error: %v", err)
	}
	if len(got) != 1 || got[0].VendorID != "v1" {
		t.Errorf("MatchingVendors = %+v, want v1 only", got)
	}
}

func TestMemory_LookupsNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.RecipientTypeName(context.Background(), "rt-x"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("RecipientTypeName error = %v, want NOT_FOUND", err)
	}
	if _, err := m.OperatorSign(context.Background(), "op-x"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("OperatorSign error = %v, want NOT_FOUND", err)
	}
}

// --- CachedLookup ---

type countingLookup struct {
	calls int
	next  Lookup
}

func (c *countingLookup) RecipientTypeName(ctx context.Context, id string) (string, error) {
	c.calls++
	return c.next.RecipientTypeName(ctx, id)
}

func (c *countingLookup) OperatorSign(ctx context.Context, id string) (string, error) {
	c.calls++
	return c.next.OperatorSign(ctx, id)
}

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) RecordLookupCacheHit(string)  { o.hits++ }
func (o *countingObserver) RecordLookupCacheMiss(string) { o.misses++ }

func TestCachedLookup_MemoryCacheHit(t *testing.T) {
	m := NewMemory()
	m.PutRecipientType("rt1", "Job Manager")
	inner := &countingLookup{next: m}
	obs := &countingObserver{}
	lookup := NewCachedLookup(inner, NewMemoryCache(), time.Minute, obs)

	for i := 0; i < 3; i++ {
		name, err := lookup.RecipientTypeName(context.Background(), "rt1")
		if err != nil {
			t.Fatalf("RecipientTypeName error: %v", err)
		}
		if name != "Job Manager" {
			t.Errorf("name = %q", name)
		}
	}
	if inner.calls != 1 {
		t.Errorf("underlying calls = %d, want 1", inner.calls)
	}
	if obs.hits != 2 || obs.misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", obs.hits, obs.misses)
	}
}

func TestCachedLookup_ErrorsAreNotCached(t *testing.T) {
	m := NewMemory()
	inner := &countingLookup{next: m}
	lookup := NewCachedLookup(inner, NewMemoryCache(), time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := lookup.OperatorSign(context.Background(), "missing"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Errorf("underlying calls = %d, want 2", inner.calls)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	if err := c.Set(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, found, _ := c.Get(ctx, "k"); found {
		t.Error("found = true, want false (expired)")
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedisCache_StoreAndExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisCache(client)
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "lookup:field_operator:op1"); err != nil || found {
		t.Fatalf("Get before Set: found=%v err=%v", found, err)
	}
	if err := c.Set(ctx, "lookup:field_operator:op1", "<=", time.Second); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	v, found, err := c.Get(ctx, "lookup:field_operator:op1")
	if err != nil || !found || v != "<=" {
		t.Fatalf("Get = %q found=%v err=%v", v, found, err)
	}

	mr.FastForward(2 * time.Second)

	if _, found, _ := c.Get(ctx, "lookup:field_operator:op1"); found {
		t.Error("found = true, want false (expired)")
	}
}

func TestCachedLookup_RedisFallsThroughWhenDown(t *testing.T) {
	mr, client := newTestRedis(t)
	m := NewMemory()
	m.PutOperator("op1", ">=")
	lookup := NewCachedLookup(m, NewRedisCache(client), time.Minute, nil)

	mr.Close()

	sign, err := lookup.OperatorSign(context.Background(), "op1")
	if err != nil {
		t.Fatalf("OperatorSign error: %v", err)
	}
	if sign != ">=" {
		t.Errorf("sign = %q, want >=", sign)
	}
}
