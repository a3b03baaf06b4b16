package workflow

import (
	"context"
	"testing"

	"github.com/pitabwire/requisition/model"
)

// fieldEvaluator passes a level when every condition's field_config is "pass".
type fieldEvaluator struct {
	calls int
}

func (f *fieldEvaluator) EvaluateLevel(_ context.Context, level model.Level, _ *model.Job) bool {
	f.calls++
	for _, c := range level.Conditions {
		if c.FieldConfig != "pass" {
			return false
		}
	}
	return true
}

func gate(field string) []model.Condition {
	return []model.Condition{{FieldConfig: field}}
}

func recipient(users ...string) model.Recipient {
	meta := map[string]any{}
	for i, u := range users {
		key := model.MetaKeyUserID
		if i > 0 {
			key = key + "_" + string(rune('a'+i))
		}
		meta[key] = u
	}
	return model.Recipient{RecipientTypeID: "rt-specific", MetaData: meta, Status: model.RecipientStatusPending}
}

func placements(levels []model.Level) []int {
	out := make([]int, len(levels))
	for i, l := range levels {
		out[i] = l.PlacementOrder
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLevels_InsertAfter_reindexes(t *testing.T) {
	ls := Levels{{PlacementOrder: 0, ID: "a"}, {PlacementOrder: 1, ID: "b"}, {PlacementOrder: 2, ID: "c"}}
	if !ls.InsertAfter(1, model.Level{ID: "new"}) {
		t.Fatal("InsertAfter returned false")
	}
	if got := placements(ls); !equalInts(got, []int{0, 1, 2, 3}) {
		t.Errorf("placements = %v", got)
	}
	if ls[2].ID != "new" || ls[3].ID != "c" {
		t.Errorf("order = %s,%s, want new,c", ls[2].ID, ls[3].ID)
	}
	if ls.InsertAfter(9, model.Level{}) {
		t.Error("InsertAfter on missing placement should fail")
	}
}

func TestLevels_RemoveAndNormalize(t *testing.T) {
	ls := Levels{{PlacementOrder: 2}, {PlacementOrder: 0}, {PlacementOrder: 5}}
	ls.Normalize()
	if got := placements(ls); !equalInts(got, []int{0, 1, 2}) {
		t.Fatalf("placements = %v", got)
	}
	if !ls.Remove(1) {
		t.Fatal("Remove returned false")
	}
	ls.Normalize()
	if got := placements(ls); !equalInts(got, []int{0, 1}) {
		t.Errorf("placements = %v", got)
	}
}

func TestAdvance_gateFailureLeavesWorkflowUntouched(t *testing.T) {
	ev := &fieldEvaluator{}
	wf := model.Workflow{Levels: []model.Level{
		{PlacementOrder: 0, Status: model.LevelStatusCompleted, Conditions: gate("fail")},
		{PlacementOrder: 1, Conditions: gate("fail")},
		{PlacementOrder: 2},
	}}
	if Advance(context.Background(), ev, &wf, &model.Job{}) {
		t.Fatal("Advance = true, want false")
	}
	if ev.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1 (gate only)", ev.calls)
	}
	if len(wf.Levels) != 3 || wf.Levels[0].Status != model.LevelStatusCompleted {
		t.Errorf("workflow mutated: %+v", wf.Levels)
	}
}

func TestAdvance_prunesFailingLevels(t *testing.T) {
	ev := &fieldEvaluator{}
	wf := model.Workflow{Levels: []model.Level{
		{PlacementOrder: 0, Conditions: gate("pass"), RecipientTypes: []model.Recipient{recipient("u0")}},
		{PlacementOrder: 1, Conditions: gate("fail"), ID: "pruned"},
		{PlacementOrder: 2, Status: model.LevelStatusCompleted, RecipientTypes: []model.Recipient{{Status: model.RecipientStatusReviewed}}},
		{PlacementOrder: 3, Conditions: gate("pass")},
	}}
	if !Advance(context.Background(), ev, &wf, &model.Job{}) {
		t.Fatal("Advance = false, want true")
	}
	if got := placements(wf.Levels); !equalInts(got, []int{0, 1, 2}) {
		t.Fatalf("placements = %v", got)
	}
	for _, l := range wf.Levels {
		if l.ID == "pruned" {
			t.Error("failing level survived")
		}
		if l.Status != model.LevelStatusPending {
			t.Errorf("level %d status = %q, want pending", l.PlacementOrder, l.Status)
		}
		for _, r := range l.RecipientTypes {
			if r.Status != model.RecipientStatusPending {
				t.Errorf("recipient status = %q, want pending", r.Status)
			}
		}
	}

	// A second pass prunes nothing further.
	before := len(wf.Levels)
	if !Advance(context.Background(), ev, &wf, &model.Job{}) {
		t.Fatal("second Advance = false")
	}
	if len(wf.Levels) != before {
		t.Errorf("second pass pruned: %d -> %d", before, len(wf.Levels))
	}
}

func TestAdvance_emptyGateIsMarkedPassed(t *testing.T) {
	wf := model.Workflow{Levels: []model.Level{
		{PlacementOrder: 0, Conditions: gate("pass")},
		{PlacementOrder: 1, RecipientTypes: []model.Recipient{recipient("u1")}},
	}}
	if !Advance(context.Background(), &fieldEvaluator{}, &wf, &model.Job{}) {
		t.Fatal("Advance = false, want true")
	}
	if got := wf.Levels[0].Status; got != model.LevelStatusGatePassed {
		t.Errorf("gate status = %q, want %q", got, model.LevelStatusGatePassed)
	}
	if got := wf.Levels[1].Status; got != model.LevelStatusPending {
		t.Errorf("level 1 status = %q, want pending", got)
	}
	if !Levels(wf.Levels).Pending() {
		t.Error("workflow with a pending approver level should be pending")
	}
}
