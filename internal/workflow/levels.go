package workflow

import (
	"slices"
	"sort"

	"github.com/pitabwire/requisition/model"
)

// Levels is the ordered level sequence of a workflow. Placement orders are
// unique and contiguous from the first level after Normalize.
type Levels []model.Level

// Normalize sorts levels by placement order and renumbers them so they are
// contiguous, keeping the first level's placement.
func (ls Levels) Normalize() {
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].PlacementOrder < ls[j].PlacementOrder })
	if len(ls) == 0 {
		return
	}
	base := ls[0].PlacementOrder
	for i := range ls {
		ls[i].PlacementOrder = base + i
	}
}

// ByPlacement returns the index of the level with the given placement order.
func (ls Levels) ByPlacement(placement int) (int, bool) {
	for i := range ls {
		if ls[i].PlacementOrder == placement {
			return i, true
		}
	}
	return -1, false
}

// InsertAfter inserts level directly after the level with the given
// placement order. The new level takes placement+1 and every later level
// shifts up by one. It reports false when no level has that placement.
func (ls *Levels) InsertAfter(placement int, level model.Level) bool {
	idx, ok := ls.ByPlacement(placement)
	if !ok {
		return false
	}
	for i := range *ls {
		if (*ls)[i].PlacementOrder > placement {
			(*ls)[i].PlacementOrder++
		}
	}
	level.PlacementOrder = placement + 1
	*ls = slices.Insert(*ls, idx+1, level)
	return true
}

// Remove splices out the level with the given placement order. Later
// levels keep their placement orders until Normalize is called.
func (ls *Levels) Remove(placement int) bool {
	idx, ok := ls.ByPlacement(placement)
	if !ok {
		return false
	}
	*ls = slices.Delete(*ls, idx, idx+1)
	return true
}

// Pending reports whether any level is still pending.
func (ls Levels) Pending() bool {
	for _, l := range ls {
		if l.Status == model.LevelStatusPending {
			return true
		}
	}
	return false
}

// AllEmpty reports whether every level has no recipients.
func (ls Levels) AllEmpty() bool {
	for _, l := range ls {
		if len(l.RecipientTypes) > 0 {
			return false
		}
	}
	return true
}
