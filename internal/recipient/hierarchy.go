package recipient

import (
	"slices"

	"github.com/pitabwire/requisition/model"
)

// containsAll reports whether none of want is missing from have. This is
// the NOT EXISTS anti-join the directory queries express in SQL.
func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}
	return true
}

// chainEligible applies the rule used by manager and chain strategies.
func chainEligible(u model.User, job *model.Job) bool {
	if !u.Active() {
		return false
	}
	return u.IsAllHierarchyAssociate || containsAll(u.AssociateHierarchyIDs, job.HierarchyIDs)
}

// programEligible applies the rule used by role and specific-user
// strategies. An MSP all-hierarchy user must be associated with every
// program hierarchy, not just the job's.
func programEligible(u model.User, job *model.Job, programHierarchies []string) bool {
	if !u.Active() {
		return false
	}
	if u.IsAllHierarchyAssociate {
		if u.UserType == model.UserTypeMSP {
			return containsAll(u.AssociateHierarchyIDs, programHierarchies)
		}
		return true
	}
	return containsAll(u.AssociateHierarchyIDs, job.HierarchyIDs)
}
