// Package directory provides the user, vendor and lookup collaborators the
// workflow and distribution engines query.
package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/requisition/model"
)

// Memory is an in-memory directory for tests and local development.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]model.User     // key: program/user
	roles        map[string][]string       // key: program/role
	foundation   map[string][]string       // key: program/type/id/additional
	hierarchies  map[string][]string       // key: program
	vendors      map[string][]model.ProgramVendor
	vendorGroups map[string][]string // key: program/group
	types        map[string]string
	operators    map[string]string
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]model.User),
		roles:        make(map[string][]string),
		foundation:   make(map[string][]string),
		hierarchies:  make(map[string][]string),
		vendors:      make(map[string][]model.ProgramVendor),
		vendorGroups: make(map[string][]string),
		types:        make(map[string]string),
		operators:    make(map[string]string),
	}
}

func key(parts ...any) string {
	return fmt.Sprint(parts...)
}

// PutUser adds or replaces a user.
func (m *Memory) PutUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[key(u.ProgramID, "/", u.ID)] = u
}

// AssignRole maps users to a program role.
func (m *Memory) AssignRole(programID, roleID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(programID, "/", roleID)
	m.roles[k] = append(m.roles[k], userIDs...)
}

// SetFoundationManagers sets the managers of a foundation-data record.
func (m *Memory) SetFoundationManagers(programID, typeID, foundationID string, additional bool, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foundation[key(programID, "/", typeID, "/", foundationID, "/", additional)] = userIDs
}

// SetProgramHierarchies sets every hierarchy of a program.
func (m *Memory) SetProgramHierarchies(programID string, ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hierarchies[programID] = ids
}

// PutVendor enrols a vendor in a program.
func (m *Memory) PutVendor(v model.ProgramVendor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendors[v.ProgramID] = append(m.vendors[v.ProgramID], v)
}

// SetVendorGroup sets the members of a vendor group.
func (m *Memory) SetVendorGroup(programID, groupID string, vendorIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendorGroups[key(programID, "/", groupID)] = vendorIDs
}

// PutRecipientType registers a recipient type name.
func (m *Memory) PutRecipientType(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[id] = name
}

// PutOperator registers a field operator sign.
func (m *Memory) PutOperator(id, sign string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[id] = sign
}

func (m *Memory) User(_ context.Context, programID, userID string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[key(programID, "/", userID)]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) UsersInRole(_ context.Context, programID, roleID string) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.User
	for _, id := range m.roles[key(programID, "/", roleID)] {
		if u, ok := m.users[key(programID, "/", id)]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) FoundationManagers(_ context.Context, programID, typeID, foundationID string, additional bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.foundation[key(programID, "/", typeID, "/", foundationID, "/", additional)]), nil
}

func (m *Memory) ProgramHierarchies(_ context.Context, programID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.hierarchies[programID]), nil
}

// InactiveUsers reports which of the ids belong to users that are not
// active. Unknown ids are not reported.
func (m *Memory) InactiveUsers(_ context.Context, programID string, userIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range userIDs {
		if u, ok := m.users[key(programID, "/", id)]; ok && !u.Active() {
			out[id] = true
		}
	}
	return out, nil
}

// MatchingVendors returns the active program vendors eligible for the job's
// hierarchies and labour category.
func (m *Memory) MatchingVendors(_ context.Context, job *model.Job) ([]model.ProgramVendor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ProgramVendor
	for _, v := range m.vendors[job.ProgramID] {
		if VendorEligible(v, job) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Memory) VendorGroupMembers(_ context.Context, programID, groupID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.vendorGroups[key(programID, "/", groupID)]), nil
}

func (m *Memory) RecipientTypeName(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.types[id]
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("recipient type %q not found", id))
	}
	return name, nil
}

func (m *Memory) OperatorSign(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sign, ok := m.operators[id]
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("field operator %q not found", id))
	}
	return sign, nil
}

// VendorEligible applies the vendor matching rule: active, covering every
// job hierarchy or enrolled for all, and carrying the job's labour category
// or industry exempt.
func VendorEligible(v model.ProgramVendor, job *model.Job) bool {
	if v.Status != VendorStatusActive {
		return false
	}
	if !v.IsAllHierarchy {
		for _, h := range job.HierarchyIDs {
			if !slices.Contains(v.HierarchyIDs, h) {
				return false
			}
		}
	}
	if !v.IsIndustryExempt && job.LabourCategoryID != "" && !slices.Contains(v.LabourCategoryIDs, job.LabourCategoryID) {
		return false
	}
	return true
}

// VendorStatusActive is the program vendor status eligible for distribution.
const VendorStatusActive = "Active"
