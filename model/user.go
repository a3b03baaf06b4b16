package model

// UserStatusActive is the only status under which a user may act on a workflow.
const UserStatusActive = "active"

// User is a directory entry for a program user.
type User struct {
	ID                      string   `json:"id"`
	ProgramID               string   `json:"program_id"`
	TenantID                string   `json:"tenant_id"`
	UserType                string   `json:"user_type"`
	Status                  string   `json:"status"`
	AssociateHierarchyIDs   []string `json:"associate_hierarchy_ids"`
	IsAllHierarchyAssociate bool     `json:"is_all_hierarchy_associate"`
	SupervisorID            string   `json:"supervisor"`
	MinLimit                *float64 `json:"min_limit,omitempty"`
	MaxLimit                *float64 `json:"max_limit,omitempty"`
}

// Active reports whether the user is active.
func (u User) Active() bool {
	return u.Status == UserStatusActive
}

// Vendor identifies the vendor a vendor-type user belongs to.
type Vendor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}
