package recipient

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pitabwire/requisition/model"
)

func metaString(r model.Recipient, key string) string {
	switch v := r.MetaData[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func metaInt(r model.Recipient, key string, def int) int {
	switch v := r.MetaData[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (r *Resolver) activeUser(ctx context.Context, programID, userID string) (*model.User, error) {
	if userID == "" {
		return nil, nil
	}
	u, err := r.dir.User(ctx, programID, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if u == nil || !u.Active() {
		return nil, nil
	}
	return u, nil
}

// supervisorChain walks upwards from the user's supervisor. The walk stops
// at the top, at a repeated user, or after maxWalk hops.
func (r *Resolver) supervisorChain(ctx context.Context, programID, startID string) ([]model.User, error) {
	if startID == "" {
		return nil, nil
	}
	start, err := r.dir.User(ctx, programID, startID)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", startID, err)
	}
	if start == nil {
		return nil, nil
	}

	visited := map[string]bool{startID: true}
	var chain []model.User
	next := start.SupervisorID
	for hops := 0; next != "" && hops < r.maxWalk; hops++ {
		if visited[next] {
			break
		}
		visited[next] = true
		u, err := r.dir.User(ctx, programID, next)
		if err != nil {
			return nil, fmt.Errorf("lookup supervisor %s: %w", next, err)
		}
		if u == nil {
			break
		}
		chain = append(chain, *u)
		next = u.SupervisorID
	}
	return chain, nil
}

func (r *Resolver) jobManager(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	u, err := r.activeUser(ctx, rc.job.ProgramID, rc.job.JobManagerID)
	if err != nil || u == nil {
		return nil, nil, err
	}
	return []model.Recipient{concrete(configured, u.ID)}, nil, nil
}

func (r *Resolver) managerOf(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	manager, err := r.dir.User(ctx, rc.job.ProgramID, rc.job.JobManagerID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup job manager: %w", err)
	}
	if manager == nil || manager.SupervisorID == "" {
		return nil, nil, nil
	}
	sup, err := r.dir.User(ctx, rc.job.ProgramID, manager.SupervisorID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup supervisor: %w", err)
	}
	if sup == nil || !chainEligible(*sup, rc.job) {
		return nil, nil, nil
	}
	return []model.Recipient{concrete(configured, sup.ID)}, nil, nil
}

func (r *Resolver) customFieldUser(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	fieldID := metaString(configured, MetaCustomFieldID)
	v, ok := rc.job.CustomFieldValue(fieldID)
	if !ok {
		return nil, nil, nil
	}
	userID, _ := v.(string)
	u, err := r.activeUser(ctx, rc.job.ProgramID, userID)
	if err != nil || u == nil {
		return nil, nil, err
	}
	return []model.Recipient{concrete(configured, u.ID)}, nil, nil
}

func (r *Resolver) managerialChain(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	depth := metaInt(configured, MetaChainLength, 1)
	if depth <= 0 {
		return nil, nil, nil
	}
	chain, err := r.supervisorChain(ctx, rc.job.ProgramID, rc.job.JobManagerID)
	if err != nil {
		return nil, nil, err
	}
	if len(chain) > depth {
		chain = chain[:depth]
	}
	var eligible []model.User
	for _, u := range chain {
		if chainEligible(u, rc.job) {
			eligible = append(eligible, u)
		}
	}
	return concreteAll(configured, eligible), nil, nil
}

func limits(u model.User) (float64, float64) {
	lo, hi := 0.0, math.Inf(1)
	if u.MinLimit != nil {
		lo = *u.MinLimit
	}
	if u.MaxLimit != nil {
		hi = *u.MaxLimit
	}
	return lo, hi
}

// covers reports whether the user's authority range contains the budget range.
func covers(u model.User, minBudget, maxBudget float64) bool {
	lo, hi := limits(u)
	return lo <= minBudget && maxBudget <= hi
}

func (r *Resolver) topOfFinancialAuthority(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	chain, err := r.supervisorChain(ctx, rc.job.ProgramID, rc.job.JobManagerID)
	if err != nil || len(chain) == 0 {
		return nil, nil, err
	}
	minB, maxB := rc.job.MinNetBudget(), rc.job.MaxNetBudget()

	var picks []model.User
	if top := chain[len(chain)-1]; chainEligible(top, rc.job) {
		picks = append(picks, top)
	}
	for _, u := range chain {
		if chainEligible(u, rc.job) && covers(u, minB, maxB) {
			picks = append(picks, u)
			break
		}
	}
	if direct := chain[0]; chainEligible(direct, rc.job) {
		picks = append(picks, direct)
	}
	return concreteAll(configured, picks), nil, nil
}

// financialAuthority picks, among chain members whose authority covers the
// budget, the one with the highest max limit. Lower members stay on the
// current level and the pick moves to a follow-up level.
func (r *Resolver) financialAuthority(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	chain, err := r.supervisorChain(ctx, rc.job.ProgramID, rc.job.JobManagerID)
	if err != nil {
		return nil, nil, err
	}
	minB, maxB := rc.job.MinNetBudget(), rc.job.MaxNetBudget()

	var best *model.User
	bestMax := math.Inf(-1)
	for i := range chain {
		u := chain[i]
		if !chainEligible(u, rc.job) || !covers(u, minB, maxB) {
			continue
		}
		if _, hi := limits(u); best == nil || hi > bestMax {
			best, bestMax = &chain[i], hi
		}
	}
	if best == nil {
		return nil, nil, nil
	}

	var lower []model.User
	for _, u := range chain {
		if u.ID == best.ID || !chainEligible(u, rc.job) {
			continue
		}
		if _, hi := limits(u); hi <= bestMax {
			lower = append(lower, u)
		}
	}
	if len(lower) == 0 {
		return []model.Recipient{concrete(configured, best.ID)}, nil, nil
	}
	return concreteAll(configured, lower), []model.Recipient{concrete(configured, best.ID)}, nil
}

func (r *Resolver) masterDataOwner(additional bool) strategy {
	return func(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
		typeID := metaString(configured, MetaFoundationType)
		fd, ok := rc.job.Foundation(typeID)
		if !ok {
			return nil, nil, nil
		}
		ids, err := r.dir.FoundationManagers(ctx, rc.job.ProgramID, fd.TypeID, fd.ID, additional)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup foundation managers: %w", err)
		}
		var eligible []model.User
		for _, id := range ids {
			u, err := r.dir.User(ctx, rc.job.ProgramID, id)
			if err != nil {
				return nil, nil, fmt.Errorf("lookup user %s: %w", id, err)
			}
			if u != nil && chainEligible(*u, rc.job) {
				eligible = append(eligible, *u)
			}
		}
		return concreteAll(configured, eligible), nil, nil
	}
}

// programHierarchies loads the program's hierarchies only when an MSP
// all-hierarchy user needs them.
func (r *Resolver) programHierarchies(ctx context.Context, job *model.Job, users []model.User) ([]string, error) {
	for _, u := range users {
		if u.UserType == model.UserTypeMSP && u.IsAllHierarchyAssociate {
			hs, err := r.dir.ProgramHierarchies(ctx, job.ProgramID)
			if err != nil {
				return nil, fmt.Errorf("lookup program hierarchies: %w", err)
			}
			return hs, nil
		}
	}
	return nil, nil
}

func (r *Resolver) programRole(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	roleID := metaString(configured, MetaRoleID)
	if roleID == "" {
		return nil, nil, nil
	}
	users, err := r.dir.UsersInRole(ctx, rc.job.ProgramID, roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup role users: %w", err)
	}
	progH, err := r.programHierarchies(ctx, rc.job, users)
	if err != nil {
		return nil, nil, err
	}
	var eligible []model.User
	for _, u := range users {
		if programEligible(u, rc.job, progH) {
			eligible = append(eligible, u)
		}
	}
	return concreteAll(configured, eligible), nil, nil
}

func (r *Resolver) specificUser(ctx context.Context, rc resolveContext, configured model.Recipient) ([]model.Recipient, []model.Recipient, error) {
	userID := metaString(configured, model.MetaKeyUserID)
	if userID == "" && configured.ReplacedBy != "" {
		userID = configured.ReplacedBy
	}
	u, err := r.dir.User(ctx, rc.job.ProgramID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if u == nil {
		return nil, nil, nil
	}
	progH, err := r.programHierarchies(ctx, rc.job, []model.User{*u})
	if err != nil {
		return nil, nil, err
	}
	if !programEligible(*u, rc.job, progH) {
		return nil, nil, nil
	}
	return []model.Recipient{concrete(configured, u.ID)}, nil, nil
}
