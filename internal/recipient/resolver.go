// Package recipient turns configured recipient types into concrete users.
package recipient

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/workflow"
	"github.com/pitabwire/requisition/model"
)

// Recipient type names understood by the resolver.
const (
	TypeManagerOf          = "Manager of"
	TypeJobManager         = "Job Manager"
	TypeJobManagerOnOffer  = "Job Manager On Offer"
	TypeCustomFieldUser    = "Custom Field Supplied User"
	TypeTopOfFinancialAuth = "Top of Financial Authority Chain"
	TypeManagerialChain    = "Managerial Chain"
	TypeFinancialAuthority = "Financial Authority Chain"
	TypeMasterDataOwner    = "Master Data Owner"
	TypeAdditionalMDTOwner = "Additional MDT Owner"
	TypeProgramRole        = "Users in Program Role"
	TypeSpecificUser       = "Specific User"
)

// Strategy parameters read from a configured recipient's meta_data.
const (
	MetaChainLength     = "chain_length"
	MetaCustomFieldID   = "custom_field_id"
	MetaRoleID          = "role_id"
	MetaFoundationType  = "foundation_data_type_id"
	defaultMaxChainWalk = 64
)

// Directory is the user and hierarchy directory the strategies query.
// Lookups of absent users return nil without error.
type Directory interface {
	User(ctx context.Context, programID, userID string) (*model.User, error)
	UsersInRole(ctx context.Context, programID, roleID string) ([]model.User, error)
	FoundationManagers(ctx context.Context, programID, typeID, foundationID string, additional bool) ([]string, error)
	ProgramHierarchies(ctx context.Context, programID string) ([]string, error)
}

// TypeLookup resolves recipient_type_id to a strategy name.
type TypeLookup interface {
	RecipientTypeName(ctx context.Context, recipientTypeID string) (string, error)
}

// strategy resolves one configured recipient. fanOut is non-empty only when
// the strategy wants a follow-up level of its own.
type strategy func(ctx context.Context, rc resolveContext, r model.Recipient) (resolved, fanOut []model.Recipient, err error)

type resolveContext struct {
	job *model.Job
}

// Resolver dispatches configured recipients to named strategies.
type Resolver struct {
	dir        Directory
	types      TypeLookup
	logger     *zap.Logger
	maxWalk    int
	strategies map[string]strategy
}

// NewResolver creates a resolver over a directory and type lookup.
func NewResolver(dir Directory, types TypeLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{dir: dir, types: types, logger: logger, maxWalk: defaultMaxChainWalk}
	r.strategies = map[string]strategy{
		normalizeName(TypeManagerOf):          r.managerOf,
		normalizeName(TypeJobManager):         r.jobManager,
		normalizeName(TypeJobManagerOnOffer):  r.jobManager,
		normalizeName(TypeCustomFieldUser):    r.customFieldUser,
		normalizeName(TypeTopOfFinancialAuth): r.topOfFinancialAuthority,
		normalizeName(TypeManagerialChain):    r.managerialChain,
		normalizeName(TypeFinancialAuthority): r.financialAuthority,
		normalizeName(TypeMasterDataOwner):    r.masterDataOwner(false),
		normalizeName(TypeAdditionalMDTOwner): r.masterDataOwner(true),
		normalizeName(TypeProgramRole):        r.programRole,
		normalizeName(TypeSpecificUser):       r.specificUser,
	}
	return r
}

// WithMaxChainWalk bounds supervisor chain walks.
func (r *Resolver) WithMaxChainWalk(n int) *Resolver {
	if n > 0 {
		r.maxWalk = n
	}
	return r
}

// Resolve fills every level of wf with concrete recipients. A recipient
// whose strategy fails is dropped and logged; resolution carries on. A
// strategy may insert a follow-up level, which is not itself resolved.
func (r *Resolver) Resolve(ctx context.Context, wf *model.Workflow, job *model.Job) (bool, error) {
	levels := workflow.Levels(wf.Levels)
	rc := resolveContext{job: job}
	inserted := map[int]bool{}

	for i := 0; i < len(levels); i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if inserted[i] {
			continue
		}

		var updated, fanOut []model.Recipient
		for _, configured := range levels[i].RecipientTypes {
			resolved, extra := r.resolveOne(ctx, rc, configured, levels[i].PlacementOrder)
			updated = append(updated, resolved...)
			fanOut = append(fanOut, extra...)
		}
		if updated == nil {
			updated = []model.Recipient{}
		}
		levels[i].RecipientTypes = updated

		if len(fanOut) > 0 {
			levels.InsertAfter(levels[i].PlacementOrder, model.Level{
				Status:         model.LevelStatusPending,
				RecipientTypes: fanOut,
			})
			inserted[i+1] = true
		}
	}

	wf.Levels = levels
	return levels.AllEmpty(), nil
}

func (r *Resolver) resolveOne(ctx context.Context, rc resolveContext, configured model.Recipient, placement int) ([]model.Recipient, []model.Recipient) {
	logger := r.logger.With(
		zap.String("job_id", rc.job.ID),
		zap.String("recipient_type_id", configured.RecipientTypeID),
		zap.Int("placement_order", placement),
	)

	name, err := r.types.RecipientTypeName(ctx, configured.RecipientTypeID)
	if err != nil {
		logger.Warn("recipient type lookup failed, skipping recipient", zap.Error(err))
		return nil, nil
	}

	strat, ok := r.strategies[normalizeName(name)]
	if !ok {
		configured.Status = model.RecipientStatusPending
		return []model.Recipient{configured}, nil
	}

	resolved, fanOut, err := strat(ctx, rc, configured)
	if err != nil {
		logger.Warn("recipient resolution failed, skipping recipient",
			zap.String("strategy", name),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(resolved) == 0 && len(fanOut) == 0 {
		logger.Debug("recipient strategy matched no users", zap.String("strategy", name))
	}
	return resolved, fanOut
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// concrete builds a resolved recipient for one user, keeping the configured
// type and behaviour.
func concrete(configured model.Recipient, userID string) model.Recipient {
	return model.Recipient{
		ID:              configured.ID,
		RecipientTypeID: configured.RecipientTypeID,
		MetaData:        map[string]any{model.MetaKeyUserID: userID},
		Behaviour:       configured.Behaviour,
		Status:          model.RecipientStatusPending,
	}
}

func concreteAll(configured model.Recipient, users []model.User) []model.Recipient {
	seen := map[string]bool{}
	var out []model.Recipient
	for _, u := range users {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, concrete(configured, u.ID))
	}
	return out
}
