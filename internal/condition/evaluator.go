package condition

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/model"
)

// OperatorLookup resolves opaque field_operator ids to comparison signs.
type OperatorLookup interface {
	OperatorSign(ctx context.Context, operatorID string) (string, error)
}

// Evaluator decides whether a level's conditions hold for a job.
type Evaluator struct {
	fields    *FieldTable
	operators OperatorLookup
	logger    *zap.Logger
}

// NewEvaluator creates an evaluator. A nil field table uses identity mapping.
func NewEvaluator(fields *FieldTable, operators OperatorLookup, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{fields: fields, operators: operators, logger: logger}
}

// item is a condition or an operator marker merged by placement order.
type item struct {
	order  int
	indent int
	cond   *model.Condition
	op     string
}

type group struct {
	chainOp    string
	internalOp string
	conds      []*model.Condition
}

// EvaluateLevel reports whether the level's conditions hold for the job.
// A level without conditions always holds. Lookup failures evaluate the
// affected condition to false.
func (e *Evaluator) EvaluateLevel(ctx context.Context, level model.Level, job *model.Job) bool {
	switch len(level.Conditions) {
	case 0:
		return true
	case 1:
		return e.evaluate(ctx, &level.Conditions[0], job)
	}

	groups := buildGroups(level)
	var result bool
	for i, g := range groups {
		r := e.evaluateGroup(ctx, g, job)
		if i == 0 {
			result = r
			continue
		}
		result = combine(g.chainOp, result, r)
	}
	return result
}

func buildGroups(level model.Level) []*group {
	items := make([]item, 0, len(level.Conditions)+len(level.OperatorConditions))
	for i := range level.Conditions {
		c := &level.Conditions[i]
		items = append(items, item{order: c.PlacementOrder, indent: c.Indent, cond: c})
	}
	for _, oc := range level.OperatorConditions {
		items = append(items, item{order: oc.PlacementOrder, indent: oc.Indent, op: normalizeOp(oc.Operator)})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].order < items[j].order })

	var groups []*group
	var current *group
	pendingChain := model.OperatorAnd
	for _, it := range items {
		if it.cond == nil {
			if it.indent == 0 {
				pendingChain = it.op
			} else if current != nil && current.internalOp == "" {
				current.internalOp = it.op
			}
			continue
		}
		if it.indent == 0 || current == nil {
			current = &group{chainOp: pendingChain}
			groups = append(groups, current)
			pendingChain = model.OperatorAnd
		}
		current.conds = append(current.conds, it.cond)
	}
	return groups
}

func (e *Evaluator) evaluateGroup(ctx context.Context, g *group, job *model.Job) bool {
	op := g.internalOp
	if op == "" {
		op = model.OperatorAnd
	}
	var result bool
	for i, c := range g.conds {
		r := e.evaluate(ctx, c, job)
		if i == 0 {
			result = r
			continue
		}
		result = combine(op, result, r)
	}
	return result
}

func (e *Evaluator) evaluate(ctx context.Context, c *model.Condition, job *model.Job) bool {
	value, ok := e.fields.Resolve(c.FieldConfig, job)
	if !ok {
		e.logger.Debug("condition field undefined",
			zap.String("field_config", c.FieldConfig),
			zap.String("job_id", job.ID),
		)
		return false
	}

	cmp, err := e.comparator(ctx, c.FieldOperatorID)
	if err != nil {
		e.logger.Warn("condition operator unresolved",
			zap.String("field_operator_id", c.FieldOperatorID),
			zap.Error(err),
		)
		return false
	}
	return cmp.Match(value, c.TargetFieldValue.Values)
}

func (e *Evaluator) comparator(ctx context.Context, operatorID string) (Comparator, error) {
	if cmp, err := ParseComparator(operatorID); err == nil {
		return cmp, nil
	}
	if e.operators == nil {
		return ParseComparator(operatorID)
	}
	sign, err := e.operators.OperatorSign(ctx, operatorID)
	if err != nil {
		return 0, err
	}
	return ParseComparator(sign)
}

func combine(op string, a, b bool) bool {
	if op == model.OperatorOr {
		return a || b
	}
	return a && b
}

func normalizeOp(op string) string {
	if strings.EqualFold(strings.TrimSpace(op), model.OperatorOr) {
		return model.OperatorOr
	}
	return model.OperatorAnd
}
