package condition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/requisition/model"
)

// Field identifies a job attribute that conditions can test.
type Field string

// Known fields. Custom fields are addressed as "custom:<field id>".
const (
	FieldJobTemplate         Field = "job_template_id"
	FieldHierarchies         Field = "hierarchy_ids"
	FieldJobManager          Field = "job_manager_id"
	FieldLabourCategory      Field = "labour_category_id"
	FieldWorkLocation        Field = "work_location_id"
	FieldJobType             Field = "job_type"
	FieldNoPositions         Field = "no_positions"
	FieldCurrency            Field = "currency"
	FieldRateModel           Field = "rate_model"
	FieldMinNetBudget        Field = "min_net_budget"
	FieldMaxNetBudget        Field = "max_net_budget"
	FieldMinBillRate         Field = "min_bill_rate"
	FieldMaxBillRate         Field = "max_bill_rate"
	FieldAllowPerIdentifiedS Field = "allow_per_identified_s"

	customPrefix = "custom:"
)

// accessor extracts a value from a job. ok is false when the value is
// undefined; a defined value may still be nil.
type accessor func(job *model.Job) (value any, ok bool)

func optionalString(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func optionalFloat(f *float64) (any, bool) {
	if f == nil {
		return nil, true
	}
	return *f, true
}

// accessors lists, per field, the accessors tried in order. The first
// defined value wins.
var accessors = map[Field][]accessor{
	FieldJobTemplate: {func(j *model.Job) (any, bool) { return optionalString(j.JobTemplateID) }},
	FieldHierarchies: {func(j *model.Job) (any, bool) {
		if j.HierarchyIDs == nil {
			return nil, false
		}
		out := make([]any, len(j.HierarchyIDs))
		for i, h := range j.HierarchyIDs {
			out[i] = h
		}
		return out, true
	}},
	FieldJobManager:     {func(j *model.Job) (any, bool) { return optionalString(j.JobManagerID) }},
	FieldLabourCategory: {func(j *model.Job) (any, bool) { return optionalString(j.LabourCategoryID) }},
	FieldWorkLocation:   {func(j *model.Job) (any, bool) { return optionalString(j.WorkLocationID) }},
	FieldJobType:        {func(j *model.Job) (any, bool) { return optionalString(j.JobType) }},
	FieldNoPositions:    {func(j *model.Job) (any, bool) { return float64(j.NoPositions), true }},
	FieldCurrency:       {func(j *model.Job) (any, bool) { return optionalString(j.Currency) }},
	FieldRateModel:      {func(j *model.Job) (any, bool) { return optionalString(j.RateModel) }},
	FieldMinNetBudget:   {func(j *model.Job) (any, bool) { return optionalFloat(j.Budgets.Min.NetBudget) }},
	FieldMaxNetBudget: {
		func(j *model.Job) (any, bool) {
			if j.Budgets.Max.NetBudget == nil {
				return nil, false
			}
			return *j.Budgets.Max.NetBudget, true
		},
		func(j *model.Job) (any, bool) { return optionalFloat(j.Budgets.Min.NetBudget) },
	},
	FieldMinBillRate: {func(j *model.Job) (any, bool) { return optionalFloat(j.Budgets.Min.BillRate) }},
	FieldMaxBillRate: {
		func(j *model.Job) (any, bool) {
			if j.Budgets.Max.BillRate == nil {
				return nil, false
			}
			return *j.Budgets.Max.BillRate, true
		},
		func(j *model.Job) (any, bool) { return optionalFloat(j.Budgets.Avg.BillRate) },
	},
	FieldAllowPerIdentifiedS: {func(j *model.Job) (any, bool) { return j.AllowPerIdentifiedS, true }},
}

// ParseField validates a field name.
func ParseField(name string) (Field, error) {
	name = strings.TrimSpace(name)
	if id, ok := strings.CutPrefix(name, customPrefix); ok {
		if id == "" {
			return "", fmt.Errorf("custom field %q has no id", name)
		}
		return Field(name), nil
	}
	if _, ok := accessors[Field(name)]; !ok {
		return "", fmt.Errorf("unknown field %q", name)
	}
	return Field(name), nil
}

// Value extracts the field from a job. List values are returned as []any.
func (f Field) Value(job *model.Job) (any, bool) {
	if id, ok := strings.CutPrefix(string(f), customPrefix); ok {
		v, found := job.CustomFieldValue(id)
		if !found {
			return nil, false
		}
		return v, true
	}
	for _, get := range accessors[f] {
		if v, ok := get(job); ok {
			return v, true
		}
	}
	return nil, false
}

// FieldTable maps opaque field_config ids to one or more alternate fields.
type FieldTable struct {
	entries map[string][]Field
}

// NewFieldTable builds a table from a config mapping of id to a
// comma-separated list of field names. Unknown field names are rejected.
func NewFieldTable(mapping map[string]string) (*FieldTable, error) {
	t := &FieldTable{entries: make(map[string][]Field, len(mapping))}
	for id, spec := range mapping {
		var fields []Field
		for _, part := range strings.Split(spec, ",") {
			f, err := ParseField(part)
			if err != nil {
				return nil, fmt.Errorf("field config %q: %w", id, err)
			}
			fields = append(fields, f)
		}
		t.entries[id] = fields
	}
	return t, nil
}

// Lookup returns the alternate fields for a field_config id. An id equal to
// a known field name maps to that field.
func (t *FieldTable) Lookup(id string) ([]Field, bool) {
	if t != nil {
		if fields, ok := t.entries[id]; ok {
			return fields, true
		}
	}
	if f, err := ParseField(id); err == nil {
		return []Field{f}, true
	}
	return nil, false
}

// Resolve returns the first defined value among the alternates of id.
func (t *FieldTable) Resolve(id string, job *model.Job) (any, bool) {
	fields, ok := t.Lookup(id)
	if !ok {
		return nil, false
	}
	for _, f := range fields {
		if v, ok := f.Value(job); ok {
			return v, true
		}
	}
	return nil, false
}
