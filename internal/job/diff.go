package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"github.com/pitabwire/requisition/model"
)

// ignoredDiffFields never show up in history diffs.
var ignoredDiffFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
}

// Diff returns the field-level changes between two JSON-encodable values.
// Nested objects are compared per leaf and reported with dotted paths; arrays
// are compared as a whole. A nil before yields every field of after.
func Diff(before, after any) ([]model.FieldChange, error) {
	b, err := toMap(before)
	if err != nil {
		return nil, fmt.Errorf("diff before: %w", err)
	}
	a, err := toMap(after)
	if err != nil {
		return nil, fmt.Errorf("diff after: %w", err)
	}
	var out []model.FieldChange
	diffMaps("", b, a, &out)
	return out, nil
}

func toMap(v any) (map[string]any, error) {
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Pointer && reflect.ValueOf(v).IsNil()) {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func diffMaps(prefix string, before, after map[string]any, out *[]model.FieldChange) {
	keys := map[string]struct{}{}
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		if prefix == "" && ignoredDiffFields[k] {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		bv, av := before[k], after[k]
		bm, bIsMap := bv.(map[string]any)
		am, aIsMap := av.(map[string]any)
		if bIsMap && aIsMap {
			diffMaps(path, bm, am, out)
			continue
		}
		if reflect.DeepEqual(bv, av) {
			continue
		}
		*out = append(*out, model.FieldChange{Field: path, Before: bv, After: av})
	}
}

// statusChange is the diff of a status-only transition.
func statusChange(from, to model.JobStatus) []model.FieldChange {
	return []model.FieldChange{{Field: "status", Before: string(from), After: string(to)}}
}
