package condition

import (
	"fmt"
	"strconv"
	"strings"
)

// Comparator is the closed set of comparison kinds a condition can use.
type Comparator int

const (
	LE Comparator = iota + 1
	LT
	GT
	GE
	EQ
	NE
	IN
)

var comparatorSigns = map[Comparator]string{
	LE: "<=",
	LT: "<",
	GT: ">",
	GE: ">=",
	EQ: "==",
	NE: "!=",
	IN: "IN",
}

func (c Comparator) String() string {
	if s, ok := comparatorSigns[c]; ok {
		return s
	}
	return "Comparator(" + strconv.Itoa(int(c)) + ")"
}

// ParseComparator maps an operator sign to a comparator.
func ParseComparator(sign string) (Comparator, error) {
	switch strings.ToUpper(strings.TrimSpace(sign)) {
	case "<=":
		return LE, nil
	case "<":
		return LT, nil
	case ">":
		return GT, nil
	case ">=":
		return GE, nil
	case "==", "=", "===":
		return EQ, nil
	case "!=", "<>", "!==":
		return NE, nil
	case "IN":
		return IN, nil
	}
	return 0, fmt.Errorf("unknown comparator %q", sign)
}

// Match compares a field value against the target literals. List-valued
// fields match when any element satisfies any target, so NE holds as soon as
// one element differs from one target. A nil value matches only when false
// is among the targets.
func (c Comparator) Match(value any, targets []any) bool {
	if value == nil {
		return containsFalse(targets)
	}
	for _, e := range flatten(value) {
		for _, t := range targets {
			if compare(c, e, t) {
				return true
			}
		}
	}
	return false
}

func compare(c Comparator, a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	fa, aNum := toNumber(a)
	fb, bNum := toNumber(b)
	if aNum && bNum {
		switch c {
		case LE:
			return fa <= fb
		case LT:
			return fa < fb
		case GT:
			return fa > fb
		case GE:
			return fa >= fb
		case EQ, IN:
			return fa == fb
		case NE:
			return fa != fb
		}
		return false
	}
	sa, sb := normalize(a), normalize(b)
	switch c {
	case LE:
		return sa <= sb
	case LT:
		return sa < sb
	case GT:
		return sa > sb
	case GE:
		return sa >= sb
	case EQ, IN:
		return sa == sb
	case NE:
		return sa != sb
	}
	return false
}

func flatten(v any) []any {
	switch t := v.(type) {
	case []any:
		var out []any
		for _, e := range t {
			out = append(out, flatten(e)...)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []any{v}
}

func containsFalse(targets []any) bool {
	for _, t := range flatten(targets) {
		switch v := t.(type) {
		case bool:
			if !v {
				return true
			}
		case string:
			if strings.EqualFold(strings.TrimSpace(v), "false") {
				return true
			}
		}
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func normalize(v any) string {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case bool:
		return strconv.FormatBool(t)
	}
	return strings.ToLower(fmt.Sprint(v))
}
