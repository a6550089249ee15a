package condition

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/trustkit/utils"
)

// Type classifies what a condition inspects. It selects the default field when
// Field is empty and enables type-specific comparisons (clock windows, CIDRs).
type Type string

const (
	TypeTime     Type = "time"
	TypeIP       Type = "ip"
	TypeLocation Type = "location"
	TypeDevice   Type = "device"
	TypeCustom   Type = "custom"
)

// Operator is a comparison applied between the resolved field and Value.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpGreaterThan    Operator = "greater_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessThan       Operator = "less_than"
	OpLessOrEqual    Operator = "less_or_equal"
	OpBetween        Operator = "between"
	OpMatches        Operator = "matches"
	OpRegex          Operator = "regex"
	OpInCIDR         Operator = "in_cidr"
	OpExists         Operator = "exists"
	OpExpr           Operator = "expr"
)

var (
	ErrUnknownOperator = errors.New("unknown condition operator")
	ErrUnknownType     = errors.New("unknown condition type")
)

var defaultFields = map[Type]string{
	TypeTime:     "timestamp",
	TypeIP:       "ipAddress",
	TypeLocation: "location.country",
	TypeDevice:   "deviceFingerprint",
}

// Condition is a single typed predicate over a key-value tree. Field is a dotted
// path resolved with utils.Lookup.
type Condition struct {
	Type        Type     `json:"type,omitempty" yaml:"type,omitempty"`
	Field       string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator    Operator `json:"operator" yaml:"operator"`
	Value       any      `json:"value,omitempty" yaml:"value,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Label returns the description, or a rendering of the condition when none is set.
func (c Condition) Label() string {
	if c.Description != "" {
		return c.Description
	}
	return c.String()
}

func (c Condition) String() string {
	if c.Operator == OpExpr {
		return fmt.Sprintf("expr(%v)", c.Value)
	}
	return fmt.Sprintf("%s %s %v", c.field(), c.Operator, c.Value)
}

func (c Condition) field() string {
	if c.Field != "" {
		return c.Field
	}
	return defaultFields[c.Type]
}

// Validate checks the type and operator and precompiles regex, CIDR and CEL values.
func (c Condition) Validate() error {
	switch c.Type {
	case "", TypeTime, TypeIP, TypeLocation, TypeDevice, TypeCustom:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains, OpNotContains,
		OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpMatches, OpExists:
	case OpBetween:
		if _, _, err := bounds(c.Value); err != nil {
			return err
		}
	case OpRegex:
		if _, err := compileRegex(fmt.Sprint(c.Value)); err != nil {
			return err
		}
	case OpInCIDR:
		for _, s := range toStrings(c.Value) {
			if _, err := parseCIDR(s); err != nil {
				return err
			}
		}
	case OpExpr:
		if _, err := compileExpr(fmt.Sprint(c.Value)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
	}
	if c.field() == "" && c.Operator != OpExpr {
		return fmt.Errorf("condition %s: field is required", c.Operator)
	}
	return nil
}

// Evaluate resolves the condition against tree. A field that is absent makes
// every operator false except exists=false. Errors are returned for malformed
// conditions and failing custom expressions; callers treat them as a failure.
func Evaluate(c Condition, tree map[string]any) (bool, error) {
	if c.Operator == OpExpr {
		return evalExpr(fmt.Sprint(c.Value), tree)
	}
	actual, err := utils.Lookup(tree, c.field())
	found := err == nil
	if c.Operator == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return found == want, nil
	}
	if !found {
		return false, nil
	}

	switch c.Operator {
	case OpEquals:
		return equal(actual, c.Value), nil
	case OpNotEquals:
		return !equal(actual, c.Value), nil
	case OpIn:
		return inList(actual, c.Value), nil
	case OpNotIn:
		return !inList(actual, c.Value), nil
	case OpContains:
		return contains(actual, c.Value), nil
	case OpNotContains:
		return !contains(actual, c.Value), nil
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		cmp, ok := compare(actual, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case OpGreaterThan:
			return cmp > 0, nil
		case OpGreaterOrEqual:
			return cmp >= 0, nil
		case OpLessThan:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpBetween:
		return between(actual, c.Value)
	case OpMatches:
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		for _, p := range toStrings(c.Value) {
			if utils.Match(s, p) {
				return true, nil
			}
		}
		return false, nil
	case OpRegex:
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		r, err := compileRegex(fmt.Sprint(c.Value))
		if err != nil {
			return false, err
		}
		return r.MatchString(s), nil
	case OpInCIDR:
		ip := net.ParseIP(fmt.Sprint(actual))
		if ip == nil {
			return false, nil
		}
		for _, s := range toStrings(c.Value) {
			ipnet, err := parseCIDR(s)
			if err != nil {
				return false, err
			}
			if ipnet.Contains(ip) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, c.Operator)
}

// All evaluates conditions with logical AND. It returns the first condition that
// did not hold, or an error from the evaluator.
func All(conds []Condition, tree map[string]any) (bool, *Condition, error) {
	for i := range conds {
		ok, err := Evaluate(conds[i], tree)
		if err != nil {
			return false, &conds[i], err
		}
		if !ok {
			return false, &conds[i], nil
		}
	}
	return true, nil, nil
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		switch bv := b.(type) {
		case bool:
			return ab == bv
		case string:
			pb, err := strconv.ParseBool(bv)
			return err == nil && pb == ab
		}
		return false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := toTime(b); ok {
			return at.Equal(bt)
		}
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func inList(actual, list any) bool {
	for _, item := range toSlice(list) {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

func contains(actual, needle any) bool {
	switch v := actual.(type) {
	case string:
		for _, n := range toStrings(needle) {
			if strings.Contains(strings.ToLower(v), strings.ToLower(n)) {
				return true
			}
		}
		return false
	case []string, []any:
		for _, item := range toSlice(v) {
			if inList(item, needle) {
				return true
			}
		}
	}
	return false
}

// compare orders numbers, times and strings. ok is false when the values are not
// of comparable kinds.
func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// between checks inclusive ranges. Time values compared against "HH:MM" bounds
// use clock minutes and wrap over midnight when start > end.
func between(actual, value any) (bool, error) {
	lo, hi, err := bounds(value)
	if err != nil {
		return false, err
	}
	if t, ok := actual.(time.Time); ok {
		start, serr := clockMinutes(lo)
		end, eerr := clockMinutes(hi)
		if serr == nil && eerr == nil {
			m := t.Hour()*60 + t.Minute()
			if start <= end {
				return m >= start && m <= end, nil
			}
			return m >= start || m <= end, nil
		}
	}
	c1, ok1 := compare(actual, lo)
	c2, ok2 := compare(actual, hi)
	if !ok1 || !ok2 {
		return false, nil
	}
	return c1 >= 0 && c2 <= 0, nil
}

func bounds(value any) (any, any, error) {
	items := toSlice(value)
	if len(items) != 2 {
		if s, ok := value.(string); ok {
			if lo, hi, found := strings.Cut(s, "-"); found {
				return strings.TrimSpace(lo), strings.TrimSpace(hi), nil
			}
		}
		return nil, nil, fmt.Errorf("between requires two bounds, got %v", value)
	}
	return items[0], items[1], nil
}

func clockMinutes(v any) (int, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("not a clock value: %v", v)
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []int:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}

func toStrings(v any) []string {
	items := toSlice(v)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprint(it))
	}
	return out
}
