package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	betweenRe = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+between\s+"?([^"\s]+)"?\s*(?:-|and)\s*"?([^"\s]+)"?$`)
	inRe      = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+(not\s+in|in)\s*\[([^\]]*)\]$`)
	wordRe    = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s+(not_contains|contains|in_cidr|matches|regex)\s+(.+)$`)
	cmpRe     = regexp.MustCompile(`^([a-zA-Z0-9_\.]+)\s*(==|!=|>=|<=|>|<)\s*(.+)$`)
	existsRe  = regexp.MustCompile(`^(!)?exists\(\s*([a-zA-Z0-9_\.]+)\s*\)$`)
)

var symbolOps = map[string]Operator{
	"==": OpEquals,
	"!=": OpNotEquals,
	">=": OpGreaterOrEqual,
	"<=": OpLessOrEqual,
	">":  OpGreaterThan,
	"<":  OpLessThan,
}

// Parse turns a short condition string into a Condition. Supported forms:
//
//	riskScore > 50
//	location.country in ["US", "CA"]
//	ipAddress in_cidr 10.0.0.0/8
//	timestamp between 09:00-18:00
//	exists(sessionId)
//
// Strings prefixed with "expr:" become CEL conditions.
func Parse(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Condition{}, fmt.Errorf("empty condition")
	}
	if rest, ok := strings.CutPrefix(s, "expr:"); ok {
		c := Condition{Type: TypeCustom, Operator: OpExpr, Value: strings.TrimSpace(rest), Description: s}
		return c, c.Validate()
	}
	var c Condition
	switch {
	case existsRe.MatchString(s):
		m := existsRe.FindStringSubmatch(s)
		c = Condition{Field: m[2], Operator: OpExists, Value: m[1] == ""}
	case betweenRe.MatchString(s):
		m := betweenRe.FindStringSubmatch(s)
		c = Condition{Field: m[1], Operator: OpBetween, Value: []any{literal(m[2]), literal(m[3])}}
	case inRe.MatchString(s):
		m := inRe.FindStringSubmatch(s)
		op := OpIn
		if strings.HasPrefix(m[2], "not") {
			op = OpNotIn
		}
		parts := splitCSV(m[3])
		vals := make([]any, 0, len(parts))
		for _, p := range parts {
			vals = append(vals, literal(p))
		}
		c = Condition{Field: m[1], Operator: op, Value: vals}
	case wordRe.MatchString(s):
		m := wordRe.FindStringSubmatch(s)
		c = Condition{Field: m[1], Operator: Operator(m[2]), Value: strings.Trim(strings.TrimSpace(m[3]), "\"'")}
	case cmpRe.MatchString(s):
		m := cmpRe.FindStringSubmatch(s)
		c = Condition{Field: m[1], Operator: symbolOps[m[2]], Value: literal(m[3])}
	default:
		return Condition{}, fmt.Errorf("unsupported condition syntax: %s", s)
	}
	c.Type = inferType(c.Field)
	c.Description = s
	return c, c.Validate()
}

// MustParse is Parse for static tables; it panics on error.
func MustParse(s string) Condition {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func inferType(field string) Type {
	switch {
	case field == "timestamp" || field == "hour" || field == "weekday":
		return TypeTime
	case field == "ipAddress":
		return TypeIP
	case strings.HasPrefix(field, "location"):
		return TypeLocation
	case field == "deviceFingerprint":
		return TypeDevice
	}
	return TypeCustom
}

// literal converts an unquoted token into a bool or number; quoted tokens stay strings.
func literal(tok string) any {
	tok = strings.TrimSpace(tok)
	if len(tok) >= 2 && (tok[0] == '"' || tok[0] == '\'') && tok[len(tok)-1] == tok[0] {
		return tok[1 : len(tok)-1]
	}
	if b, err := strconv.ParseBool(tok); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	return tok
}

// splitCSV splits items like "\"a\",\"b\"" or "a, b" into trimmed tokens. Quotes
// are kept so literal can tell strings from numbers.
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
