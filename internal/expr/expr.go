// Package expr evaluates the small expression language used by workflow
// conditions and value mappings: source-prefixed paths, literals, and
// binary comparisons.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/casevia/flowtrace/model"
)

// Resolver resolves expressions against the available sources: record field
// data, record attributes, the acting user, the firing trigger, and an
// optional trigger payload.
type Resolver struct {
	Record  *model.Record
	User    *model.User
	Trigger string
	Payload map[string]any
}

// Resolve evaluates a source expression string and returns the resolved value.
// Supported expressions:
//   - data.field_name        — value from record data
//   - data.address.city      — nested field access
//   - record.status          — current status ID
//   - record.criticality     — criticality level index
//   - record.id / record.slug / record.submitter_id
//   - user.id / user.name / user.email
//   - trigger                — identifier of the firing trigger
//   - payload.field_name     — value from the trigger payload
//   - 'literal'              — single-quoted literal string
//   - 123 / 99.99            — numeric literal
//   - true / false           — boolean literal
func (r *Resolver) Resolve(expression string) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	// Literal string: single-quoted.
	if len(expression) >= 2 && expression[0] == '\'' && expression[len(expression)-1] == '\'' {
		return expression[1 : len(expression)-1], nil
	}

	// Numeric literal.
	if isNumericLiteral(expression) {
		return parseNumeric(expression)
	}

	switch expression {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "trigger":
		if r.Trigger == "" {
			return nil, fmt.Errorf("no trigger in scope")
		}
		return r.Trigger, nil
	}

	dotIdx := strings.IndexByte(expression, '.')
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid expression %q: missing source prefix", expression)
	}

	prefix := expression[:dotIdx]
	path := expression[dotIdx+1:]
	if path == "" {
		return nil, fmt.Errorf("invalid expression %q: empty path after prefix", expression)
	}

	switch prefix {
	case "data":
		return r.resolveData(path)
	case "record":
		return r.resolveRecord(path)
	case "user":
		return r.resolveUser(path)
	case "payload":
		return r.resolvePayload(path)
	default:
		return nil, fmt.Errorf("unknown expression prefix %q in %q", prefix, expression)
	}
}

// resolveData resolves a dotted path in the record data map.
func (r *Resolver) resolveData(path string) (any, error) {
	if r.Record == nil || r.Record.Data == nil {
		return nil, fmt.Errorf("record data is nil, cannot resolve %q", "data."+path)
	}
	val := navigatePath(r.Record.Data, path)
	if val == nil {
		return nil, fmt.Errorf("data field %q not found", path)
	}
	return val, nil
}

// resolveRecord resolves a record attribute.
func (r *Resolver) resolveRecord(field string) (any, error) {
	if r.Record == nil {
		return nil, fmt.Errorf("record is nil, cannot resolve %q", "record."+field)
	}
	switch field {
	case "status":
		return r.Record.StatusID, nil
	case "criticality":
		return int64(r.Record.CriticalityLevel), nil
	case "id":
		return r.Record.ID, nil
	case "slug":
		return r.Record.Slug, nil
	case "submitter_id":
		return r.Record.SubmitterID, nil
	default:
		return nil, fmt.Errorf("unknown record field %q", field)
	}
}

// resolveUser resolves a field of the acting user.
func (r *Resolver) resolveUser(field string) (any, error) {
	if r.User == nil {
		return nil, fmt.Errorf("no user in scope, cannot resolve %q", "user."+field)
	}
	switch field {
	case "id":
		return r.User.ID, nil
	case "name":
		return r.User.Name, nil
	case "email":
		return r.User.Email, nil
	default:
		return nil, fmt.Errorf("unknown user field %q", field)
	}
}

// resolvePayload resolves a dotted path in the trigger payload.
func (r *Resolver) resolvePayload(path string) (any, error) {
	if r.Payload == nil {
		return nil, fmt.Errorf("no trigger payload in scope, cannot resolve %q", "payload."+path)
	}
	val := navigatePath(r.Payload, path)
	if val == nil {
		return nil, fmt.Errorf("payload field %q not found", path)
	}
	return val, nil
}

var comparisonOps = []string{"==", "!=", ">=", "<=", ">", "<"}

// EvalCondition evaluates a boolean condition: either a binary comparison
// of two expressions, or the truthiness of a single expression. An empty
// condition is satisfied. Evaluation errors are returned to the caller,
// which decides the fail policy.
func (r *Resolver) EvalCondition(cond string) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}

	for _, op := range comparisonOps {
		idx := strings.Index(cond, op)
		if idx < 0 {
			continue
		}
		left, err := r.Resolve(cond[:idx])
		if err != nil {
			return false, err
		}
		right, err := r.Resolve(cond[idx+len(op):])
		if err != nil {
			return false, err
		}
		return compare(op, left, right)
	}

	val, err := r.Resolve(cond)
	if err != nil {
		return false, err
	}
	return Truthy(val), nil
}

// Render substitutes every "{{ expression }}" occurrence in the template
// with its resolved value. Text outside placeholders passes through.
func (r *Resolver) Render(template string) (string, error) {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in template %q", template)
		}
		b.WriteString(rest[:start])
		val, err := r.Resolve(rest[start+2 : start+end])
		if err != nil {
			return "", err
		}
		b.WriteString(fmt.Sprint(val))
		rest = rest[start+end+2:]
	}
}

// Truthy reports whether a resolved value counts as true: non-empty
// strings, non-zero numbers, true booleans, non-empty collections.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false, fmt.Errorf("operator %q needs numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case ">=":
		return lf >= rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case "<":
		return lf < rf, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// equal compares numerically when both sides are numbers, otherwise by
// normalized string form.
func equal(left, right any) bool {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return lf == rf
		}
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// isNumericLiteral returns true if the string looks like a number.
func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseNumeric parses a numeric string literal.
func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}
