package database

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Row is one record as a column -> value map.
type Row map[string]any

// Conditions maps column names onto the values they are compared with. The
// special keys "OR" and "AND" hold nested groups, either as Conditions or as
// []Conditions.
//
//	Conditions{"status": "published", "views": Gt(10)}
//	Conditions{"OR": Conditions{"author_id": 1, "editor_id": 1}}
//	Conditions{"id": In(1, 2, 3), "deleted": nil}
type Conditions map[string]any

// Op is a comparison operator with its operand(s).
type Op struct {
	Operator string
	Values   []any
}

// Eq compares with =.
func Eq(v any) Op { return Op{Operator: "=", Values: []any{v}} }

// NotEq compares with <>.
func NotEq(v any) Op { return Op{Operator: "<>", Values: []any{v}} }

// Gt compares with >.
func Gt(v any) Op { return Op{Operator: ">", Values: []any{v}} }

// Gte compares with >=.
func Gte(v any) Op { return Op{Operator: ">=", Values: []any{v}} }

// Lt compares with <.
func Lt(v any) Op { return Op{Operator: "<", Values: []any{v}} }

// Lte compares with <=.
func Lte(v any) Op { return Op{Operator: "<=", Values: []any{v}} }

// Like matches a LIKE pattern.
func Like(pattern string) Op { return Op{Operator: "LIKE", Values: []any{pattern}} }

// NotLike excludes a LIKE pattern.
func NotLike(pattern string) Op { return Op{Operator: "NOT LIKE", Values: []any{pattern}} }

// In matches any of values.
func In(values ...any) Op { return Op{Operator: "IN", Values: values} }

// NotIn matches none of values.
func NotIn(values ...any) Op { return Op{Operator: "NOT IN", Values: values} }

// Between matches the inclusive range [low, high].
func Between(low, high any) Op { return Op{Operator: "BETWEEN", Values: []any{low, high}} }

// IsNull matches NULL.
func IsNull() Op { return Op{Operator: "IS NULL"} }

// NotNull matches anything but NULL.
func NotNull() Op { return Op{Operator: "IS NOT NULL"} }

// tagger hands out unique :tag names for one statement.
type tagger struct {
	dialect Dialect
	prefix  string
	tags    map[string]any
	seen    map[string]int
}

func newTagger(d Dialect, prefix string, tags map[string]any) *tagger {
	if tags == nil {
		tags = make(map[string]any)
	}
	return &tagger{dialect: d, prefix: prefix, tags: tags, seen: make(map[string]int)}
}

func (t *tagger) bind(column string, value any) string {
	base := t.prefix + "_" + strings.ReplaceAll(column, ".", "_")
	for {
		name := base
		if n := t.seen[base]; n > 0 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		t.seen[base]++
		if _, taken := t.tags[name]; !taken {
			t.tags[name] = value
			return ":" + name
		}
	}
}

// BuildTags turns conditions into a SQL boolean expression with one :tag per
// bound value, using prefix to namespace the tags. Keys are visited in sorted
// order so the same conditions always produce the same SQL. An empty
// Conditions yields an empty clause.
func BuildTags(d Dialect, conditions Conditions, prefix string) (string, map[string]any, error) {
	t := newTagger(d, prefix, nil)
	clause, err := t.group(conditions, "AND")
	if err != nil {
		return "", nil, err
	}
	return clause, t.tags, nil
}

func (t *tagger) group(conditions Conditions, joiner string) (string, error) {
	keys := make([]string, 0, len(conditions))
	for k := range conditions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := conditions[key]
		var (
			part string
			err  error
		)
		switch upper := strings.ToUpper(key); upper {
		case "OR", "AND":
			part, err = t.nested(value, upper)
		default:
			part, err = t.compare(key, value)
		}
		if err != nil {
			return "", err
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " "+joiner+" "), nil
}

func (t *tagger) nested(value any, joiner string) (string, error) {
	switch v := value.(type) {
	case Conditions:
		inner, err := t.group(v, joiner)
		if err != nil || inner == "" {
			return "", err
		}
		return "(" + inner + ")", nil
	case map[string]any:
		return t.nested(Conditions(v), joiner)
	case []Conditions:
		parts := make([]string, 0, len(v))
		for _, c := range v {
			inner, err := t.group(c, "AND")
			if err != nil {
				return "", err
			}
			if inner != "" {
				parts = append(parts, "("+inner+")")
			}
		}
		if len(parts) == 0 {
			return "", nil
		}
		return "(" + strings.Join(parts, " "+joiner+" ") + ")", nil
	default:
		return "", fmt.Errorf("%w: %s group must be Conditions or []Conditions, got %T", ErrInvalidCondition, joiner, value)
	}
}

func (t *tagger) compare(column string, value any) (string, error) {
	quoted, err := t.dialect.Quote(column)
	if err != nil {
		return "", err
	}

	op, ok := value.(Op)
	if !ok {
		switch {
		case value == nil:
			op = IsNull()
		case isList(value):
			op = In(toList(value)...)
		default:
			op = Eq(value)
		}
	}

	switch op.Operator {
	case "IS NULL", "IS NOT NULL":
		return quoted + " " + op.Operator, nil
	case "IN", "NOT IN":
		if len(op.Values) == 0 {
			// An empty set matches nothing; its negation matches everything.
			if op.Operator == "IN" {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		tags := make([]string, len(op.Values))
		for i, v := range op.Values {
			tags[i] = t.bind(column, v)
		}
		return fmt.Sprintf("%s %s (%s)", quoted, op.Operator, strings.Join(tags, ", ")), nil
	case "BETWEEN":
		if len(op.Values) != 2 {
			return "", fmt.Errorf("%w: BETWEEN needs two values for %s", ErrInvalidCondition, column)
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", quoted, t.bind(column, op.Values[0]), t.bind(column, op.Values[1])), nil
	case "=", "<>", ">", ">=", "<", "<=", "LIKE", "NOT LIKE":
		if len(op.Values) != 1 {
			return "", fmt.Errorf("%w: %s needs one value for %s", ErrInvalidCondition, op.Operator, column)
		}
		if op.Values[0] == nil {
			switch op.Operator {
			case "=":
				return quoted + " IS NULL", nil
			case "<>":
				return quoted + " IS NOT NULL", nil
			}
		}
		return fmt.Sprintf("%s %s %s", quoted, op.Operator, t.bind(column, op.Values[0])), nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, op.Operator)
	}
}

func isList(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		return rv.Type().Elem().Kind() != reflect.Uint8
	case reflect.Array:
		return true
	}
	return false
}

func toList(v any) []any {
	rv := reflect.ValueOf(v)
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
