package resource

import (
	"fmt"
	"time"
)

// DefaultLimit is the page size used when a query carries no positive limit.
const DefaultLimit = 10

// Op is a comparison operator applied to one indexed field.
type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
	OpGt Op = "gt"
	OpGe Op = "ge"
	OpLt Op = "lt"
	OpLe Op = "le"
)

// IsRange reports whether op compares dates.
func (op Op) IsRange() bool {
	switch op {
	case OpGt, OpGe, OpLt, OpLe:
		return true
	}
	return false
}

// Criterion is one condition of a search. Token operators use Values, range
// operators use Time.
type Criterion struct {
	Field  string
	Op     Op
	Values []string
	Time   time.Time
}

// Eq matches records whose field holds value.
func Eq(field, value string) Criterion {
	return Criterion{Field: field, Op: OpEq, Values: []string{value}}
}

// In matches records whose field holds any of values. An empty set matches
// nothing.
func In(field string, values ...string) Criterion {
	return Criterion{Field: field, Op: OpIn, Values: append([]string(nil), values...)}
}

// After is a lower bound on a date field.
func After(field string, t time.Time, inclusive bool) Criterion {
	op := OpGt
	if inclusive {
		op = OpGe
	}
	return Criterion{Field: field, Op: op, Time: t.UTC()}
}

// Before is an upper bound on a date field.
func Before(field string, t time.Time, inclusive bool) Criterion {
	op := OpLt
	if inclusive {
		op = OpLe
	}
	return Criterion{Field: field, Op: op, Time: t.UTC()}
}

// Validate checks that the criterion is well formed.
func (c Criterion) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("%w: criterion without field", ErrValidationFailed)
	}
	switch {
	case c.Op == OpEq:
		if len(c.Values) != 1 {
			return fmt.Errorf("%w: eq on %s needs exactly one value", ErrValidationFailed, c.Field)
		}
	case c.Op == OpIn:
	case c.Op.IsRange():
		if c.Time.IsZero() {
			return fmt.Errorf("%w: %s on %s needs a date", ErrValidationFailed, c.Op, c.Field)
		}
	default:
		return fmt.Errorf("%w: unsupported operator %q", ErrValidationFailed, c.Op)
	}
	return nil
}

// Match evaluates the criterion against a projection.
func (c Criterion) Match(f Fields) bool {
	switch c.Op {
	case OpEq, OpIn:
		for _, have := range f.Tokens[c.Field] {
			for _, want := range c.Values {
				if have == want {
					return true
				}
			}
		}
		return false
	}
	d, ok := f.Dates[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case OpGt:
		return d.After(c.Time)
	case OpGe:
		return !d.Before(c.Time)
	case OpLt:
		return d.Before(c.Time)
	case OpLe:
		return !d.After(c.Time)
	}
	return false
}

// Query is a conjunction of criteria plus pagination.
type Query struct {
	Criteria []Criterion
	Offset   int
	Limit    int
}

// Explicit reports whether the caller supplied pagination.
func (q Query) Explicit() bool {
	return q.Limit > 0 || q.Offset > 0
}

// Normalize applies the default limit, clamps the offset and aligns it to a
// page boundary: page = offset / limit. Offsets that are not a multiple of
// limit are rounded down.
func (q Query) Normalize() Query {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.Offset = (q.Offset / q.Limit) * q.Limit
	return q
}

// Matches reports whether every criterion holds for f.
func (q Query) Matches(f Fields) bool {
	for _, c := range q.Criteria {
		if !c.Match(f) {
			return false
		}
	}
	return true
}
