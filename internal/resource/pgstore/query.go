package pgstore

import (
	"fmt"

	"github.com/lifelog/ehr/internal/resource"
)

// searchQuery builds the count and page statements for a resource search.
// Every criterion becomes an EXISTS subquery against resource_search.
type searchQuery struct {
	where string
	args  []any
	idx   int
}

func newSearchQuery(resourceType string) *searchQuery {
	return &searchQuery{
		where: "r.resource_type = $1",
		args:  []any{resourceType},
		idx:   2,
	}
}

// add appends a clause whose placeholders start at q.idx.
func (q *searchQuery) add(clause string, args ...any) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

func (q *searchQuery) apply(c resource.Criterion) error {
	const exists = "EXISTS (SELECT 1 FROM resource_search s WHERE s.resource_type = r.resource_type AND s.id = r.id AND s.param = $%d AND %s)"

	switch c.Op {
	case resource.OpEq:
		q.add(fmt.Sprintf(exists, q.idx, fmt.Sprintf("s.token = $%d", q.idx+1)), c.Field, c.Values[0])
	case resource.OpIn:
		if len(c.Values) == 0 {
			q.add("FALSE")
			return nil
		}
		q.add(fmt.Sprintf(exists, q.idx, fmt.Sprintf("s.token = ANY($%d)", q.idx+1)), c.Field, c.Values)
	case resource.OpGt, resource.OpGe, resource.OpLt, resource.OpLe:
		q.add(fmt.Sprintf(exists, q.idx, fmt.Sprintf("s.date_value %s $%d", sqlOperator(c.Op), q.idx+1)), c.Field, c.Time)
	default:
		return fmt.Errorf("%w: unsupported operator %q", resource.ErrValidationFailed, c.Op)
	}
	return nil
}

func sqlOperator(op resource.Op) string {
	switch op {
	case resource.OpGt:
		return ">"
	case resource.OpGe:
		return ">="
	case resource.OpLt:
		return "<"
	case resource.OpLe:
		return "<="
	}
	return "="
}

func (q *searchQuery) countSQL() string {
	return "SELECT COUNT(*) FROM resource r WHERE " + q.where
}

func (q *searchQuery) dataSQL() string {
	return fmt.Sprintf(
		"SELECT r.resource_type, r.id, r.version, r.last_updated, r.payload FROM resource r WHERE %s ORDER BY r.id LIMIT $%d OFFSET $%d",
		q.where, q.idx, q.idx+1)
}

func (q *searchQuery) dataArgs(limit, offset int) []any {
	out := make([]any, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}
