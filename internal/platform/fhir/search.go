package fhir

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/lifelog/ehr/internal/resource"
	"github.com/lifelog/ehr/pkg/pagination"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
)

// ParsedSearch holds a parsed search parameter value with its prefix.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "2023" -> (eq, "2023")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixGt, PrefixLt, PrefixGe, PrefixLe:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, string) {
	name, modifier, _ := strings.Cut(paramName, ":")
	return name, modifier
}

// ChainedParam is a search on a referenced resource, e.g. "subject:name",
// "subject.name" or "subject:Patient.name".
type ChainedParam struct {
	SourceParam string
	TargetType  string
	TargetParam string
}

// ParseChainedParam recognizes chained parameter names. A lower-case
// modifier ("subject:name") is read as the target parameter.
func ParseChainedParam(paramName string) (*ChainedParam, bool) {
	if source, target, ok := strings.Cut(paramName, "."); ok {
		if target == "" || source == "" {
			return nil, false
		}
		name, targetType := ParseParamModifier(source)
		return &ChainedParam{SourceParam: name, TargetType: targetType, TargetParam: target}, true
	}

	name, modifier := ParseParamModifier(paramName)
	if modifier == "" || unicode.IsUpper(rune(modifier[0])) || modifier == "exact" {
		return nil, false
	}
	return &ChainedParam{SourceParam: name, TargetParam: modifier}, true
}

// Matcher resolves the criteria of a chained parameter to "Type/id"
// references.
type Matcher interface {
	MatchIDs(ctx context.Context, resourceType string, criteria []resource.Criterion) ([]string, error)
}

// SearchRequest is a parsed search query string.
type SearchRequest struct {
	Query resource.Query
	// NoMatch is set when a chained parameter matched no targets; the
	// result is empty without consulting the index.
	NoMatch bool
	// Filters is the encoded query string without paging parameters.
	Filters string
}

// SearchParser turns query parameters into criteria using each type's
// declared search parameters.
type SearchParser struct {
	types   *resource.Registry
	matcher Matcher
}

func NewSearchParser(types *resource.Registry, matcher Matcher) *SearchParser {
	return &SearchParser{types: types, matcher: matcher}
}

// ignoredParams are accepted but have no effect on matching.
var ignoredParams = map[string]bool{
	"_count":  true,
	"_offset": true,
	"_format": true,
	"_pretty": true,
}

// Parse builds the query for resourceType. Repeated parameters are ANDed and
// comma-separated values are ORed.
func (p *SearchParser) Parse(ctx context.Context, resourceType string, params url.Values, page pagination.Params) (*SearchRequest, error) {
	def, err := p.types.Lookup(resourceType)
	if err != nil {
		return nil, err
	}

	req := &SearchRequest{}
	if page.Explicit {
		req.Query.Limit = page.Limit
		req.Query.Offset = page.Offset
	}

	filters := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		if !ignoredParams[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		filters[key] = params[key]
		for _, raw := range params[key] {
			if raw == "" {
				return nil, fmt.Errorf("%w: empty value for %s", resource.ErrValidationFailed, key)
			}

			if chain, ok := ParseChainedParam(key); ok {
				crit, found, err := p.resolveChain(ctx, def, chain, raw)
				if err != nil {
					return nil, err
				}
				if !found {
					req.NoMatch = true
				}
				req.Query.Criteria = append(req.Query.Criteria, crit)
				continue
			}

			name, modifier := ParseParamModifier(key)
			pd, ok := def.Params[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown search parameter %q for %s", resource.ErrValidationFailed, name, resourceType)
			}
			if modifier != "" && !(modifier == "exact" && pd.Kind == resource.ParamString) {
				return nil, fmt.Errorf("%w: unsupported modifier %q on %s", resource.ErrValidationFailed, modifier, name)
			}
			crits, err := criteriaFor(pd, raw)
			if err != nil {
				return nil, err
			}
			req.Query.Criteria = append(req.Query.Criteria, crits...)
		}
	}

	req.Filters = filters.Encode()
	return req, nil
}

// resolveChain searches the target type and returns an inclusion criterion
// over the matching references. found is false when nothing matched.
func (p *SearchParser) resolveChain(ctx context.Context, def *resource.TypeDef, chain *ChainedParam, raw string) (resource.Criterion, bool, error) {
	pd, ok := def.Params[chain.SourceParam]
	if !ok || pd.Kind != resource.ParamReference {
		return resource.Criterion{}, false, fmt.Errorf("%w: %s is not a reference parameter of %s", resource.ErrValidationFailed, chain.SourceParam, def.Name)
	}
	targetType := chain.TargetType
	if targetType == "" {
		targetType = pd.Target
	}
	target, err := p.types.Lookup(targetType)
	if err != nil {
		return resource.Criterion{}, false, err
	}
	tpd, ok := target.Params[chain.TargetParam]
	if !ok {
		return resource.Criterion{}, false, fmt.Errorf("%w: unknown search parameter %q for %s", resource.ErrValidationFailed, chain.TargetParam, targetType)
	}
	if tpd.Kind == resource.ParamDate || tpd.Kind == resource.ParamReference {
		return resource.Criterion{}, false, fmt.Errorf("%w: chaining on %s is not supported", resource.ErrValidationFailed, chain.TargetParam)
	}
	crits, err := criteriaFor(tpd, raw)
	if err != nil {
		return resource.Criterion{}, false, err
	}

	refs, err := p.matcher.MatchIDs(ctx, targetType, crits)
	if err != nil {
		return resource.Criterion{}, false, err
	}
	return resource.In(pd.Field, refs...), len(refs) > 0, nil
}

// criteriaFor converts one parameter value into criteria.
func criteriaFor(pd resource.ParamDef, raw string) ([]resource.Criterion, error) {
	if pd.Kind == resource.ParamDate {
		return dateCriteria(pd.Field, raw)
	}

	values := strings.Split(raw, ",")
	for i, v := range values {
		v = strings.TrimSpace(v)
		switch pd.Kind {
		case resource.ParamString:
			v = strings.ToLower(v)
		case resource.ParamReference:
			v = resource.NormalizeReference(v, pd.Target)
		}
		values[i] = v
	}
	if len(values) == 1 {
		return []resource.Criterion{resource.Eq(pd.Field, values[0])}, nil
	}
	return []resource.Criterion{resource.In(pd.Field, values...)}, nil
}

// dateCriteria honors the precision of the value: "2024" covers the whole
// year, "2024-03" the month and "2024-03-05" the day.
func dateCriteria(field, raw string) ([]resource.Criterion, error) {
	parsed := ParseSearchValue(raw)
	start, err := resource.ParseDate(parsed.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resource.ErrValidationFailed, err)
	}

	var end time.Time
	switch len(parsed.Value) {
	case 4:
		end = start.AddDate(1, 0, 0)
	case 7:
		end = start.AddDate(0, 1, 0)
	case 10:
		end = start.AddDate(0, 0, 1)
	}

	if end.IsZero() {
		switch parsed.Prefix {
		case PrefixGt:
			return []resource.Criterion{resource.After(field, start, false)}, nil
		case PrefixGe:
			return []resource.Criterion{resource.After(field, start, true)}, nil
		case PrefixLt:
			return []resource.Criterion{resource.Before(field, start, false)}, nil
		case PrefixLe:
			return []resource.Criterion{resource.Before(field, start, true)}, nil
		}
		return []resource.Criterion{resource.After(field, start, true), resource.Before(field, start, true)}, nil
	}

	switch parsed.Prefix {
	case PrefixGt:
		return []resource.Criterion{resource.After(field, end, true)}, nil
	case PrefixGe:
		return []resource.Criterion{resource.After(field, start, true)}, nil
	case PrefixLt:
		return []resource.Criterion{resource.Before(field, start, false)}, nil
	case PrefixLe:
		return []resource.Criterion{resource.Before(field, end, false)}, nil
	}
	return []resource.Criterion{resource.After(field, start, true), resource.Before(field, end, false)}, nil
}
