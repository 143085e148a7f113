package fhir

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/lifelog/ehr/internal/resource"
	"github.com/lifelog/ehr/pkg/pagination"
)

type stubMatcher struct {
	refs  []string
	calls []string
	crits [][]resource.Criterion
}

func (m *stubMatcher) MatchIDs(_ context.Context, resourceType string, criteria []resource.Criterion) ([]string, error) {
	m.calls = append(m.calls, resourceType)
	m.crits = append(m.crits, criteria)
	return m.refs, nil
}

func TestParseSearchValue(t *testing.T) {
	tests := []struct {
		raw    string
		prefix SearchPrefix
		value  string
	}{
		{"gt2023-01-01", PrefixGt, "2023-01-01"},
		{"LE2023", PrefixLe, "2023"},
		{"2023-05", PrefixEq, "2023-05"},
		{"eq2020-02-02", PrefixEq, "2020-02-02"},
		{"x", PrefixEq, "x"},
	}
	for _, tt := range tests {
		got := ParseSearchValue(tt.raw)
		if got.Prefix != tt.prefix || got.Value != tt.value {
			t.Errorf("ParseSearchValue(%q) = %+v, want (%s, %s)", tt.raw, got, tt.prefix, tt.value)
		}
	}
}

func TestParseChainedParam(t *testing.T) {
	tests := []struct {
		name  string
		want  *ChainedParam
		chain bool
	}{
		{"subject:name", &ChainedParam{SourceParam: "subject", TargetParam: "name"}, true},
		{"patient:name", &ChainedParam{SourceParam: "patient", TargetParam: "name"}, true},
		{"subject.name", &ChainedParam{SourceParam: "subject", TargetParam: "name"}, true},
		{"subject:Patient.family", &ChainedParam{SourceParam: "subject", TargetType: "Patient", TargetParam: "family"}, true},
		{"name:exact", nil, false},
		{"subject:Patient", nil, false},
		{"code", nil, false},
		{"subject.", nil, false},
	}
	for _, tt := range tests {
		got, ok := ParseChainedParam(tt.name)
		if ok != tt.chain {
			t.Errorf("ParseChainedParam(%q): expected chained=%v, got %v", tt.name, tt.chain, ok)
			continue
		}
		if ok && *got != *tt.want {
			t.Errorf("ParseChainedParam(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func newParser(m Matcher) *SearchParser {
	return NewSearchParser(resource.DefaultRegistry(), m)
}

func TestSearchParser_TokenStringReference(t *testing.T) {
	p := newParser(&stubMatcher{})
	params := url.Values{
		"family":  {"SMITH"},
		"gender":  {"female,other"},
		"subject": {"123"},
	}

	if _, err := p.Parse(context.Background(), "Patient", url.Values{"subject": {"1"}}, pagination.Params{}); !errors.Is(err, resource.ErrValidationFailed) {
		t.Errorf("expected unknown parameter to fail validation, got %v", err)
	}

	delete(params, "subject")
	req, err := p.Parse(context.Background(), "Patient", params, pagination.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Query.Criteria) != 2 {
		t.Fatalf("expected 2 criteria, got %d", len(req.Query.Criteria))
	}
	family, gender := req.Query.Criteria[0], req.Query.Criteria[1]
	if family.Op != resource.OpEq || family.Values[0] != "smith" {
		t.Errorf("expected lowercased family eq, got %+v", family)
	}
	if gender.Op != resource.OpIn || len(gender.Values) != 2 {
		t.Errorf("expected gender in [female other], got %+v", gender)
	}

	req, err = p.Parse(context.Background(), "Observation", url.Values{"patient": {"123"}}, pagination.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := req.Query.Criteria[0]
	if c.Field != "subject" || c.Values[0] != "Patient/123" {
		t.Errorf("expected subject=Patient/123, got %+v", c)
	}
}

func TestSearchParser_Pagination(t *testing.T) {
	p := newParser(&stubMatcher{})

	req, err := p.Parse(context.Background(), "Patient", url.Values{}, pagination.Params{Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Query.Explicit() {
		t.Error("expected implicit pagination to leave the query unpaged")
	}

	req, err = p.Parse(context.Background(), "Patient", url.Values{"_count": {"5"}}, pagination.Params{Limit: 5, Explicit: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Query.Limit != 5 || !req.Query.Explicit() {
		t.Errorf("expected explicit limit 5, got %+v", req.Query)
	}
	if req.Filters != "" {
		t.Errorf("expected paging params excluded from filters, got %q", req.Filters)
	}
}

func TestSearchParser_DatePrecision(t *testing.T) {
	p := newParser(&stubMatcher{})
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  []resource.Criterion
	}{
		{"2024-03-05", []resource.Criterion{resource.After("date", day, true), resource.Before("date", day.AddDate(0, 0, 1), false)}},
		{"gt2024-03-05", []resource.Criterion{resource.After("date", day.AddDate(0, 0, 1), true)}},
		{"ge2024-03-05", []resource.Criterion{resource.After("date", day, true)}},
		{"lt2024-03-05", []resource.Criterion{resource.Before("date", day, false)}},
		{"le2024-03", []resource.Criterion{resource.Before("date", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), false)}},
		{"2024", []resource.Criterion{resource.After("date", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true), resource.Before("date", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), false)}},
		{"gt2024-03-05T10:00:00Z", []resource.Criterion{resource.After("date", day.Add(10*time.Hour), false)}},
	}

	for _, tt := range tests {
		req, err := p.Parse(context.Background(), "Observation", url.Values{"date": {tt.value}}, pagination.Params{})
		if err != nil {
			t.Errorf("date=%s: unexpected error: %v", tt.value, err)
			continue
		}
		got := req.Query.Criteria
		if len(got) != len(tt.want) {
			t.Errorf("date=%s: expected %d criteria, got %d", tt.value, len(tt.want), len(got))
			continue
		}
		for i := range got {
			if got[i].Op != tt.want[i].Op || !got[i].Time.Equal(tt.want[i].Time) {
				t.Errorf("date=%s: criterion %d = %s %v, want %s %v", tt.value, i, got[i].Op, got[i].Time, tt.want[i].Op, tt.want[i].Time)
			}
		}
	}

	if _, err := p.Parse(context.Background(), "Observation", url.Values{"date": {"yesterday"}}, pagination.Params{}); !errors.Is(err, resource.ErrValidationFailed) {
		t.Errorf("expected unparseable date to fail validation, got %v", err)
	}
}

func TestSearchParser_ChainedName(t *testing.T) {
	m := &stubMatcher{refs: []string{"Patient/a", "Patient/b"}}
	p := newParser(m)

	req, err := p.Parse(context.Background(), "Observation", url.Values{"subject:name": {"Alice"}}, pagination.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.calls) != 1 || m.calls[0] != "Patient" {
		t.Fatalf("expected one Patient lookup, got %v", m.calls)
	}
	if got := m.crits[0][0]; got.Field != "name" || got.Values[0] != "alice" {
		t.Errorf("expected lookup on lowercased name, got %+v", got)
	}
	if req.NoMatch {
		t.Error("expected matches")
	}
	c := req.Query.Criteria[0]
	if c.Op != resource.OpIn || c.Field != "subject" || len(c.Values) != 2 {
		t.Errorf("expected subject in [Patient/a Patient/b], got %+v", c)
	}
}

func TestSearchParser_ChainedNoMatch(t *testing.T) {
	p := newParser(&stubMatcher{})

	req, err := p.Parse(context.Background(), "Immunization", url.Values{"patient.name": {"nobody"}}, pagination.Params{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !req.NoMatch {
		t.Error("expected NoMatch when no patients match")
	}

	if _, err := p.Parse(context.Background(), "Observation", url.Values{"code:name": {"x"}}, pagination.Params{}); !errors.Is(err, resource.ErrValidationFailed) {
		t.Errorf("expected chain on a token parameter to fail, got %v", err)
	}
}

func TestSearchParser_UnknownType(t *testing.T) {
	p := newParser(&stubMatcher{})
	if _, err := p.Parse(context.Background(), "Spaceship", url.Values{}, pagination.Params{}); !errors.Is(err, resource.ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}
