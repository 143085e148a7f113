package resource

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustDecode(t *testing.T, s string) map[string]any {
	t.Helper()
	doc, err := decode([]byte(s))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return doc
}

func TestBuiltinTypes_Extract(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		resourceType string
		payload      string
		field        string
		want         []string
	}{
		{"Patient", `{"name":[{"family":"Smith","given":["Ann","Marie"]}],"gender":"female"}`, "name", []string{"smith", "ann", "marie"}},
		{"Patient", `{"name":[{"family":"Smith"}],"gender":"female"}`, "gender", []string{"female"}},
		{"Practitioner", `{"identifier":[{"system":"npi","value":"42"}]}`, "identifier", []string{"42", "npi|42"}},
		{"Organization", `{"name":"General Hospital"}`, "name", []string{"general hospital"}},
		{"Observation", `{"subject":{"reference":"123"}}`, "subject", []string{"Patient/123"}},
		{"Condition", `{"code":{"coding":[{"code":"E11"}]}}`, "code", []string{"E11"}},
		{"DiagnosticReport", `{"status":"final"}`, "status", []string{"final"}},
		{"MedicationRequest", `{"subject":{"reference":"Patient/9"},"status":"active"}`, "subject", []string{"Patient/9"}},
		{"Immunization", `{"patient":{"reference":"Patient/7"},"vaccineCode":{"coding":[{"code":"207"}]}}`, "vaccine-code", []string{"207"}},
		{"Appointment", `{"participant":[{"actor":{"reference":"Practitioner/1"}},{"actor":{"reference":"Patient/5"}}]}`, "patient", []string{"Patient/5"}},
		{"AllergyIntolerance", `{"patient":{"reference":"Patient/3"}}`, "patient", []string{"Patient/3"}},
	}

	for _, tt := range tests {
		t.Run(tt.resourceType+"/"+tt.field, func(t *testing.T) {
			def, err := reg.Lookup(tt.resourceType)
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			got := def.Project(mustDecode(t, tt.payload)).Tokens[tt.field]
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestBuiltinTypes_ExtractDates(t *testing.T) {
	reg := DefaultRegistry()
	tests := []struct {
		resourceType string
		payload      string
		want         time.Time
	}{
		{"Observation", `{"effectiveDateTime":"2024-03-01T10:00:00Z"}`, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"Encounter", `{"period":{"start":"2024-03-01"}}`, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"Immunization", `{"occurrenceDateTime":"2023-11"}`, time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC)},
		{"Appointment", `{"start":"2024-03-01T10:00:00+02:00"}`, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		def, _ := reg.Lookup(tt.resourceType)
		got, ok := def.Project(mustDecode(t, tt.payload)).Dates["date"]
		if !ok {
			t.Errorf("%s: expected date to be indexed", tt.resourceType)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.resourceType, tt.want, got)
		}
	}
}

func TestBuiltinTypes_UnparseableDateIgnored(t *testing.T) {
	def, _ := DefaultRegistry().Lookup("Observation")
	f := def.Project(mustDecode(t, `{"effectiveDateTime":"yesterday"}`))
	if _, ok := f.Dates["date"]; ok {
		t.Error("expected unparseable date to be skipped")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	reg := NewRegistry(&TypeDef{Name: "Widget"})
	if _, err := reg.Lookup("Widget"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := reg.Lookup("Gadget"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "Widget" {
		t.Errorf("expected [Widget], got %v", names)
	}
}

func TestNormalizeReference(t *testing.T) {
	tests := []struct{ in, target, want string }{
		{"123", "Patient", "Patient/123"},
		{"Patient/123", "Patient", "Patient/123"},
		{"Group/9", "Patient", "Group/9"},
		{"", "Patient", ""},
		{"abc", "", "abc"},
	}
	for _, tt := range tests {
		if got := NormalizeReference(tt.in, tt.target); got != tt.want {
			t.Errorf("NormalizeReference(%q, %q): expected %q, got %q", tt.in, tt.target, tt.want, got)
		}
	}
}

func TestQuery_Normalize(t *testing.T) {
	tests := []struct {
		in         Query
		wantOffset int
		wantLimit  int
		explicit   bool
	}{
		{Query{}, 0, 10, false},
		{Query{Limit: -1, Offset: -5}, 0, 10, false},
		{Query{Limit: 5, Offset: 12}, 10, 5, true},
		{Query{Offset: 25}, 20, 10, true},
		{Query{Limit: 20, Offset: 20}, 20, 20, true},
	}
	for _, tt := range tests {
		if got := tt.in.Explicit(); got != tt.explicit {
			t.Errorf("%+v: expected explicit=%v, got %v", tt.in, tt.explicit, got)
		}
		n := tt.in.Normalize()
		if n.Offset != tt.wantOffset || n.Limit != tt.wantLimit {
			t.Errorf("%+v: expected offset=%d limit=%d, got offset=%d limit=%d", tt.in, tt.wantOffset, tt.wantLimit, n.Offset, n.Limit)
		}
	}
}

func TestCriterion_Match(t *testing.T) {
	f := NewFields()
	f.AddToken("code", "A")
	f.AddToken("code", "B")
	f.SetDate("date", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	may1 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		c    Criterion
		want bool
	}{
		{"eq second value", Eq("code", "B"), true},
		{"eq miss", Eq("code", "C"), false},
		{"eq missing field", Eq("status", "final"), false},
		{"in hit", In("code", "X", "A"), true},
		{"in empty", In("code"), false},
		{"gt equal", After("date", may1, false), false},
		{"ge equal", After("date", may1, true), true},
		{"lt equal", Before("date", may1, false), false},
		{"le equal", Before("date", may1, true), true},
		{"range on missing date", After("birthdate", may1, true), false},
	}
	for _, tt := range tests {
		if got := tt.c.Match(f); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestStampAndMetaVersion(t *testing.T) {
	doc := mustDecode(t, `{"meta":{"versionId":"4","source":"lab"}}`)
	if v, ok := metaVersion(doc); !ok || v != 4 {
		t.Errorf("expected meta version 4, got %d (%v)", v, ok)
	}

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stamp(doc, "Patient", "p1", 5, at)
	out, err := encode(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Meta         struct {
			VersionID   string `json:"versionId"`
			LastUpdated string `json:"lastUpdated"`
			Source      string `json:"source"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ResourceType != "Patient" || got.ID != "p1" {
		t.Errorf("expected Patient/p1, got %s/%s", got.ResourceType, got.ID)
	}
	if got.Meta.VersionID != "5" || got.Meta.LastUpdated != "2024-01-02T03:04:05Z" {
		t.Errorf("unexpected meta %+v", got.Meta)
	}
	if got.Meta.Source != "lab" {
		t.Errorf("expected other meta fields preserved, got %q", got.Meta.Source)
	}

	for _, bad := range []string{`{"meta":{"versionId":"x"}}`, `{"meta":{"versionId":"0"}}`, `{}`} {
		if _, ok := metaVersion(mustDecode(t, bad)); ok {
			t.Errorf("%s: expected no meta version", bad)
		}
	}
	if v, ok := metaVersion(mustDecode(t, `{"meta":{"versionId":3}}`)); !ok || v != 3 {
		t.Errorf("expected numeric versionId accepted, got %d", v)
	}
}
