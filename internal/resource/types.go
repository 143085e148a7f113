package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ParamKind controls how a search parameter value is matched and how the
// projected field is normalized.
type ParamKind int

const (
	// ParamToken is an exact, case-sensitive match (codes, statuses).
	ParamToken ParamKind = iota
	// ParamString is a case-insensitive exact match (names).
	ParamString
	// ParamReference matches "Type/id" references; bare ids get the
	// parameter's default target prefix.
	ParamReference
	// ParamDate supports eq/gt/ge/lt/le comparisons.
	ParamDate
)

// ParamDef binds a search parameter name to an indexed field.
type ParamDef struct {
	Kind  ParamKind
	Field string
	// Target is the default reference type for bare ids, e.g. "Patient".
	Target string
}

// TypeDef describes one resource type: its search parameters and the
// function projecting a decoded payload into indexed fields.
type TypeDef struct {
	Name    string
	Params  map[string]ParamDef
	Extract func(doc map[string]any) Fields
}

// Project runs the extractor, tolerating a nil one.
func (d *TypeDef) Project(doc map[string]any) Fields {
	if d.Extract == nil {
		return NewFields()
	}
	f := d.Extract(doc)
	if f.Tokens == nil || f.Dates == nil {
		g := NewFields()
		for k, v := range f.Tokens {
			g.Tokens[k] = v
		}
		for k, v := range f.Dates {
			g.Dates[k] = v
		}
		return g
	}
	return f
}

// Registry holds the resource types the service accepts.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TypeDef
}

// NewRegistry returns a registry holding defs.
func NewRegistry(defs ...*TypeDef) *Registry {
	r := &Registry{types: make(map[string]*TypeDef, len(defs))}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// DefaultRegistry returns a registry with the built-in clinical types.
func DefaultRegistry() *Registry {
	return NewRegistry(BuiltinTypes()...)
}

// Register adds or replaces a type definition.
func (r *Registry) Register(def *TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[def.Name] = def
}

// Lookup returns the definition for name or ErrUnknownType.
func (r *Registry) Lookup(name string) (*TypeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return d, nil
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NormalizeReference prefixes bare ids with target, e.g. "123" -> "Patient/123".
func NormalizeReference(value, target string) string {
	if value == "" || target == "" || strings.Contains(value, "/") {
		return value
	}
	return target + "/" + value
}

// ParseDate accepts the date precisions used in clinical payloads.
func ParseDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}

// BuiltinTypes returns fresh definitions for the supported resource types.
func BuiltinTypes() []*TypeDef {
	patientRef := func(field string) ParamDef {
		return ParamDef{Kind: ParamReference, Field: field, Target: "Patient"}
	}
	subjectParams := func(extra map[string]ParamDef) map[string]ParamDef {
		p := map[string]ParamDef{
			"subject": patientRef("subject"),
			"patient": patientRef("subject"),
		}
		for k, v := range extra {
			p[k] = v
		}
		return p
	}
	token := func(field string) ParamDef { return ParamDef{Kind: ParamToken, Field: field} }
	str := func(field string) ParamDef { return ParamDef{Kind: ParamString, Field: field} }
	date := func(field string) ParamDef { return ParamDef{Kind: ParamDate, Field: field} }

	return []*TypeDef{
		{
			Name: "Patient",
			Params: map[string]ParamDef{
				"family": str("family"), "given": str("given"), "name": str("name"),
				"gender": token("gender"), "identifier": token("identifier"), "birthdate": date("birthdate"),
			},
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				humanNames(doc, f)
				f.AddToken("gender", stringAt(doc, "gender"))
				identifiers(doc, f)
				dateAt(doc, "birthDate", "birthdate", f)
				return f
			},
		},
		{
			Name: "Practitioner",
			Params: map[string]ParamDef{
				"family": str("family"), "given": str("given"), "name": str("name"),
				"identifier": token("identifier"),
			},
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				humanNames(doc, f)
				identifiers(doc, f)
				return f
			},
		},
		{
			Name:   "Organization",
			Params: map[string]ParamDef{"name": str("name"), "identifier": token("identifier")},
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				f.AddToken("name", strings.ToLower(stringAt(doc, "name")))
				identifiers(doc, f)
				return f
			},
		},
		{
			Name:   "Observation",
			Params: subjectParams(map[string]ParamDef{"code": token("code"), "status": token("status"), "date": date("date")}),
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				reference(doc, "subject.reference", "subject", "Patient", f)
				codings(doc, "code", "code", f)
				f.AddToken("status", stringAt(doc, "status"))
				dateAt(doc, "effectiveDateTime", "date", f)
				return f
			},
		},
		{
			Name:   "Condition",
			Params: subjectParams(map[string]ParamDef{"code": token("code")}),
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				reference(doc, "subject.reference", "subject", "Patient", f)
				codings(doc, "code", "code", f)
				return f
			},
		},
		{
			Name:   "Encounter",
			Params: subjectParams(map[string]ParamDef{"status": token("status"), "date": date("date")}),
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				reference(doc, "subject.reference", "subject", "Patient", f)
				f.AddToken("status", stringAt(doc, "status"))
				dateAt(doc, "period.start", "date", f)
				return f
			},
		},
		{
			Name:   "DiagnosticReport",
			Params: subjectParams(map[string]ParamDef{"status": token("status"), "code": token("code")}),
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				reference(doc, "subject.reference", "subject", "Patient", f)
				f.AddToken("status", stringAt(doc, "status"))
				codings(doc, "code", "code", f)
				return f
			},
		},
		{
			Name:   "MedicationRequest",
			Params: subjectParams(map[string]ParamDef{"status": token("status")}),
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				reference(doc, "subject.reference", "subject", "Patient", f)
				f.AddToken("status", stringAt(doc, "status"))
				return f
			},
		},
		{
			Name: "Immunization",
			Params: map[string]ParamDef{
				"patient": patientRef("patient"), "status": token("status"),
				"vaccine-code": token("vaccine-code"), "date": date("date"),
			},
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				reference(doc, "patient.reference", "patient", "Patient", f)
				f.AddToken("status", stringAt(doc, "status"))
				codings(doc, "vaccineCode", "vaccine-code", f)
				dateAt(doc, "occurrenceDateTime", "date", f)
				return f
			},
		},
		{
			Name: "Appointment",
			Params: map[string]ParamDef{
				"patient": patientRef("patient"), "status": token("status"), "date": date("date"),
			},
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				if parts, ok := doc["participant"].([]any); ok {
					for _, p := range parts {
						pm, _ := p.(map[string]any)
						ref := stringAt(pm, "actor.reference")
						if strings.HasPrefix(ref, "Patient/") {
							f.AddToken("patient", ref)
						}
					}
				}
				f.AddToken("status", stringAt(doc, "status"))
				dateAt(doc, "start", "date", f)
				return f
			},
		},
		{
			Name:   "AllergyIntolerance",
			Params: map[string]ParamDef{"patient": patientRef("patient")},
			Extract: func(doc map[string]any) Fields {
				f := NewFields()
				ref := stringAt(doc, "patient.reference")
				if ref == "" {
					ref = stringAt(doc, "subject.reference")
				}
				f.AddToken("patient", NormalizeReference(ref, "Patient"))
				return f
			},
		},
	}
}

// stringAt follows a dotted path through nested objects.
func stringAt(doc map[string]any, path string) string {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return s
}

func reference(doc map[string]any, path, field, target string, f Fields) {
	f.AddToken(field, NormalizeReference(stringAt(doc, path), target))
}

func dateAt(doc map[string]any, path, field string, f Fields) {
	s := stringAt(doc, path)
	if s == "" {
		return
	}
	if t, err := ParseDate(s); err == nil {
		f.SetDate(field, t)
	}
}

// codings indexes every coding code of a CodeableConcept, both bare and as
// "system|code".
func codings(doc map[string]any, path, field string, f Fields) {
	cc, _ := doc[path].(map[string]any)
	list, _ := cc["coding"].([]any)
	for _, c := range list {
		cm, _ := c.(map[string]any)
		code, _ := cm["code"].(string)
		if code == "" {
			continue
		}
		f.AddToken(field, code)
		if sys, _ := cm["system"].(string); sys != "" {
			f.AddToken(field, sys+"|"+code)
		}
	}
}

func identifiers(doc map[string]any, f Fields) {
	list, _ := doc["identifier"].([]any)
	for _, id := range list {
		im, _ := id.(map[string]any)
		v, _ := im["value"].(string)
		if v == "" {
			continue
		}
		f.AddToken("identifier", v)
		if sys, _ := im["system"].(string); sys != "" {
			f.AddToken("identifier", sys+"|"+v)
		}
	}
}

// humanNames indexes lowercased family and given names. "name" holds both.
func humanNames(doc map[string]any, f Fields) {
	list, _ := doc["name"].([]any)
	for _, n := range list {
		nm, _ := n.(map[string]any)
		if fam, _ := nm["family"].(string); fam != "" {
			fam = strings.ToLower(fam)
			f.AddToken("family", fam)
			f.AddToken("name", fam)
		}
		given, _ := nm["given"].([]any)
		for _, g := range given {
			if gs, _ := g.(string); gs != "" {
				gs = strings.ToLower(gs)
				f.AddToken("given", gs)
				f.AddToken("name", gs)
			}
		}
	}
}
