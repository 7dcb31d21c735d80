package prd

import (
	"strings"
	"unicode"
)

// Frappe field types produced by the extractor.
const (
	FieldData       = "Data"
	FieldInt        = "Int"
	FieldFloat      = "Float"
	FieldDate       = "Date"
	FieldDatetime   = "Datetime"
	FieldCurrency   = "Currency"
	FieldLink       = "Link"
	FieldSelect     = "Select"
	FieldCheck      = "Check"
	FieldTable      = "Table"
	FieldTextEditor = "Text Editor"
	FieldAttach     = "Attach"
)

const (
	DefaultModule     = "Core"
	DefaultReportType = "Query Report"
	DefaultRefDoctype = "DocType"
)

// RequirementModel is the typed result of parsing a PRD. Every list is
// non-nil so encoders always emit all of them.
type RequirementModel struct {
	Entities  []EntityDef   `json:"entities" yaml:"entities"`
	Pages     []PageDef     `json:"pages" yaml:"pages"`
	Reports   []ReportDef   `json:"reports" yaml:"reports"`
	WebForms  []WebFormDef  `json:"webForms" yaml:"webForms"`
	Workflows []WorkflowDef `json:"workflows" yaml:"workflows"`
	Fixtures  []FixtureDef  `json:"fixtures" yaml:"fixtures"`
}

// NewRequirementModel returns an empty model with every list allocated.
func NewRequirementModel() *RequirementModel {
	return &RequirementModel{
		Entities:  []EntityDef{},
		Pages:     []PageDef{},
		Reports:   []ReportDef{},
		WebForms:  []WebFormDef{},
		Workflows: []WorkflowDef{},
		Fixtures:  []FixtureDef{},
	}
}

// Modules lists Core followed by each distinct entity module in first-seen order.
func (m *RequirementModel) Modules() []string {
	modules := []string{DefaultModule}
	seen := map[string]bool{DefaultModule: true}
	if m == nil {
		return modules
	}
	for _, e := range m.Entities {
		mod := e.Module
		if mod == "" {
			mod = DefaultModule
		}
		if !seen[mod] {
			seen[mod] = true
			modules = append(modules, mod)
		}
	}
	return modules
}

type EntityDef struct {
	Name   string     `json:"name" yaml:"name"`
	Module string     `json:"module" yaml:"module"`
	Fields []FieldDef `json:"fields" yaml:"fields"`
}

type FieldDef struct {
	Fieldname  string `json:"fieldname" yaml:"fieldname"`
	Label      string `json:"label" yaml:"label"`
	Fieldtype  string `json:"fieldtype" yaml:"fieldtype"`
	Required   bool   `json:"required" yaml:"required"`
	LinkTarget string `json:"linkTarget,omitempty" yaml:"linkTarget,omitempty"`
	Options    string `json:"options,omitempty" yaml:"options,omitempty"`
}

type PageDef struct {
	Name    string `json:"name" yaml:"name"`
	Route   string `json:"route" yaml:"route"`
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
	Dynamic bool   `json:"dynamic" yaml:"dynamic"`
}

type ReportDef struct {
	Name       string `json:"name" yaml:"name"`
	RefDoctype string `json:"refDoctype" yaml:"refDoctype"`
	ReportType string `json:"reportType" yaml:"reportType"`
}

type WebFormDef struct {
	Name    string   `json:"name" yaml:"name"`
	Doctype string   `json:"doctype" yaml:"doctype"`
	Route   string   `json:"route" yaml:"route"`
	Fields  []string `json:"fields" yaml:"fields"`
}

type WorkflowDef struct {
	Name        string       `json:"name" yaml:"name"`
	Doctype     string       `json:"doctype" yaml:"doctype"`
	States      []string     `json:"states" yaml:"states"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

type Transition struct {
	From   string `json:"from" yaml:"from"`
	Action string `json:"action" yaml:"action"`
	To     string `json:"to" yaml:"to"`
}

// FixtureDef carries a fenced payload copied verbatim from the PRD.
type FixtureDef struct {
	Name    string `json:"name" yaml:"name"`
	Payload string `json:"payload" yaml:"payload"`
}

// Scrub converts a display name to a Frappe identifier: lowercase words joined
// by underscores. Anything outside [a-z0-9_] is dropped.
func Scrub(name string) string {
	return identifier(name, '_')
}

// Slug converts a display name to a URL route segment of [a-z0-9-].
func Slug(name string) string {
	return identifier(name, '-')
}

func identifier(name string, sep rune) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pending && b.Len() > 0 {
				b.WriteRune(sep)
			}
			pending = false
			b.WriteRune(r)
		case r == '_', r == '-', unicode.IsSpace(r):
			pending = true
		}
	}
	return b.String()
}
