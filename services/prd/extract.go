package prd

import (
	"regexp"
	"strings"
)

// State names the section the extractor is currently inside.
type State int

const (
	StateNone State = iota
	StateEntity
	StatePage
	StateReport
	StateWebForm
	StateWorkflow
	StateFixture
)

func (s State) String() string {
	switch s {
	case StateEntity:
		return "IN_ENTITY"
	case StatePage:
		return "IN_PAGE"
	case StateReport:
		return "IN_REPORT"
	case StateWebForm:
		return "IN_WEBFORM"
	case StateWorkflow:
		return "IN_WORKFLOW"
	case StateFixture:
		return "IN_FIXTURE"
	default:
		return "NONE"
	}
}

// Section markers, checked in order. Web Form comes first so it is not
// mistaken for anything shorter.
var markers = []struct {
	state   State
	pattern *regexp.Regexp
}{
	{StateWebForm, regexp.MustCompile(`(?i)^web\s*form\b`)},
	{StateEntity, regexp.MustCompile(`(?i)^(doctype|entity|model)\b`)},
	{StatePage, regexp.MustCompile(`(?i)^(page|screen|view)\b`)},
	{StateReport, regexp.MustCompile(`(?i)^(report|analytics)\b`)},
	{StateWorkflow, regexp.MustCompile(`(?i)^workflow\b`)},
	{StateFixture, regexp.MustCompile(`(?i)^fixture\b`)},
}

var transitionPattern = regexp.MustCompile(`^(.+?)\s*->\s*(.+?)(?:\s*\(([^)]*)\))?$`)

// transitions maps each state to the handler for its non-heading tokens.
// Headings are handled uniformly by (*extractor).heading.
var transitions = map[State]func(*extractor, Token) State{
	StateNone:     func(*extractor, Token) State { return StateNone },
	StateEntity:   (*extractor).inEntity,
	StatePage:     (*extractor).inPage,
	StateReport:   (*extractor).inReport,
	StateWebForm:  (*extractor).inWebForm,
	StateWorkflow: (*extractor).inWorkflow,
	StateFixture:  (*extractor).inFixture,
}

type extractor struct {
	model *RequirementModel
	state State

	entity   *EntityDef
	page     *PageDef
	content  []string
	report   *ReportDef
	webForm  *WebFormDef
	workflow *WorkflowDef
	fixture  *FixtureDef
	payload  []string
	fenced   int // 0 before the block, 1 inside, 2 after
}

// Extract parses PRD text into a RequirementModel. It never fails: text it
// does not recognise is dropped and an item still open at the end is kept.
func Extract(text string) *RequirementModel {
	x := &extractor{model: NewRequirementModel()}
	for _, tok := range Tokenize(text) {
		if tok.Kind == Heading {
			x.state = x.heading(tok)
			continue
		}
		x.state = transitions[x.state](x, tok)
	}
	x.flush()
	return x.model
}

func (x *extractor) heading(tok Token) State {
	x.flush()
	for _, m := range markers {
		loc := m.pattern.FindStringIndex(tok.Text)
		if loc == nil {
			continue
		}
		name := itemName(tok.Text[loc[1]:])
		x.open(m.state, name)
		return m.state
	}
	return StateNone
}

func itemName(rest string) string {
	rest = strings.TrimSpace(rest)
	rest = strings.TrimLeft(rest, ":-")
	return strings.TrimSpace(rest)
}

func (x *extractor) open(state State, name string) {
	switch state {
	case StateEntity:
		x.entity = &EntityDef{Name: name, Fields: []FieldDef{}}
	case StatePage:
		x.page = &PageDef{Name: name}
		x.content = nil
	case StateReport:
		x.report = &ReportDef{Name: name}
	case StateWebForm:
		x.webForm = &WebFormDef{Name: name, Fields: []string{}}
	case StateWorkflow:
		x.workflow = &WorkflowDef{Name: name, States: []string{}, Transitions: []Transition{}}
	case StateFixture:
		x.fixture = &FixtureDef{Name: name}
		x.payload = nil
		x.fenced = 0
	}
}

// flush moves the open item, if it has a name, into the model.
func (x *extractor) flush() {
	switch x.state {
	case StateEntity:
		if e := x.entity; e != nil && e.Name != "" {
			if e.Module == "" {
				e.Module = DefaultModule
			}
			x.model.Entities = append(x.model.Entities, *e)
		}
		x.entity = nil
	case StatePage:
		if p := x.page; p != nil && p.Name != "" {
			if p.Route == "" {
				p.Route = Scrub(p.Name)
			}
			if p.Title == "" {
				p.Title = p.Name
			}
			p.Content = strings.TrimSpace(strings.Join(x.content, "\n"))
			x.model.Pages = append(x.model.Pages, *p)
		}
		x.page, x.content = nil, nil
	case StateReport:
		if r := x.report; r != nil && r.Name != "" {
			if r.RefDoctype == "" {
				r.RefDoctype = DefaultRefDoctype
			}
			if r.ReportType == "" {
				r.ReportType = DefaultReportType
			}
			x.model.Reports = append(x.model.Reports, *r)
		}
		x.report = nil
	case StateWebForm:
		if w := x.webForm; w != nil && w.Name != "" {
			if w.Doctype == "" {
				w.Doctype = DefaultRefDoctype
			}
			if w.Route == "" {
				w.Route = Slug(w.Name)
			}
			x.model.WebForms = append(x.model.WebForms, *w)
		}
		x.webForm = nil
	case StateWorkflow:
		if w := x.workflow; w != nil && w.Name != "" {
			if w.Doctype == "" {
				w.Doctype = DefaultRefDoctype
			}
			x.model.Workflows = append(x.model.Workflows, *w)
		}
		x.workflow = nil
	case StateFixture:
		if f := x.fixture; f != nil && f.Name != "" && x.fenced > 0 {
			f.Payload = strings.Join(x.payload, "\n")
			x.model.Fixtures = append(x.model.Fixtures, *f)
		}
		x.fixture, x.payload = nil, nil
	}
}

func (x *extractor) inEntity(tok Token) State {
	switch tok.Kind {
	case Field:
		x.entity.Fields = append(x.entity.Fields, ParseField(tok.Text))
	case Property:
		if tok.Key == "module" && tok.Value != "" {
			x.entity.Module = tok.Value
		}
	}
	return StateEntity
}

func (x *extractor) inPage(tok Token) State {
	switch tok.Kind {
	case Property:
		switch tok.Key {
		case "route":
			x.page.Route = strings.Trim(tok.Value, "/")
			return StatePage
		case "title":
			x.page.Title = tok.Value
			return StatePage
		case "dynamic", "controller":
			x.page.Dynamic = truthy(tok.Value)
			return StatePage
		}
		x.content = append(x.content, tok.Text)
	case Text, Field:
		x.content = append(x.content, tok.Text)
	case Blank:
		if len(x.content) > 0 {
			x.content = append(x.content, "")
		}
	}
	return StatePage
}

func (x *extractor) inReport(tok Token) State {
	if tok.Kind != Property {
		return StateReport
	}
	switch tok.Key {
	case "doctype", "ref", "ref doctype":
		x.report.RefDoctype = tok.Value
	case "type", "report type":
		x.report.ReportType = tok.Value
	}
	return StateReport
}

func (x *extractor) inWebForm(tok Token) State {
	switch tok.Kind {
	case Field:
		if f := ParseField(tok.Text); f.Fieldname != "" {
			x.webForm.Fields = append(x.webForm.Fields, f.Fieldname)
		}
	case Property:
		switch tok.Key {
		case "doctype", "ref":
			x.webForm.Doctype = tok.Value
		case "route":
			x.webForm.Route = strings.Trim(tok.Value, "/")
		}
	}
	return StateWebForm
}

func (x *extractor) inWorkflow(tok Token) State {
	if tok.Kind != Property {
		return StateWorkflow
	}
	w := x.workflow
	switch tok.Key {
	case "doctype", "ref":
		w.Doctype = tok.Value
	case "states":
		for _, s := range strings.Split(tok.Value, ",") {
			x.addState(strings.TrimSpace(s))
		}
	case "transition":
		m := transitionPattern.FindStringSubmatch(tok.Value)
		if m == nil {
			return StateWorkflow
		}
		t := Transition{From: strings.TrimSpace(m[1]), To: strings.TrimSpace(m[2]), Action: strings.TrimSpace(m[3])}
		if t.Action == "" {
			t.Action = t.To
		}
		x.addState(t.From)
		x.addState(t.To)
		w.Transitions = append(w.Transitions, t)
	}
	return StateWorkflow
}

func (x *extractor) addState(state string) {
	if state == "" {
		return
	}
	for _, s := range x.workflow.States {
		if s == state {
			return
		}
	}
	x.workflow.States = append(x.workflow.States, state)
}

// inFixture captures the first fenced block verbatim.
func (x *extractor) inFixture(tok Token) State {
	switch {
	case tok.Kind == Fence && x.fenced < 2:
		x.fenced++
	case x.fenced == 1:
		x.payload = append(x.payload, tok.Raw)
	}
	return StateFixture
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true", "1", "on":
		return true
	}
	return false
}
