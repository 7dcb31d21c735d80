package synth

import (
	"encoding/json"
	"time"

	"appbuilder/services/prd"
)

const frappeTimeLayout = "2006-01-02 15:04:05.000000"

type docTypeJSON struct {
	Creation     string           `json:"creation"`
	Doctype      string           `json:"doctype"`
	EditableGrid int              `json:"editable_grid"`
	Engine       string           `json:"engine"`
	FieldOrder   []string         `json:"field_order"`
	Fields       []docFieldJSON   `json:"fields"`
	Idx          int              `json:"idx"`
	IsTable      int              `json:"istable"`
	Modified     string           `json:"modified"`
	ModifiedBy   string           `json:"modified_by"`
	Module       string           `json:"module"`
	Name         string           `json:"name"`
	Owner        string           `json:"owner"`
	Permissions  []permissionJSON `json:"permissions"`
	QuickEntry   int              `json:"quick_entry"`
	SortField    string           `json:"sort_field"`
	SortOrder    string           `json:"sort_order"`
	TrackChanges int              `json:"track_changes"`
}

type docFieldJSON struct {
	Fieldname string `json:"fieldname"`
	Fieldtype string `json:"fieldtype"`
	Idx       int    `json:"idx"`
	Label     string `json:"label"`
	Reqd      int    `json:"reqd"`
	Options   string `json:"options"`
}

type permissionJSON struct {
	Create int    `json:"create"`
	Delete int    `json:"delete"`
	Email  int    `json:"email"`
	Export int    `json:"export"`
	Print  int    `json:"print"`
	Read   int    `json:"read"`
	Report int    `json:"report"`
	Role   string `json:"role"`
	Share  int    `json:"share"`
	Write  int    `json:"write"`
}

type reportJSON struct {
	Creation   string `json:"creation"`
	Doctype    string `json:"doctype"`
	Idx        int    `json:"idx"`
	IsStandard string `json:"is_standard"`
	Modified   string `json:"modified"`
	ModifiedBy string `json:"modified_by"`
	Module     string `json:"module"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	Query      string `json:"query"`
	RefDoctype string `json:"ref_doctype"`
	ReportName string `json:"report_name"`
	ReportType string `json:"report_type"`
}

type webFormJSON struct {
	Creation      string             `json:"creation"`
	Doctype       string             `json:"doctype"`
	DocTypeRef    string             `json:"doc_type"`
	Idx           int                `json:"idx"`
	IsStandard    int                `json:"is_standard"`
	Modified      string             `json:"modified"`
	ModifiedBy    string             `json:"modified_by"`
	Module        string             `json:"module"`
	Name          string             `json:"name"`
	Owner         string             `json:"owner"`
	Published     int                `json:"published"`
	Route         string             `json:"route"`
	Title         string             `json:"title"`
	WebFormFields []webFormFieldJSON `json:"web_form_fields"`
}

type webFormFieldJSON struct {
	Fieldname string `json:"fieldname"`
}

type workflowJSON struct {
	Creation     string              `json:"creation"`
	Doctype      string              `json:"doctype"`
	DocumentType string              `json:"document_type"`
	Idx          int                 `json:"idx"`
	IsActive     int                 `json:"is_active"`
	Modified     string              `json:"modified"`
	ModifiedBy   string              `json:"modified_by"`
	Name         string              `json:"name"`
	Owner        string              `json:"owner"`
	States       []workflowStateJSON `json:"states"`
	Transitions  []workflowTransJSON `json:"transitions"`
	WorkflowName string              `json:"workflow_name"`
}

type workflowStateJSON struct {
	State     string `json:"state"`
	DocStatus string `json:"doc_status"`
	AllowEdit string `json:"allow_edit"`
}

type workflowTransJSON struct {
	State     string `json:"state"`
	Action    string `json:"action"`
	NextState string `json:"next_state"`
	Allowed   string `json:"allowed"`
}

const (
	administrator = "Administrator"
	systemManager = "System Manager"
)

func fullAccess(role string) permissionJSON {
	return permissionJSON{
		Create: 1, Delete: 1, Email: 1, Export: 1, Print: 1,
		Read: 1, Report: 1, Role: role, Share: 1, Write: 1,
	}
}

func docTypeDescriptor(e prd.EntityDef, now time.Time) docTypeJSON {
	stamp := now.UTC().Format(frappeTimeLayout)
	module := e.Module
	if module == "" {
		module = prd.DefaultModule
	}
	d := docTypeJSON{
		Creation:     stamp,
		Doctype:      "DocType",
		EditableGrid: 1,
		Engine:       "InnoDB",
		FieldOrder:   make([]string, 0, len(e.Fields)),
		Fields:       make([]docFieldJSON, 0, len(e.Fields)),
		Modified:     stamp,
		ModifiedBy:   administrator,
		Module:       module,
		Name:         e.Name,
		Owner:        administrator,
		Permissions:  []permissionJSON{fullAccess(systemManager)},
		QuickEntry:   1,
		SortField:    "modified",
		SortOrder:    "DESC",
		TrackChanges: 1,
	}
	for i, f := range e.Fields {
		d.FieldOrder = append(d.FieldOrder, f.Fieldname)
		field := docFieldJSON{
			Fieldname: f.Fieldname,
			Fieldtype: f.Fieldtype,
			Idx:       i + 1,
			Label:     f.Label,
			Options:   f.Options,
		}
		if f.Required {
			field.Reqd = 1
		}
		if f.LinkTarget != "" && (f.Fieldtype == prd.FieldLink || f.Fieldtype == prd.FieldTable) {
			field.Options = f.LinkTarget
		}
		d.Fields = append(d.Fields, field)
	}
	return d
}

func reportDescriptor(r prd.ReportDef, now time.Time) reportJSON {
	stamp := now.UTC().Format(frappeTimeLayout)
	return reportJSON{
		Creation:   stamp,
		Doctype:    "Report",
		IsStandard: "Yes",
		Modified:   stamp,
		ModifiedBy: administrator,
		Module:     prd.DefaultModule,
		Name:       r.Name,
		Owner:      administrator,
		Query:      "select * from `tab" + r.RefDoctype + "`",
		RefDoctype: r.RefDoctype,
		ReportName: r.Name,
		ReportType: r.ReportType,
	}
}

func webFormDescriptor(w prd.WebFormDef, now time.Time) []webFormJSON {
	stamp := now.UTC().Format(frappeTimeLayout)
	fields := make([]webFormFieldJSON, 0, len(w.Fields))
	for _, f := range w.Fields {
		fields = append(fields, webFormFieldJSON{Fieldname: f})
	}
	return []webFormJSON{{
		Creation:      stamp,
		Doctype:       "Web Form",
		DocTypeRef:    w.Doctype,
		IsStandard:    1,
		Modified:      stamp,
		ModifiedBy:    administrator,
		Module:        prd.DefaultModule,
		Name:          w.Name,
		Owner:         administrator,
		Published:     1,
		Route:         w.Route,
		Title:         w.Name,
		WebFormFields: fields,
	}}
}

func workflowDescriptor(w prd.WorkflowDef, now time.Time) []workflowJSON {
	stamp := now.UTC().Format(frappeTimeLayout)
	states := make([]workflowStateJSON, 0, len(w.States))
	for _, s := range w.States {
		states = append(states, workflowStateJSON{State: s, DocStatus: "0", AllowEdit: systemManager})
	}
	transitions := make([]workflowTransJSON, 0, len(w.Transitions))
	for _, t := range w.Transitions {
		transitions = append(transitions, workflowTransJSON{State: t.From, Action: t.Action, NextState: t.To, Allowed: systemManager})
	}
	return []workflowJSON{{
		Creation:     stamp,
		Doctype:      "Workflow",
		DocumentType: w.Doctype,
		IsActive:     1,
		Modified:     stamp,
		ModifiedBy:   administrator,
		Name:         w.Name,
		Owner:        administrator,
		States:       states,
		Transitions:  transitions,
		WorkflowName: w.Name,
	}}
}

func marshalDescriptor(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
