package prd

import (
	"regexp"
	"strings"
)

var fieldTypes = map[string]string{
	"text":        FieldData,
	"data":        FieldData,
	"number":      FieldInt,
	"int":         FieldInt,
	"integer":     FieldInt,
	"decimal":     FieldFloat,
	"float":       FieldFloat,
	"date":        FieldDate,
	"datetime":    FieldDatetime,
	"currency":    FieldCurrency,
	"link":        FieldLink,
	"select":      FieldSelect,
	"check":       FieldCheck,
	"boolean":     FieldCheck,
	"table":       FieldTable,
	"longtext":    FieldTextEditor,
	"text editor": FieldTextEditor,
	"attach":      FieldAttach,
}

var fieldDefPattern = regexp.MustCompile(`^(.+?)\s*\(([^)]*)\)`)

// FieldType resolves a PRD type token to a Frappe field type. Unknown tokens become Data.
func FieldType(token string) string {
	if ft, ok := fieldTypes[strings.ToLower(strings.Join(strings.Fields(token), " "))]; ok {
		return ft
	}
	return FieldData
}

// ParseField parses `Label (Type[, Required][, Link, Target])`. A body
// without parentheses is a Data field labelled by the whole body.
func ParseField(body string) FieldDef {
	body = strings.TrimSpace(body)
	m := fieldDefPattern.FindStringSubmatch(body)
	if m == nil {
		return FieldDef{Fieldname: Scrub(body), Label: body, Fieldtype: FieldData}
	}

	label := strings.TrimSpace(m[1])
	field := FieldDef{Fieldname: Scrub(label), Label: label, Fieldtype: FieldData}

	var args []string
	for _, arg := range strings.Split(m[2], ",") {
		if arg = strings.TrimSpace(arg); arg != "" {
			args = append(args, arg)
		}
	}
	if len(args) == 0 {
		return field
	}
	field.Fieldtype = FieldType(args[0])

	var rest []string
	for _, arg := range args[1:] {
		if strings.EqualFold(arg, "required") {
			field.Required = true
			continue
		}
		rest = append(rest, arg)
	}

	switch field.Fieldtype {
	case FieldSelect:
		field.Options = strings.Join(rest, "\n")
	case FieldLink, FieldTable:
		for _, arg := range rest {
			if !strings.EqualFold(arg, "link") {
				field.LinkTarget = arg
				break
			}
		}
	default:
		for i, arg := range rest {
			if strings.EqualFold(arg, "link") && i+1 < len(rest) {
				field.LinkTarget = rest[i+1]
				break
			}
		}
	}
	return field
}
