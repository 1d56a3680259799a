package notify

import (
	"bytes"
	"errors"
	"text/template"
)

// DefaultTemplate is used when no custom template is configured.
const DefaultTemplate = `[{{.SeverityLabel}}] {{.Type}} alert {{.ActionLabel}}
Unit: {{.Unit}} ({{.UnitID}})
Site: {{.SiteID}}
Status: {{.Status}}
{{- if .TriggerTemperature}}
Trigger Temperature: {{.TriggerTemperature}} C{{if .ThresholdSide}} ({{.ThresholdSide}}){{end}}
{{- end}}
{{- if .LastTemperature}}
Last Temperature: {{.LastTemperature}} C
{{- end}}
Triggered At: {{.TriggeredAt}}
{{- if .Reason}}
Reason: {{.Reason}}
{{- end}}
{{- if .EscalationLevel}}
Escalation Level: {{.EscalationLevel}}
{{- end}}
Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	AlertID            string
	Unit               string
	UnitID             string
	SiteID             string
	OrganizationID     string
	Type               string
	Severity           string
	SeverityLabel      string
	Status             string
	Action             string
	ActionLabel        string
	TriggerTemperature string
	LastTemperature    string
	ThresholdSide      string
	TriggeredAt        string
	Reason             string
	EscalationLevel    int
	Suggestion         string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("alert-notification").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
