package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"

	"timesheet-approval-service/internal/models"
)

//go:embed templates/*.html
var templateFS embed.FS

// ActionLinks are the one-click URLs embedded in an approval request
type ActionLinks struct {
	Approve string
	Reject  string
	View    string
}

// templateData is everything a message body may reference
type templateData struct {
	RecipientName    string
	SubmitterName    string
	ProjectName      string
	Period           string
	Hours            string
	Amount           string
	Step             int
	StepCount        int
	ActedByName      string
	ActedByRole      string
	NextApproverName string
	Reason           string
	ActionTTL        string
	Links            *ActionLinks
}

var subjects = map[models.NotificationKind]string{
	models.NotificationApprovalRequested:    "Timesheet approval requested: %s",
	models.NotificationFirstApprovalGranted: "Your timesheet was approved by %s",
	models.NotificationFinalApprovalGranted: "Your timesheet has been fully approved",
	models.NotificationRejected:             "Your timesheet was rejected",
}

// renderer holds one parsed template per notification kind
type renderer struct {
	templates map[models.NotificationKind]*template.Template
}

func newRenderer() (*renderer, error) {
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	r := &renderer{templates: make(map[models.NotificationKind]*template.Template, len(subjects))}
	for kind := range subjects {
		t, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", kind, err)
		}
		if _, err := t.ParseFS(templateFS, "templates/"+string(kind)+".html"); err != nil {
			return nil, fmt.Errorf("parse %s template: %w", kind, err)
		}
		r.templates[kind] = t
	}
	return r, nil
}

func (r *renderer) render(kind models.NotificationKind, data templateData) (subject, html string, err error) {
	t, ok := r.templates[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for notification kind %q", kind)
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", kind, err)
	}

	switch kind {
	case models.NotificationApprovalRequested:
		subject = fmt.Sprintf(subjects[kind], data.SubmitterName)
	case models.NotificationFirstApprovalGranted:
		subject = fmt.Sprintf(subjects[kind], data.ActedByName)
	default:
		subject = subjects[kind]
	}
	return subject, buf.String(), nil
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}

func formatAmount(a *float64) string {
	if a == nil {
		return ""
	}
	return strconv.FormatFloat(*a, 'f', 2, 64)
}
