package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template IDs used by the scheduling service.
const (
	TemplateConfirmation = "appointment-confirmation"
	TemplateRescheduled  = "appointment-rescheduled"
	TemplateCancelled    = "appointment-cancelled"
	TemplateReminder     = "appointment-reminder"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
	Channel Channel `json:"channel"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the appointment templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateConfirmation,
			Name:    "Appointment Confirmation",
			Subject: "Appointment Scheduled - Confirmation",
			Body:    "Dear {{recipient_name}}, your appointment with {{provider_name}} has been scheduled for {{date}} at {{time}} ({{duration}} minutes).",
		},
		{
			ID:      TemplateRescheduled,
			Name:    "Appointment Rescheduled",
			Subject: "Appointment Rescheduled",
			Body:    "Dear {{recipient_name}}, the appointment between {{patient_name}} and {{provider_name}} has been rescheduled from {{prior_date}} at {{prior_time}} to {{date}} at {{time}}.",
		},
		{
			ID:      TemplateCancelled,
			Name:    "Appointment Cancelled",
			Subject: "Appointment Cancelled",
			Body:    "Dear {{recipient_name}}, the appointment between {{patient_name}} and {{provider_name}} on {{date}} at {{time}} has been cancelled. Reason: {{reason}}",
		},
		{
			ID:      TemplateReminder,
			Name:    "Appointment Reminder",
			Subject: "Appointment Reminder - {{hours_before}} hours before",
			Body:    "Reminder: you have an appointment with {{provider_name}} on {{date}} at {{time}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		t.Channel = ChannelEmail
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	if t.Channel == "" {
		t.Channel = ChannelEmail
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Subject), r.Replace(t.Body), nil
}

// IDs lists the registered template IDs.
func (e *TemplateEngine) IDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.templates))
	for id := range e.templates {
		out = append(out, id)
	}
	return out
}
