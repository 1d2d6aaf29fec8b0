// Package email renders notification templates and hands finished emails to
// a transport: a Kafka topic consumed by the mail relay, or the log when no
// brokers are configured.
package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application/notification"
)

//go:embed templates/*.html
var templatesFS embed.FS

type Renderer struct {
	tmpl *template.Template
}

var _ notification.Renderer = (*Renderer)(nil)

// NewRenderer parses the embedded templates. Variables missing from a render
// call print as empty strings.
func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("email").Option("missingkey=zero").ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse email templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) Render(name string, vars map[string]string) (string, error) {
	t := r.tmpl.Lookup(name + ".html")
	if t == nil {
		return "", fmt.Errorf("unknown email template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
