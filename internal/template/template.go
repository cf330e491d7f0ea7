// Package template renders the human-editable email templates.
//
// Substitution is literal: every "{{key}}" occurrence is replaced with its
// value, keys regex-escaped. Templates are data, never code — no template
// engine executes them, because editors paste arbitrary text.
package template

import (
	"fmt"
	"regexp"
	"strings"

	pkgerrors "pledgeledger/pkg/errors"
)

// MailtoKey is the reserved placeholder that also matches the sentinel
// URL editors paste into rich-text templates.
const MailtoKey = "mailtoLink"

// sentinelPattern matches http://SEND_CONFIRMATION_EMAIL case-insensitive,
// raw or URL-encoded, with or without a redirect wrapper in front.
var sentinelPattern = regexp.MustCompile(
	`(?i)(?:https?://[^\s"'<>]*?(?:q=|url=))?http(?:://|%3A%2F%2F)SEND_CONFIRMATION_EMAIL[^\s"'<>]*`)

// Template is one stored template.
type Template struct {
	Name    string
	Subject string
	Body    string
}

// Rendered is the substitution result.
type Rendered struct {
	Subject  string
	HTMLBody string
}

// Registry fetches templates by handle.
type Registry interface {
	Get(name string) (Template, error)
}

// MemRegistry is a map-backed Registry.
type MemRegistry struct {
	templates map[string]Template
}

// NewMemRegistry returns a registry holding the given templates.
func NewMemRegistry(templates ...Template) *MemRegistry {
	r := &MemRegistry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.Name] = t
	}
	return r
}

// Get implements Registry.
func (r *MemRegistry) Get(name string) (Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("template %q: %w", name, pkgerrors.ErrNotFound)
	}
	return t, nil
}

// Put adds or replaces a template.
func (r *MemRegistry) Put(t Template) {
	r.templates[t.Name] = t
}

// Render substitutes vars into t and applies the mobile adjustments.
func Render(t Template, vars map[string]string) Rendered {
	subject := t.Subject
	body := t.Body
	for key, value := range vars {
		pattern := regexp.MustCompile(regexp.QuoteMeta("{{" + key + "}}"))
		subject = pattern.ReplaceAllLiteralString(subject, value)
		body = pattern.ReplaceAllLiteralString(body, value)
	}
	if mailto, ok := vars[MailtoKey]; ok {
		body = sentinelPattern.ReplaceAllLiteralString(body, mailto)
	}
	return Rendered{
		Subject:  subject,
		HTMLBody: applyMobileStyles(body),
	}
}

// applyMobileStyles caps the width at 600px and forces a white background
// so templates authored on desktop stay readable on phones.
func applyMobileStyles(body string) string {
	if strings.Contains(body, `class="pl-wrap"`) {
		return body
	}
	return `<div class="pl-wrap" style="max-width:600px;margin:0 auto;background-color:#ffffff;">` +
		body + `</div>`
}
