// Package derive computes the searchable derived text of a turn from a fixed template.
package derive

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/recall/internal/models"
)

// Default definition: "{timestamp}: {role}: {content}" with microsecond UTC timestamps.
const (
	DefaultTemplate = "{timestamp}: {role}: {content}"
	DefaultLayout   = "2006-01-02 15:04:05.999999"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]*)\}`)

var fieldAliases = map[string]string{
	"timestamp": "timestamp",
	"role":      "role",
	"content":   "content",
	"0":         "timestamp",
	"1":         "role",
	"2":         "content",
}

// Computer is an immutable derivation definition. Derive is a pure function of the turn,
// so two Computers with the same Version produce identical text for every turn.
type Computer struct {
	template string
	layout   string
	version  string
}

// NewComputer validates template and returns a Computer. An empty template or layout selects
// the default. The template must reference at least one field and only known fields.
func NewComputer(template, layout string) (*Computer, error) {
	if template == "" {
		template = DefaultTemplate
	}
	if layout == "" {
		layout = DefaultLayout
	}
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	if len(matches) == 0 {
		return nil, &models.ValidationError{Field: "derived_template", Reason: "must reference {timestamp}, {role} or {content}"}
	}
	for _, m := range matches {
		if _, ok := fieldAliases[m[1]]; !ok {
			return nil, &models.ValidationError{Field: "derived_template", Reason: "unknown placeholder " + strconv.Quote(m[0])}
		}
	}
	h := xxhash.New()
	_, _ = h.WriteString(template)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(layout)
	return &Computer{
		template: template,
		layout:   layout,
		version:  strconv.FormatUint(h.Sum64(), 16),
	}, nil
}

// MustComputer is NewComputer that panics on an invalid template.
func MustComputer(template, layout string) *Computer {
	c, err := NewComputer(template, layout)
	if err != nil {
		panic(err)
	}
	return c
}

// Template returns the template string.
func (c *Computer) Template() string { return c.template }

// Layout returns the timestamp layout.
func (c *Computer) Layout() string { return c.layout }

// Version fingerprints the template and layout.
func (c *Computer) Version() string { return c.version }

// Derive renders the template for t. Placeholders are substituted in a single pass,
// so braces inside field values are never expanded.
func (c *Computer) Derive(t *models.Turn) string {
	fields := map[string]string{
		"timestamp": t.Timestamp.UTC().Format(c.layout),
		"role":      string(t.Role),
		"content":   t.Content,
	}
	return placeholderRe.ReplaceAllStringFunc(c.template, func(m string) string {
		return fields[fieldAliases[m[1:len(m)-1]]]
	})
}

// Definition is the JSON-friendly form stored in the schema registry.
type Definition struct {
	Template string `json:"template"`
	Layout   string `json:"layout"`
}

// Definition returns c's stored form.
func (c *Computer) Definition() Definition {
	return Definition{Template: c.template, Layout: c.layout}
}

func (c *Computer) String() string {
	return fmt.Sprintf("%s (layout %q, version %s)", c.template, c.layout, c.version)
}

// Equal reports whether two definitions derive identical text.
func (c *Computer) Equal(o *Computer) bool {
	return o != nil && c.version == o.version && c.template == o.template && c.layout == o.layout
}
