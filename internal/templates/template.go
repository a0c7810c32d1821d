// Package templates implements typed message templates: declared variables
// are validated when a template is defined and substituted by plain string
// replacement when a message is sent.
package templates

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// VarType is the declared type of a template variable.
type VarType string

// Variable types.
const (
	TypeString VarType = "string"
	TypeNumber VarType = "number"
	TypeDate   VarType = "date"
	TypeBool   VarType = "bool"
)

// RecipientName is always available to templates and filled per recipient.
const RecipientName = "recipient_name"

// Template errors.
var (
	ErrUnknownVariable   = errors.New("unknown template variable")
	ErrDuplicateVariable = errors.New("duplicate template variable")
	ErrInvalidVariable   = errors.New("invalid template variable")
	ErrMissingValue      = errors.New("missing required template value")
	ErrInvalidValue      = errors.New("invalid template value")
)

var (
	referencePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	namePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Variable declares one substitutable value.
type Variable struct {
	Name     string  `json:"name"`
	Type     VarType `json:"type"`
	Required bool    `json:"required,omitempty"`
	Default  string  `json:"default,omitempty"`
}

// Template is a subject/body pair with declared variables.
type Template struct {
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	Locale    string     `json:"locale,omitempty"`
	Variables []Variable `json:"variables,omitempty"`
}

// Validate checks declarations and rejects references to undeclared variables.
func (t *Template) Validate() error {
	declared := make(map[string]bool, len(t.Variables)+1)
	declared[RecipientName] = true

	for _, v := range t.Variables {
		if !namePattern.MatchString(v.Name) {
			return fmt.Errorf("%w: name %q", ErrInvalidVariable, v.Name)
		}
		if v.Name == RecipientName {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidVariable, v.Name)
		}
		if declared[v.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateVariable, v.Name)
		}
		switch v.Type {
		case TypeString, TypeNumber, TypeDate, TypeBool:
		default:
			return fmt.Errorf("%w: %q has unsupported type %q", ErrInvalidVariable, v.Name, v.Type)
		}
		if v.Default != "" {
			if _, err := parseValue(v, v.Default); err != nil {
				return fmt.Errorf("%w: default for %q: %v", ErrInvalidVariable, v.Name, err)
			}
		}
		declared[v.Name] = true
	}

	for _, name := range References(t.Subject + "\n" + t.Body) {
		if !declared[name] {
			return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
		}
	}

	if _, err := t.tag(); err != nil {
		return fmt.Errorf("%w: locale %q", ErrInvalidVariable, t.Locale)
	}

	return nil
}

// ValidateValues checks that values satisfy the declarations without rendering.
func (t *Template) ValidateValues(values map[string]string) error {
	_, err := t.resolve(values)
	return err
}

// Render substitutes values into subject and body.
func (t *Template) Render(values map[string]string) (subject, body string, err error) {
	resolved, err := t.resolve(values)
	if err != nil {
		return "", "", err
	}

	pairs := make([]string, 0, len(resolved)*2)
	for name, value := range resolved {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	r := strings.NewReplacer(pairs...)

	return r.Replace(normalize(t.Subject)), r.Replace(normalize(t.Body)), nil
}

func (t *Template) resolve(values map[string]string) (map[string]string, error) {
	tag, err := t.tag()
	if err != nil {
		return nil, err
	}
	printer := message.NewPrinter(tag)

	resolved := make(map[string]string, len(t.Variables)+1)
	resolved[RecipientName] = values[RecipientName]

	for _, v := range t.Variables {
		raw, ok := values[v.Name]
		if !ok || raw == "" {
			if v.Default != "" {
				raw = v.Default
			} else if v.Required {
				return nil, fmt.Errorf("%w: %q", ErrMissingValue, v.Name)
			} else {
				resolved[v.Name] = ""
				continue
			}
		}

		parsed, err := parseValue(v, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidValue, v.Name, err)
		}
		resolved[v.Name] = format(printer, v.Type, parsed)
	}

	return resolved, nil
}

func (t *Template) tag() (language.Tag, error) {
	if t.Locale == "" {
		return language.English, nil
	}
	return language.Parse(t.Locale)
}

// References returns variable names referenced in text, in order of first use.
func References(text string) []string {
	matches := referencePattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// normalize rewrites "{{ name }}" to "{{name}}" so replacement keys match.
func normalize(text string) string {
	return referencePattern.ReplaceAllString(text, "{{$1}}")
}

func parseValue(v Variable, raw string) (any, error) {
	switch v.Type {
	case TypeNumber:
		return strconv.ParseFloat(raw, 64)
	case TypeDate:
		if d, err := time.Parse(time.RFC3339, raw); err == nil {
			return d, nil
		}
		return time.Parse(time.DateOnly, raw)
	case TypeBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

func format(p *message.Printer, typ VarType, value any) string {
	switch typ {
	case TypeNumber:
		f := value.(float64)
		if f == float64(int64(f)) {
			return p.Sprintf("%d", int64(f))
		}
		return p.Sprintf("%.2f", f)
	case TypeDate:
		return value.(time.Time).Format(time.DateOnly)
	case TypeBool:
		if value.(bool) {
			return "yes"
		}
		return "no"
	default:
		return value.(string)
	}
}
