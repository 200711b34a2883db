// Package template renders text templates with the sprig function set.
package template

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Render parses and executes a template against data. Missing keys are
// errors so a bad menu template fails loudly instead of emitting an empty
// boot script.
func Render(name, content string, data any) ([]byte, error) {
	t, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(content)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err := t.Execute(buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
