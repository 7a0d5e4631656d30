// Package template renders outreach message templates and rejects messages
// that would go out with required personalization fields missing. A broken
// message is never sent; it surfaces as a *ValidationError before any
// provider call.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"text/template/parse"
)

// ValidationError indicates a template cannot produce a usable message for
// the given data. Permanent: the item fails, it is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: field %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("validation error: %s", e.Msg)
}

// Engine renders message templates with prospect data
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Validate checks template syntax.
func (e *Engine) Validate(tmplStr string) error {
	if strings.TrimSpace(tmplStr) == "" {
		return &ValidationError{Msg: "empty template"}
	}
	if _, err := template.New("message").Parse(tmplStr); err != nil {
		return &ValidationError{Msg: err.Error()}
	}
	return nil
}

// Variables returns the top-level field names referenced by the template,
// e.g. {{.FirstName}} yields "FirstName".
func (e *Engine) Variables(tmplStr string) ([]string, error) {
	t, err := template.New("message").Parse(tmplStr)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	seen := map[string]bool{}
	var out []string
	for _, node := range t.Root.Nodes {
		collectFields(node, seen, &out)
	}
	return out, nil
}

func collectFields(node parse.Node, seen map[string]bool, out *[]string) {
	switch n := node.(type) {
	case *parse.ActionNode:
		collectPipe(n.Pipe, seen, out)
	case *parse.IfNode:
		collectPipe(n.Pipe, seen, out)
		collectList(n.List, seen, out)
		collectList(n.ElseList, seen, out)
	case *parse.RangeNode:
		collectPipe(n.Pipe, seen, out)
		collectList(n.List, seen, out)
		collectList(n.ElseList, seen, out)
	case *parse.WithNode:
		collectPipe(n.Pipe, seen, out)
		collectList(n.List, seen, out)
		collectList(n.ElseList, seen, out)
	}
}

func collectList(list *parse.ListNode, seen map[string]bool, out *[]string) {
	if list == nil {
		return
	}
	for _, node := range list.Nodes {
		collectFields(node, seen, out)
	}
}

func collectPipe(pipe *parse.PipeNode, seen map[string]bool, out *[]string) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			if f, ok := arg.(*parse.FieldNode); ok && len(f.Ident) > 0 {
				name := f.Ident[0]
				if !seen[name] {
					seen[name] = true
					*out = append(*out, name)
				}
			}
		}
	}
}

// Render executes the template against prospect data. Every variable the
// template references must be present and non-empty, otherwise a
// *ValidationError is returned and nothing is rendered.
func (e *Engine) Render(tmplStr string, data map[string]string) (string, error) {
	vars, err := e.Variables(tmplStr)
	if err != nil {
		return "", err
	}
	for _, v := range vars {
		if strings.TrimSpace(data[v]) == "" {
			return "", &ValidationError{Field: v, Msg: "required variable missing or empty"}
		}
	}

	t, err := template.New("message").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", &ValidationError{Msg: err.Error()}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", &ValidationError{Msg: err.Error()}
	}
	rendered := strings.TrimSpace(buf.String())
	if rendered == "" {
		return "", &ValidationError{Msg: "template rendered to empty message"}
	}
	return rendered, nil
}
