// Package generation produces location content through an LLM provider as
// an ordered chain of prompts, each able to use the outputs before it.
package generation

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// Generator produces text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Step names, also the variable names their outputs are stored under.
const (
	StepTranslatedName = "translated_name"
	StepTitle          = "title"
	StepBody           = "body"
	StepSEOTitle       = "seo_title"
	StepSEODescription = "seo_description"
)

// Step is one prompt of the chain.
type Step struct {
	Name        string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// MaxLength trims the output to this many runes when positive.
	MaxLength int
}

// Chain is a compiled, ordered list of steps.
type Chain struct {
	steps []compiledStep
}

type compiledStep struct {
	Step
	system *template.Template
	user   *template.Template
}

// StepError reports which step of a chain failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// NewChain parses the templates of every step. Templates see the input
// variables plus the outputs of earlier steps, keyed by step name.
func NewChain(steps []Step) (*Chain, error) {
	c := &Chain{}
	seen := map[string]bool{}
	for _, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("chain step without name")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate chain step %s", s.Name)
		}
		seen[s.Name] = true
		sys, err := template.New(s.Name + "_system").Option("missingkey=zero").Parse(s.System)
		if err != nil {
			return nil, fmt.Errorf("parse %s system prompt: %w", s.Name, err)
		}
		usr, err := template.New(s.Name + "_user").Option("missingkey=zero").Parse(s.User)
		if err != nil {
			return nil, fmt.Errorf("parse %s user prompt: %w", s.Name, err)
		}
		c.steps = append(c.steps, compiledStep{Step: s, system: sys, user: usr})
	}
	return c, nil
}

// Steps returns the step names in order.
func (c *Chain) Steps() []string {
	out := make([]string, 0, len(c.steps))
	for _, s := range c.steps {
		out = append(out, s.Name)
	}
	return out
}

// Run executes the steps in order and returns every output keyed by step
// name. The first failing step aborts the chain.
func (c *Chain) Run(ctx context.Context, gen Generator, vars map[string]string) (map[string]string, error) {
	data := make(map[string]string, len(vars)+len(c.steps))
	for k, v := range vars {
		data[k] = v
	}
	out := make(map[string]string, len(c.steps))
	for _, s := range c.steps {
		if err := ctx.Err(); err != nil {
			return out, &StepError{Step: s.Name, Err: err}
		}
		system, err := render(s.system, data)
		if err != nil {
			return out, &StepError{Step: s.Name, Err: err}
		}
		user, err := render(s.user, data)
		if err != nil {
			return out, &StepError{Step: s.Name, Err: err}
		}
		text, err := gen.Generate(ctx, Request{
			SystemPrompt: system,
			UserPrompt:   user,
			MaxTokens:    s.MaxTokens,
			Temperature:  s.Temperature,
		})
		if err != nil {
			return out, &StepError{Step: s.Name, Err: err}
		}
		text = clean(text, s.MaxLength)
		if text == "" {
			return out, &StepError{Step: s.Name, Err: ErrEmptyResponse}
		}
		data[s.Name] = text
		out[s.Name] = text
	}
	return out, nil
}

func render(t *template.Template, data map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// clean strips wrapping quotes models like to add to short answers.
func clean(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) {
		text = strings.TrimSpace(text[1 : len(text)-1])
	}
	if maxLen > 0 {
		r := []rune(text)
		if len(r) > maxLen {
			text = strings.TrimSpace(string(r[:maxLen]))
		}
	}
	return text
}
