// Package prompt implements the Prompt Renderer (spec §4.6): it resolves
// `{{name}}` placeholders against a tenant's variables and persona prompt,
// enforces required-variable presence and a maximum rendered length, and
// computes the cache's exact-match key.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nightrelay/postengine/internal/postengineerr"
	yaml "go.yaml.in/yaml/v2"
)

var templateValidator = validator.New()

// personaVariable is the reserved placeholder name through which a
// tenant's persona_prompt is injected into every template.
const personaVariable = "persona"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Template is a named prompt skeleton with its required variables and a
// per-template maximum rendered length (falls back to the engine-wide
// POST_MAX_LEN when zero).
type Template struct {
	Name      string   `yaml:"name" validate:"required"`
	Body      string   `yaml:"body" validate:"required"`
	Required  []string `yaml:"required"`
	MaxLength int      `yaml:"max_length" validate:"gte=0"`
}

// Set is a named collection of templates, keyed by Template.Name.
type Set struct {
	templates map[string]Template
}

// LoadDir reads every *.yaml/*.yml file in dir and merges their `templates`
// lists into a single Set. Each file has the shape:
//
//	templates:
//	  - name: daily_update
//	    body: "{{persona}} Today: {{topic}}"
//	    required: [topic]
//	    max_length: 280
func LoadDir(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading template directory %q: %w", dir, err)
	}

	set := &Set{templates: make(map[string]Template)}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading template file %q: %w", name, err)
		}
		var doc struct {
			Templates []Template `yaml:"templates"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing template file %q: %w", name, err)
		}
		for _, t := range doc.Templates {
			if err := templateValidator.Struct(t); err != nil {
				return nil, postengineerr.New(postengineerr.KindConfiguration, "prompt",
					fmt.Errorf("template %q in %q: %w", t.Name, name, err))
			}
			set.templates[t.Name] = t
		}
	}
	return set, nil
}

// Get looks up a template by name.
func (s *Set) Get(name string) (Template, bool) {
	t, ok := s.templates[name]
	return t, ok
}

// Rendered is the output of rendering a template: the final text, its
// SHA-256 hash (the cache's exact-match key), and the template's
// effective max length.
type Rendered struct {
	Text      string
	Hash      string
	MaxLength int
}

// Render substitutes every `{{name}}` placeholder in t.Body with vars[name]
// (persona_prompt is injected under the reserved "persona" key), then
// enforces that every declared Required variable was actually supplied and
// that the result does not exceed the effective max length. A missing
// required variable or an undeclared placeholder is a Configuration-kind
// error; a result over the max length is a Validation-kind error. Either is
// terminal for the job (spec §7).
func Render(t Template, personaPrompt string, vars map[string]string, defaultMaxLen int) (Rendered, error) {
	for _, req := range t.Required {
		if req == personaVariable {
			continue
		}
		if _, ok := vars[req]; !ok {
			return Rendered{}, postengineerr.New(postengineerr.KindConfiguration, "prompt",
				fmt.Errorf("template %q missing required variable %q", t.Name, req))
		}
	}

	merged := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		merged[k] = v
	}
	merged[personaVariable] = personaPrompt

	var missing []string
	text := placeholderPattern.ReplaceAllStringFunc(t.Body, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := merged[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return Rendered{}, postengineerr.New(postengineerr.KindConfiguration, "prompt",
			fmt.Errorf("template %q references undeclared variable(s): %s", t.Name, strings.Join(missing, ", ")))
	}

	maxLen := t.MaxLength
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	if len(text) > maxLen {
		return Rendered{}, postengineerr.New(postengineerr.KindValidation, "prompt",
			fmt.Errorf("rendered prompt length %d exceeds max %d", len(text), maxLen))
	}

	return Rendered{Text: text, Hash: hash(text), MaxLength: maxLen}, nil
}

// hash computes the normalized prompt hash: SHA-256 over the trimmed,
// whitespace-collapsed text, so cosmetically different renders that are
// semantically identical still hit the exact-match cache path.
func hash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
