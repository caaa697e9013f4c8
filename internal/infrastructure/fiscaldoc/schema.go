package fiscaldoc

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schema/fiscal_document.yaml
var defaultSchemaYAML []byte

// Element describes one element of a document, or a choice between several
// elements when Choice is set.
type Element struct {
	Name     string     `yaml:"name"`
	Optional bool       `yaml:"optional"`
	Repeated bool       `yaml:"repeated"`
	Pattern  string     `yaml:"pattern"`
	Enum     []string   `yaml:"enum"`
	Children []*Element `yaml:"children"`
	Choice   []*Element `yaml:"choice"`

	re *regexp.Regexp
}

// Schema is an element tree that markup is validated against
type Schema struct {
	Namespace string   `yaml:"namespace"`
	Root      *Element `yaml:"root"`
}

var (
	defaultSchemaOnce sync.Once
	defaultSchema     *Schema
)

// DefaultSchema returns the embedded schema for the current document version
func DefaultSchema() *Schema {
	defaultSchemaOnce.Do(func() {
		s, err := ParseSchema(defaultSchemaYAML)
		if err != nil {
			panic(fmt.Sprintf("fiscaldoc: embedded schema: %v", err))
		}
		defaultSchema = s
	})
	return defaultSchema
}

// LoadSchema reads a YAML schema description
func LoadSchema(r io.Reader) (*Schema, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fiscaldoc: read schema: %w", err)
	}
	return ParseSchema(data)
}

// LoadSchemaFile reads a YAML schema description from path
func LoadSchemaFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fiscaldoc: open schema: %w", err)
	}
	defer f.Close()
	return LoadSchema(f)
}

// ParseSchema parses and compiles a YAML schema description
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("fiscaldoc: parse schema: %w", err)
	}
	if s.Root == nil {
		return nil, errors.New("fiscaldoc: schema has no root element")
	}
	if len(s.Root.Choice) > 0 {
		return nil, errors.New("fiscaldoc: schema root cannot be a choice")
	}
	if err := s.Root.compile("/"); err != nil {
		return nil, err
	}
	return &s, nil
}

func (e *Element) compile(path string) error {
	if len(e.Choice) > 0 {
		if e.Name != "" || len(e.Children) > 0 || e.Pattern != "" || len(e.Enum) > 0 {
			return fmt.Errorf("fiscaldoc: schema %s: a choice carries only its alternatives", path)
		}
		for _, alt := range e.Choice {
			if len(alt.Choice) > 0 {
				return fmt.Errorf("fiscaldoc: schema %s: nested choice", path)
			}
			if err := alt.compile(path); err != nil {
				return err
			}
		}
		return nil
	}

	if e.Name == "" {
		return fmt.Errorf("fiscaldoc: schema %s: element without name", path)
	}
	here := path + e.Name
	if len(e.Children) > 0 && (e.Pattern != "" || len(e.Enum) > 0) {
		return fmt.Errorf("fiscaldoc: schema %s: element with children cannot constrain text", here)
	}
	if e.Pattern != "" {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("fiscaldoc: schema %s: %w", here, err)
		}
		e.re = re
	}
	for _, child := range e.Children {
		if err := child.compile(here + "/"); err != nil {
			return err
		}
	}
	return nil
}

// label names the element, or its alternatives, for error messages
func (e *Element) label() string {
	if len(e.Choice) == 0 {
		return e.Name
	}
	names := make([]string, len(e.Choice))
	for i, alt := range e.Choice {
		names[i] = alt.Name
	}
	return strings.Join(names, "|")
}

// resolve returns the element definition matching name, or nil
func (e *Element) resolve(name string) *Element {
	if len(e.Choice) == 0 {
		if e.Name == name {
			return e
		}
		return nil
	}
	for _, alt := range e.Choice {
		if alt.Name == name {
			return alt
		}
	}
	return nil
}

func (e *Element) checkText(text string) error {
	if len(e.Enum) > 0 {
		for _, v := range e.Enum {
			if v == text {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %s", text, strings.Join(e.Enum, ", "))
	}
	if e.re != nil && !e.re.MatchString(text) {
		return fmt.Errorf("value %q does not match %s", text, e.Pattern)
	}
	return nil
}
