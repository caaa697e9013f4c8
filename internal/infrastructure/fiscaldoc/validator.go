package fiscaldoc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Report is the outcome of validating markup against a schema. Validation is
// a reporting operation: malformed input produces an invalid report, never
// an error or a panic.
type Report struct {
	IsValid bool     `json:"is_valid" yaml:"is_valid"`
	Errors  []string `json:"errors" yaml:"errors"`
}

type node struct {
	name     xml.Name
	text     strings.Builder
	children []*node
}

// Validate checks markup against schema. A nil schema uses DefaultSchema.
func Validate(markup string, schema *Schema) (report Report) {
	defer func() {
		if r := recover(); r != nil {
			report = Report{Errors: []string{fmt.Sprintf("validator failure: %v", r)}}
		}
	}()

	if schema == nil {
		schema = DefaultSchema()
	}
	if strings.TrimSpace(markup) == "" {
		return Report{Errors: []string{"document is empty"}}
	}
	root, err := buildTree(markup)
	if err != nil {
		return Report{Errors: []string{err.Error()}}
	}

	v := &validation{}
	if schema.Namespace != "" && root.name.Space != schema.Namespace {
		v.errorf("/%s: namespace %q, want %q", root.name.Local, root.name.Space, schema.Namespace)
	}
	if root.name.Local != schema.Root.Name {
		v.errorf("/: root element %s, want %s", root.name.Local, schema.Root.Name)
	} else {
		v.checkElement("/", schema.Root, root)
	}
	return Report{IsValid: len(v.errs) == 0, Errors: v.errs}
}

func buildTree(markup string) (*node, error) {
	dec := xml.NewDecoder(strings.NewReader(markup))
	var (
		root  *node
		stack []*node
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed markup: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("malformed markup: more than one root element (%s)", t.Name.Local)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				if strings.TrimSpace(string(t)) != "" {
					return nil, errors.New("malformed markup: text outside the root element")
				}
				continue
			}
			stack[len(stack)-1].text.Write(t)
		}
	}
	if root == nil {
		return nil, errors.New("malformed markup: no root element")
	}
	return root, nil
}

type validation struct {
	errs []string
}

func (v *validation) errorf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validation) checkElement(parentPath string, def *Element, n *node) {
	path := parentPath + n.name.Local
	text := n.text.String()

	if len(def.Children) == 0 {
		if len(n.children) > 0 {
			v.errorf("%s: unexpected child element %s", path, n.children[0].name.Local)
			return
		}
		if err := def.checkText(text); err != nil {
			v.errorf("%s: %v", path, err)
		}
		return
	}

	if strings.TrimSpace(text) != "" {
		v.errorf("%s: unexpected text content", path)
	}
	v.matchSequence(path+"/", def.Children, n.children)
}

// matchSequence greedily matches children against the ordered particles
func (v *validation) matchSequence(path string, particles []*Element, nodes []*node) {
	i := 0
	for _, p := range particles {
		count := 0
		for i < len(nodes) {
			def := p.resolve(nodes[i].name.Local)
			if def == nil {
				break
			}
			v.checkElement(path, def, nodes[i])
			i++
			count++
			if !p.Repeated {
				break
			}
		}
		if count == 0 && !p.Optional {
			v.errorf("%s: missing required element %s", strings.TrimSuffix(path, "/"), p.label())
		}
	}
	for ; i < len(nodes); i++ {
		v.errorf("%s%s: unexpected element", path, nodes[i].name.Local)
	}
}
