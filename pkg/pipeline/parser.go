package pipeline

import (
	"fmt"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// ParseDOT parses a Graphviz DOT string into a Pipeline. The "type" node
// attribute names the step's adapter code; untyped nodes default to
// transform.
func ParseDOT(src string) (*Pipeline, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}

	// Use a custom permissive graph collector that accepts any attribute
	// name without the strict validation that gographviz.Graph performs.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}

	p := &Pipeline{
		Name:  collector.name,
		Steps: make(map[string]*Step),
	}

	for id, attrs := range collector.nodes {
		stepType := StepType(attrs["type"])
		if stepType == "" {
			stepType = StepTypeTransform
		}
		// Copy attrs so the pipeline owns the map.
		attrsCopy := make(map[string]string, len(attrs))
		for k, v := range attrs {
			attrsCopy[k] = v
		}
		p.Steps[id] = &Step{
			ID:    id,
			Type:  stepType,
			Attrs: attrsCopy,
		}
	}

	// Edges in definition order; the label carries the condition.
	for _, e := range collector.edges {
		p.Edges = append(p.Edges, &Edge{
			From:      e.from,
			To:        e.to,
			Condition: e.condition,
		})
	}

	return p, nil
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, to  string
	condition string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name       string
	nodes      map[string]map[string]string // id → attrs
	edges      []rawEdge
	graphAttrs map[string]string
	// defaultNodeAttrs holds attrs set at the graph level (node [...]).
	defaultNodeAttrs map[string]string
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:            make(map[string]map[string]string),
		graphAttrs:       make(map[string]string),
		defaultNodeAttrs: make(map[string]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	id := unquote(name)
	if _, ok := c.nodes[id]; !ok {
		// Copy default attrs first
		c.nodes[id] = make(map[string]string, len(c.defaultNodeAttrs))
		for k, v := range c.defaultNodeAttrs {
			c.nodes[id][k] = v
		}
	}
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, attrs map[string]string) error {
	cond := ""
	if lbl, ok := attrs["label"]; ok {
		cond = unquote(lbl)
	}
	c.edges = append(c.edges, rawEdge{from: unquote(src), to: unquote(dst), condition: cond})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(_ string, field, value string) error {
	c.graphAttrs[field] = unquote(value)
	return nil
}

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// unquote strips surrounding double-quotes from a DOT attribute value.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
