package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/pkg/pipeline"
)

func graphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pipeline.dot>",
		Short: "Print a human-readable summary of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}
			p, err := pipeline.ParseDOT(string(src))
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}

			switch strings.ToLower(format) {
			case "dot":
				fmt.Print(renderDOT(p))
			case "text", "":
				fmt.Print(renderText(p))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// topoOrder returns step IDs in BFS order from the start step; unreachable
// steps are appended in sorted order at the end.
func topoOrder(p *pipeline.Pipeline) []string {
	var startID string
	for id, s := range p.Steps {
		if s.Type == pipeline.StepTypeStart {
			startID = id
			break
		}
	}

	visited := map[string]bool{}
	var order []string

	if startID != "" {
		queue := []string{startID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			order = append(order, cur)
			for _, e := range p.OutgoingEdges(cur) {
				if !visited[e.To] {
					queue = append(queue, e.To)
				}
			}
		}
	}

	var rest []string
	for id := range p.Steps {
		if !visited[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// truncate shortens s to maxLen chars, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// coreStepTypes are the adapter codes served by the built-in handler set.
// Any other code resolves through the custom adapter registry at run time.
var coreStepTypes = map[pipeline.StepType]bool{
	pipeline.StepTypeStart:       true,
	pipeline.StepTypeExit:        true,
	pipeline.StepTypeHTTPExtract: true,
	pipeline.StepTypeGraphQL:     true,
	pipeline.StepTypeTransform:   true,
	pipeline.StepTypeFileExport:  true,
}

// renderText produces a flow summary: each step in walk order with its
// adapter code, attributes, and outgoing edges, then any lint problems.
func renderText(p *pipeline.Pipeline) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Pipeline %s: %d steps, %d edges\n", p.Name, len(p.Steps), len(p.Edges))

	for _, id := range topoOrder(p) {
		s := p.Steps[id]
		label := string(s.Type)
		if !coreStepTypes[s.Type] {
			if kind := s.Attrs["kind"]; kind != "" {
				label += " (custom adapter, kind=" + kind + ")"
			} else {
				label += " (custom adapter)"
			}
		}
		fmt.Fprintf(&sb, "\n%s  [%s]\n", id, label)

		keys := make([]string, 0, len(s.Attrs))
		for k := range s.Attrs {
			if k != "type" && k != "kind" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "    %s = %s\n", k, truncate(s.Attrs[k], 60))
		}
		for _, e := range p.OutgoingEdges(id) {
			if e.Condition != "" {
				fmt.Fprintf(&sb, "    -> %s  when %s\n", e.To, e.Condition)
			} else {
				fmt.Fprintf(&sb, "    -> %s\n", e.To)
			}
		}
	}

	if errs := pipeline.Validate(p); len(errs) > 0 {
		fmt.Fprintf(&sb, "\nProblems:\n")
		for _, le := range errs {
			fmt.Fprintf(&sb, "  %s\n", le.Error())
		}
	}
	return sb.String()
}

// dotQuote returns the value as a DOT-safe string, quoting if necessary.
func dotQuote(s string) string {
	needsQuote := s == "" ||
		strings.ContainsAny(s, " \t\n\\\"{}[]<>=;,")
	if needsQuote {
		escaped := strings.ReplaceAll(s, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		return `"` + escaped + `"`
	}
	return s
}

// renderDOT produces a canonical DOT digraph string.
func renderDOT(p *pipeline.Pipeline) string {
	var sb strings.Builder

	name := p.Name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(&sb, "digraph %s {\n", dotQuote(name))

	order := topoOrder(p)
	for _, id := range order {
		s := p.Steps[id]
		// Build attr list: type first, then sorted rest.
		var parts []string
		parts = append(parts, "type="+dotQuote(string(s.Type)))

		keys := make([]string, 0, len(s.Attrs))
		for k := range s.Attrs {
			if k != "type" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+dotQuote(s.Attrs[k]))
		}
		fmt.Fprintf(&sb, "    %s [%s]\n", dotQuote(id), strings.Join(parts, " "))
	}

	for _, e := range p.Edges {
		if e.Condition != "" {
			fmt.Fprintf(&sb, "    %s -> %s [label=%s]\n",
				dotQuote(e.From), dotQuote(e.To), dotQuote(e.Condition))
		} else {
			fmt.Fprintf(&sb, "    %s -> %s\n", dotQuote(e.From), dotQuote(e.To))
		}
	}

	fmt.Fprintf(&sb, "}\n")
	return sb.String()
}
