package pipeline

// StepType identifies the adapter code a step resolves to. Codes outside
// this list are not a parse error: dispatch falls back to the custom
// adapter registry and only fails when neither resolves.
type StepType string

const (
	StepTypeStart       StepType = "start"
	StepTypeExit        StepType = "exit"
	StepTypeHTTPExtract StepType = "extract.http"
	StepTypeGraphQL     StepType = "extract.graphql"
	StepTypeTransform   StepType = "transform"
	StepTypeFileExport  StepType = "export.file"
)

// Record is one unit of pipeline data.
type Record = map[string]any

// Step represents a single vertex in the pipeline graph.
type Step struct {
	ID    string
	Type  StepType
	Attrs map[string]string // all DOT attributes
}

// Edge is a directed connection between two steps.
type Edge struct {
	From      string
	To        string
	Condition string // empty means unconditional
}

// Pipeline is the parsed representation of a .dot pipeline file.
type Pipeline struct {
	Name  string
	Steps map[string]*Step
	Edges []*Edge
}

// OutgoingEdges returns all edges leaving stepID, in definition order.
func (p *Pipeline) OutgoingEdges(stepID string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.From == stepID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns all edges arriving at stepID.
func (p *Pipeline) IncomingEdges(stepID string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.To == stepID {
			out = append(out, e)
		}
	}
	return out
}
