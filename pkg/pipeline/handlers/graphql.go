package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/conveyorhq/conveyor/pkg/adapter"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

// GraphQLExtract POSTs a query and extracts records from the response's
// data object. GraphQL reports failures inside a 200 body, so the handler
// wires a response inspector that rejects any non-empty top-level errors
// array; the rejection counts against the endpoint's circuit breaker like
// a 5xx would.
type GraphQLExtract struct {
	Client  *remote.Client
	Secrets adapter.SecretResolver
	Logger  *slog.Logger
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Execute runs the step's query attribute against its url. records_key
// names the field of the data object holding the record array; when empty,
// a data object with exactly one array-valued field works too. Offset
// checkpointing matches the HTTP extractor.
func (h *GraphQLExtract) Execute(ctx context.Context, ec *pipeline.ExecutionContext,
	step *pipeline.Step, _ []pipeline.Record, _ pipeline.RecordErrorSink,
	errCfg *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	if h.Client == nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("graphql extract: no client configured")
	}

	body, err := json.Marshal(graphqlRequest{Query: step.Attrs["query"]})
	if err != nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("marshal query: %w", err)
	}

	headers := parseHeaders(step.Attrs["headers"])
	if headers == nil {
		headers = make(map[string]string)
	}
	headers["Content-Type"] = "application/json"

	req := remote.FetchRequest{
		Endpoint: step.Attrs["url"],
		Method:   http.MethodPost,
		Headers:  headers,
		Body:     body,
		Inspect:  inspectGraphQL,
	}
	if err := h.authorize(ctx, step, &req); err != nil {
		return pipeline.ExecutionResult{}, err
	}

	policy := remote.ResolvePolicy(step.Attrs, errCfg, remote.DefaultPolicy())
	res := h.Client.Fetch(ctx, req, policy)
	if !res.OK {
		return pipeline.ExecutionResult{}, fmt.Errorf("query %s: %s", req.Endpoint, res.Err)
	}

	all, err := decodeGraphQLRecords(res.Body, step.Attrs["records_key"])
	if err != nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("decode %s: %w", req.Endpoint, err)
	}

	offset := checkpointInt(ec, step.ID, "offset", 0)
	if offset > len(all) {
		offset = len(all)
	}
	fresh := all[offset:]

	ec.AppendOutput(step.ID, fresh)
	ec.UpdateCheckpoint(step.ID, map[string]any{"offset": offset + len(fresh)})

	h.logger().Info("extracted records", "step", step.ID, "total", len(all),
		"offset", offset, "fresh", len(fresh))
	return pipeline.ExecutionResult{OK: len(fresh)}, nil
}

func (h *GraphQLExtract) authorize(ctx context.Context, step *pipeline.Step, req *remote.FetchRequest) error {
	code := step.Attrs["auth_secret"]
	if code == "" {
		return nil
	}
	if h.Secrets == nil {
		return fmt.Errorf("step %q needs secret %q but no resolver is configured", step.ID, code)
	}
	token, err := h.Secrets.GetRequired(ctx, code)
	if err != nil {
		return fmt.Errorf("step %q: %w", step.ID, err)
	}
	req.Headers["Authorization"] = "Bearer " + token
	return nil
}

func (h *GraphQLExtract) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// inspectGraphQL fails a transport-level success whose body carries
// GraphQL errors.
func inspectGraphQL(_ int, body []byte) error {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	return nil
}

func decodeGraphQLRecords(body []byte, key string) ([]pipeline.Record, error) {
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Data == nil {
		return nil, fmt.Errorf("response has no data object")
	}

	raw, ok := envelope.Data[key]
	if !ok {
		if key != "" {
			return nil, fmt.Errorf("data has no %q field", key)
		}
		if len(envelope.Data) != 1 {
			return nil, fmt.Errorf("data has %d fields; set records_key to pick one", len(envelope.Data))
		}
		for _, v := range envelope.Data {
			raw = v
		}
	}

	var records []pipeline.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("field is not an array of objects: %w", err)
	}
	return records, nil
}
