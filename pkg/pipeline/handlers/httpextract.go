package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/conveyorhq/conveyor/pkg/adapter"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

// HTTPExtract pages a JSON endpoint and resumes from the step's checkpoint.
// Each run fetches the full record set, slices from the stored offset and
// advances the offset by the number of records returned, so an interrupted
// run never re-emits records it already handed downstream.
type HTTPExtract struct {
	Client  *remote.Client
	Secrets adapter.SecretResolver
	Logger  *slog.Logger
}

// Execute fetches records from the step's url. Attributes:
//
//	url          endpoint returning a JSON array (required)
//	records_key  object field holding the array; empty means top-level array
//	headers      extra request headers, "Name: Value" pairs joined by ";"
//	auth_secret  secret code resolved to a bearer token
func (h *HTTPExtract) Execute(ctx context.Context, ec *pipeline.ExecutionContext,
	step *pipeline.Step, _ []pipeline.Record, _ pipeline.RecordErrorSink,
	errCfg *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	if h.Client == nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("http extract: no client configured")
	}

	req := remote.FetchRequest{
		Endpoint: step.Attrs["url"],
		Method:   http.MethodGet,
		Headers:  parseHeaders(step.Attrs["headers"]),
	}
	if err := h.authorize(ctx, step, &req); err != nil {
		return pipeline.ExecutionResult{}, err
	}

	policy := remote.ResolvePolicy(step.Attrs, errCfg, remote.DefaultPolicy())
	res := h.Client.Fetch(ctx, req, policy)
	if !res.OK {
		return pipeline.ExecutionResult{}, fmt.Errorf("fetch %s: %s", req.Endpoint, res.Err)
	}

	all, err := decodeRecords(res.Body, step.Attrs["records_key"])
	if err != nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("decode %s: %w", req.Endpoint, err)
	}

	offset := checkpointInt(ec, step.ID, "offset", 0)
	if offset > len(all) {
		offset = len(all)
	}
	fresh := all[offset:]

	// Stage the records before advancing the offset: resumability depends
	// on the checkpoint never getting ahead of what was handed downstream.
	ec.AppendOutput(step.ID, fresh)
	ec.UpdateCheckpoint(step.ID, map[string]any{"offset": offset + len(fresh)})

	h.logger().Info("extracted records", "step", step.ID, "total", len(all),
		"offset", offset, "fresh", len(fresh))
	return pipeline.ExecutionResult{OK: len(fresh)}, nil
}

func (h *HTTPExtract) authorize(ctx context.Context, step *pipeline.Step, req *remote.FetchRequest) error {
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
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = "Bearer " + token
	return nil
}

func (h *HTTPExtract) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// decodeRecords unmarshals a response body into records. With a key the
// body must be an object whose key field is the array; without one the body
// itself must be the array.
func decodeRecords(body []byte, key string) ([]pipeline.Record, error) {
	if key == "" {
		var records []pipeline.Record
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("expected a JSON array: %w", err)
		}
		return records, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	raw, ok := envelope[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q field", key)
	}
	var records []pipeline.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("field %q is not an array of objects: %w", key, err)
	}
	return records, nil
}

// parseHeaders splits a "Name: Value; Name: Value" attribute into a map.
func parseHeaders(attr string) map[string]string {
	if attr == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(attr, ";") {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

// checkpointInt reads a numeric checkpoint field, tolerating the float64
// that a JSON round trip produces.
func checkpointInt(ec *pipeline.ExecutionContext, stepKey, field string, def int) int {
	switch v := ec.CheckpointValue(stepKey, field, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
