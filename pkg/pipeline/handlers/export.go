package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/remote"
)

// FileExport appends records as JSON lines to the step's path attribute.
// A record that fails to marshal is a record-level failure; the file is
// opened once per batch and flushed before the result is returned.
type FileExport struct {
	Logger *slog.Logger
}

func (h *FileExport) Execute(ctx context.Context, _ *pipeline.ExecutionContext,
	step *pipeline.Step, records []pipeline.Record, sink pipeline.RecordErrorSink,
	_ *remote.ErrorHandlingConfig) (pipeline.ExecutionResult, error) {

	path := step.Attrs["path"]
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return pipeline.ExecutionResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	w := bufio.NewWriter(f)

	var res pipeline.ExecutionResult
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			res.Fail++
			if sink != nil {
				_ = sink(ctx, step.ID, fmt.Sprintf("marshal record: %v", err), rec)
			}
			continue
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return res, fmt.Errorf("write %s: %w", path, err)
		}
		res.OK++
	}
	if err := w.Flush(); err != nil {
		return res, fmt.Errorf("flush %s: %w", path, err)
	}

	h.logger().Info("exported records", "step", step.ID, "path", path,
		"ok", res.OK, "failed", res.Fail)
	return res, nil
}

// Simulate reports what Execute would write without touching the file.
func (h *FileExport) Simulate(_ context.Context, _ *pipeline.ExecutionContext,
	step *pipeline.Step, records []pipeline.Record) (map[string]any, error) {

	writable := 0
	for _, rec := range records {
		if _, err := json.Marshal(rec); err == nil {
			writable++
		}
	}
	return map[string]any{
		"path":        step.Attrs["path"],
		"would_write": writable,
		"would_fail":  len(records) - writable,
	}, nil
}

func (h *FileExport) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
