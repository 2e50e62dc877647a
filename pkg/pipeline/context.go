package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/conveyorhq/conveyor/pkg/remote"
)

// ExecutionContext is the thread-safe shared state of one run: inter-step
// values, per-step checkpoint data, and run-level error handling overrides.
// It is created once per run invocation, mutated throughout step execution,
// and persisted by the runner when Dirty reports true.
type ExecutionContext struct {
	mu          sync.RWMutex
	data        map[string]any
	checkpoints map[string]map[string]any
	outputs     map[string][]Record
	dirty       bool

	// ErrorHandling carries run-level retry overrides; nil means defaults.
	ErrorHandling *remote.ErrorHandlingConfig
}

// NewExecutionContext creates an empty ExecutionContext.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		data:        make(map[string]any),
		checkpoints: make(map[string]map[string]any),
		outputs:     make(map[string][]Record),
	}
}

// Set stores a value under key.
func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get retrieves a value by key.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetString retrieves a string value, returning "" if not found or not a string.
func (c *ExecutionContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Snapshot returns a shallow copy of all key-value pairs.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// CheckpointValue returns one field of a step's checkpoint, or def when the
// step has no checkpoint or the field is absent.
func (c *ExecutionContext) CheckpointValue(stepKey, field string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.checkpoints[stepKey]
	if !ok {
		return def
	}
	v, ok := cp[field]
	if !ok {
		return def
	}
	return v
}

// UpdateCheckpoint merges patch into the step's checkpoint data and marks
// the context dirty. Checkpoint updates are read-modify-write; callers must
// apply them strictly after the records they account for have been staged.
func (c *ExecutionContext) UpdateCheckpoint(stepKey string, patch map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.checkpoints[stepKey]
	if !ok {
		cp = make(map[string]any, len(patch))
		c.checkpoints[stepKey] = cp
	}
	for k, v := range patch {
		cp[k] = v
	}
	c.dirty = true
}

// Checkpoints returns a deep-enough copy of all checkpoint data for
// persistence.
func (c *ExecutionContext) Checkpoints() map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]any, len(c.checkpoints))
	for step, cp := range c.checkpoints {
		inner := make(map[string]any, len(cp))
		for k, v := range cp {
			inner[k] = v
		}
		out[step] = inner
	}
	return out
}

// RestoreCheckpoints replaces all checkpoint data (used on resume) without
// marking the context dirty.
func (c *ExecutionContext) RestoreCheckpoints(data map[string]map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = make(map[string]map[string]any, len(data))
	for step, cp := range data {
		inner := make(map[string]any, len(cp))
		for k, v := range cp {
			inner[k] = v
		}
		c.checkpoints[step] = inner
	}
}

// ResetCheckpoints clears all checkpoint data. The runner calls this at run
// start when checkpointing is disabled for the pipeline.
func (c *ExecutionContext) ResetCheckpoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = make(map[string]map[string]any)
	c.dirty = false
}

// Dirty reports whether checkpoint data changed since the last ClearDirty.
func (c *ExecutionContext) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// ClearDirty resets the dirty flag after the runner has persisted.
func (c *ExecutionContext) ClearDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

// SetOutput stages a step's output records for the next step.
func (c *ExecutionContext) SetOutput(stepID string, records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stepID] = records
}

// AppendOutput appends records to a step's staged output.
func (c *ExecutionContext) AppendOutput(stepID string, records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stepID] = append(c.outputs[stepID], records...)
}

// Output returns a step's staged output records.
func (c *ExecutionContext) Output(stepID string) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.outputs[stepID]
}

// checkpointFile is the JSON-serialisable form of a saved checkpoint.
type checkpointFile struct {
	LastStepID  string                    `json:"last_step_id"`
	Data        map[string]any            `json:"data"`
	Checkpoints map[string]map[string]any `json:"checkpoints"`
}

// SaveCheckpoint persists the context values, checkpoint data and last
// completed step ID to a JSON file, then clears the dirty flag.
func (c *ExecutionContext) SaveCheckpoint(path, lastStepID string) error {
	c.mu.Lock()
	snap := make(map[string]any, len(c.data))
	for k, v := range c.data {
		snap[k] = v
	}
	cps := make(map[string]map[string]any, len(c.checkpoints))
	for step, cp := range c.checkpoints {
		inner := make(map[string]any, len(cp))
		for k, v := range cp {
			inner[k] = v
		}
		cps[step] = inner
	}
	c.dirty = false
	c.mu.Unlock()

	cf := checkpointFile{LastStepID: lastStepID, Data: snap, Checkpoints: cps}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("checkpoint write: %w", err)
	}
	return nil
}

// LoadCheckpoint restores a context from a JSON checkpoint file.
// Returns the context and the last completed step ID.
func LoadCheckpoint(path string) (*ExecutionContext, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint read: %w", err)
	}
	var cf checkpointFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, "", fmt.Errorf("checkpoint unmarshal: %w", err)
	}
	ec := NewExecutionContext()
	if cf.Data != nil {
		ec.data = cf.Data
	}
	if cf.Checkpoints != nil {
		ec.checkpoints = cf.Checkpoints
	}
	return ec, cf.LastStepID, nil
}
