// Package harness implements the continuous execution loop that runs inside
// a worker unit: task decomposition, ordered feature implementation,
// progress tracking, and state sync to the object store.
//
// The loop has no central coordinator. Everything it knows survives in the
// working directory and the store, so a replacement worker resumes mid-task
// from whatever the last sync flushed.
package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// TaskListFile is the on-disk name of the decomposed task list.
	TaskListFile = "feature_list.json"
	// ProgressFile holds append-only free-text progress notes.
	ProgressFile = "claude-progress.txt"
	// AppSpecFile holds the task specification the agent was launched with.
	AppSpecFile = "app_spec.txt"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Feature is one decomposed work item.
type Feature struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// TaskList is the ordered work items an agent tracks. It is owned and
// mutated exclusively by the in-worker loop; everyone else reads the store
// copy.
type TaskList struct {
	Features []Feature `json:"features"`
}

// taskListSchema pins the shape the decomposition session must produce.
// The session output is parsed as data, never trusted as free-form text.
const taskListSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["features"],
  "properties": {
    "features": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "description", "status"],
        "properties": {
          "id": {"type": "integer"},
          "description": {"type": "string", "minLength": 1},
          "status": {"enum": ["pending", "completed"]}
        }
      }
    }
  }
}`

var compiledTaskListSchema = jsonschema.MustCompileString("feature_list.json", taskListSchema)

// ParseTaskList validates and decodes a feature_list.json document.
func ParseTaskList(data []byte) (*TaskList, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("task list is not valid JSON: %w", err)
	}
	if err := compiledTaskListSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("task list rejected by schema: %w", err)
	}
	var list TaskList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return &list, nil
}

// LoadTaskList reads the task list from projectDir. A missing or invalid
// file yields (nil, false): the loop treats both as "not decomposed yet"
// rather than failing, matching the resume-from-anything contract.
func LoadTaskList(projectDir string) (*TaskList, bool) {
	data, err := os.ReadFile(filepath.Join(projectDir, TaskListFile))
	if err != nil {
		return nil, false
	}
	list, err := ParseTaskList(data)
	if err != nil {
		return nil, false
	}
	return list, true
}

// Initialized reports whether decomposition has produced at least one
// entry. An empty features array still counts as uninitialized, so a
// half-booted worker that wrote the empty skeleton re-runs decomposition.
func (t *TaskList) Initialized() bool {
	return t != nil && len(t.Features) > 0
}

// Pending returns the pending entries in list order.
func (t *TaskList) Pending() []Feature {
	if t == nil {
		return nil
	}
	var out []Feature
	for _, f := range t.Features {
		if f.Status != StatusCompleted {
			out = append(out, f)
		}
	}
	return out
}

// CompletedCount returns how many entries are completed.
func (t *TaskList) CompletedCount() int {
	n := 0
	for _, f := range t.Features {
		if f.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// AllCompleted reports whether every entry is completed. An empty list is
// never complete: no decomposition has happened yet.
func (t *TaskList) AllCompleted() bool {
	if !t.Initialized() {
		return false
	}
	for _, f := range t.Features {
		if f.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Summary renders "N/M features completed".
func (t *TaskList) Summary() string {
	if t == nil {
		return "0/0 features completed"
	}
	return fmt.Sprintf("%d/%d features completed", t.CompletedCount(), len(t.Features))
}

// LoadProgress returns the progress notes from projectDir, or a default
// marker when no notes exist yet.
func LoadProgress(projectDir string) string {
	data, err := os.ReadFile(filepath.Join(projectDir, ProgressFile))
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return "No previous progress."
	}
	return string(data)
}
