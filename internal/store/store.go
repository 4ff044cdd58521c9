// Package store defines the durable object store that acts as the sole
// source of truth for agent state. Workers write to it directly; the
// orchestrator reads from it. There is no central server.
//
// Key layout, identical across backends:
//
//	agents/{agent_id}/status               one-line status token
//	agents/{agent_id}/feature_list.json    decomposed task list
//	agents/{agent_id}/claude-progress.txt  append-only progress notes
//	agents/{agent_id}/logs/agent.log       worker stdout/stderr tail
//
// Entries are append/overwrite-only: a later write wins, and absence means
// "not started", never "deleted".
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Store is the minimal object-store surface the system depends on.
type Store interface {
	// EnsureBucket makes sure the backing bucket (or directory) exists.
	EnsureBucket(ctx context.Context) error

	// Put writes an object, replacing any previous value atomically.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads an object. The boolean is false when the object does not
	// exist, which is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// List returns all object keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Well-known keys for one agent.

func StatusKey(agentID string) string   { return "agents/" + agentID + "/status" }
func TaskListKey(agentID string) string { return "agents/" + agentID + "/feature_list.json" }
func ProgressKey(agentID string) string { return "agents/" + agentID + "/claude-progress.txt" }
func AgentLogKey(agentID string) string { return "agents/" + agentID + "/logs/agent.log" }

// AgentState summarizes what an agent has reported to the store.
type AgentState struct {
	AgentID           string
	Status            string
	FeatureCount      int
	FeaturesCompleted int
	FeaturesPending   int
	HasProgress       bool
}

// Progress renders the "N/M features completed" summary, or "" when the
// agent has not decomposed its task yet.
func (s AgentState) Progress() string {
	if s.FeatureCount == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d features completed", s.FeaturesCompleted, s.FeatureCount)
}

// featureDoc mirrors feature_list.json just enough to count entries; full
// parsing and validation lives in the harness package.
type featureDoc struct {
	Features []struct {
		Status string `json:"status"`
	} `json:"features"`
}

// ReadAgentState collects the status token and feature counts for one
// agent. Missing objects leave their fields zero; transient read errors are
// returned so callers can surface them without inventing state.
func ReadAgentState(ctx context.Context, s Store, agentID string) (AgentState, error) {
	state := AgentState{AgentID: agentID}

	raw, ok, err := s.Get(ctx, StatusKey(agentID))
	if err != nil {
		return state, fmt.Errorf("read status: %w", err)
	}
	if ok {
		state.Status = strings.TrimSpace(string(raw))
	}

	raw, ok, err = s.Get(ctx, TaskListKey(agentID))
	if err != nil {
		return state, fmt.Errorf("read feature list: %w", err)
	}
	if ok {
		var doc featureDoc
		// A malformed document counts as no decomposition yet.
		if json.Unmarshal(raw, &doc) == nil {
			state.FeatureCount = len(doc.Features)
			for _, f := range doc.Features {
				if f.Status == "completed" {
					state.FeaturesCompleted++
				} else {
					state.FeaturesPending++
				}
			}
		}
	}

	_, ok, err = s.Get(ctx, ProgressKey(agentID))
	if err != nil {
		return state, fmt.Errorf("read progress: %w", err)
	}
	state.HasProgress = ok

	return state, nil
}

// ListAgentIDs extracts the distinct agent ids present under agents/.
func ListAgentIDs(ctx context.Context, s Store) ([]string, error) {
	keys, err := s.List(ctx, "agents/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, k := range keys {
		rest := strings.TrimPrefix(k, "agents/")
		id, _, found := strings.Cut(rest, "/")
		if found && id != "" {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
