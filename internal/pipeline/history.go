package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"odsflow/internal/common"
)

// History keeps run results as JSON files, one per run, so the CLI can
// report what previous runs did.
type History struct {
	dir        string
	maxHistory int
	retention  time.Duration
	mu         sync.RWMutex
	runs       map[string]*Result
}

// NewHistory opens or creates a history directory. maxHistory bounds the
// runs kept per pipeline; retention drops older runs entirely. Zero values
// disable either limit.
func NewHistory(dir string, maxHistory int, retention time.Duration) (*History, error) {
	if err := os.MkdirAll(dir, common.DirPermissionSecure); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	h := &History{
		dir:        dir,
		maxHistory: maxHistory,
		retention:  retention,
		runs:       make(map[string]*Result),
	}
	if err := h.load(); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return h, nil
}

// Record stores a finished run and prunes old entries.
func (h *History) Record(res *Result) error {
	if res == nil || res.RunID == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(h.path(res.RunID), data, common.FilePermissionSecure); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	h.runs[res.RunID] = res

	h.prune()
	return nil
}

// List returns the runs of a pipeline, newest first. An empty pipeline
// lists every run.
func (h *History) List(pipeline string, limit int) []*Result {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Result
	for _, res := range h.runs {
		if pipeline == "" || res.Pipeline == pipeline {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LastSuccess returns the newest successful run of a pipeline.
func (h *History) LastSuccess(pipeline string) (*Result, bool) {
	for _, res := range h.List(pipeline, 0) {
		if res.Succeeded() && !res.ValidateOnly {
			return res, true
		}
	}
	return nil, false
}

func (h *History) path(runID string) string {
	return filepath.Join(h.dir, fmt.Sprintf("run-%s.json", runID))
}

func (h *History) load() error {
	files, err := filepath.Glob(filepath.Join(h.dir, "run-*.json"))
	if err != nil {
		return err
	}

	for _, file := range files {
		data, err := os.ReadFile(file) // #nosec G304 - path comes from a glob of the history dir
		if err != nil {
			continue
		}
		var res Result
		if err := json.Unmarshal(data, &res); err != nil || res.RunID == "" {
			continue
		}
		h.runs[res.RunID] = &res
	}
	return nil
}

func (h *History) remove(runID string) {
	delete(h.runs, runID)
	os.Remove(h.path(runID))
}

func (h *History) prune() {
	if h.retention > 0 {
		cutoff := time.Now().Add(-h.retention)
		for id, res := range h.runs {
			if res.StartedAt.Before(cutoff) {
				h.remove(id)
			}
		}
	}

	if h.maxHistory <= 0 {
		return
	}
	byPipeline := make(map[string][]*Result)
	for _, res := range h.runs {
		byPipeline[res.Pipeline] = append(byPipeline[res.Pipeline], res)
	}
	for _, runs := range byPipeline {
		if len(runs) <= h.maxHistory {
			continue
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		})
		for _, res := range runs[:len(runs)-h.maxHistory] {
			h.remove(res.RunID)
		}
	}
}
