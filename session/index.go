package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// SortBy selects the ordering of Search results.
type SortBy string

const (
	SortNewest SortBy = "newest" // descending last_updated
	SortOldest SortBy = "oldest" // ascending created_at
	SortCost   SortBy = "cost"   // descending total_cost
)

const searchLimitDefault = 100

// TaskRecord is one row of the aggregate task index. The JSON field
// names are part of the on-disk format.
type TaskRecord struct {
	ID             string  `json:"id"`
	Description    string  `json:"task"`
	CreatedAt      float64 `json:"ts"`
	LastUpdated    float64 `json:"last_updated"`
	TokensIn       uint64  `json:"tokens_in"`
	TokensOut      uint64  `json:"tokens_out"`
	TotalCost      float64 `json:"total_cost"`
	SizeBytes      int64   `json:"size"`
	IsFavorited    bool    `json:"is_favorited"`
	Provider       string  `json:"api_provider"`
	Model          string  `json:"api_model"`
	RepositoryPath string  `json:"repository_path"`
}

// Stats are aggregate totals across the index.
type Stats struct {
	TotalCount  int     `json:"total_count"`
	TotalTokens uint64  `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// Index is the in-memory task list backed by task_history.json.
// Concurrent readers share a read lock; writers take an exclusive
// lock. One instance per repository root.
type Index struct {
	path string

	mu      sync.RWMutex
	records []TaskRecord
}

func NewIndex(repoRoot string) *Index {
	return &Index{
		path: filepath.Join(repoRoot, aiDirName, historyDirName, taskHistoryFile),
	}
}

// Load parses the index file. Missing file means an empty index.
func (ix *Index) Load() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	buf, err := os.ReadFile(ix.path)
	if errors.Is(err, fs.ErrNotExist) {
		ix.records = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", ix.path, err)
	}

	var records []TaskRecord
	if err := json.Unmarshal(buf, &records); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, ix.path, err)
	}
	ix.records = records
	return nil
}

// Save atomically replaces the index file.
func (ix *Index) Save() error {
	ix.mu.RLock()
	records := slices.Clone(ix.records)
	ix.mu.RUnlock()
	if records == nil {
		records = []TaskRecord{}
	}

	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	return writeJSONAtomic(ix.path, records)
}

// Get returns a copy of the record for taskID.
func (ix *Index) Get(taskID string) (TaskRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, r := range ix.records {
		if r.ID == taskID {
			return r, true
		}
	}
	return TaskRecord{}, false
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Upsert inserts a record for taskID if absent, stamping created_at,
// or refreshes last_updated and any non-zero seed fields otherwise.
// Returns the resulting record.
func (ix *Index) Upsert(taskID string, seed TaskRecord) TaskRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := nowEpoch()
	for i := range ix.records {
		r := &ix.records[i]
		if r.ID != taskID {
			continue
		}
		r.LastUpdated = now
		if seed.Description != "" {
			r.Description = seed.Description
		}
		if seed.Provider != "" {
			r.Provider = seed.Provider
		}
		if seed.Model != "" {
			r.Model = seed.Model
		}
		if seed.RepositoryPath != "" {
			r.RepositoryPath = seed.RepositoryPath
		}
		if seed.TokensIn != 0 {
			r.TokensIn = seed.TokensIn
		}
		if seed.TokensOut != 0 {
			r.TokensOut = seed.TokensOut
		}
		if seed.TotalCost != 0 {
			r.TotalCost = seed.TotalCost
		}
		if seed.SizeBytes != 0 {
			r.SizeBytes = seed.SizeBytes
		}
		return *r
	}

	rec := seed
	rec.ID = taskID
	rec.CreatedAt = now
	rec.LastUpdated = now
	ix.records = append(ix.records, rec)
	return rec
}

// Search filters by a case-insensitive substring match of query
// against the description, optionally keeps favorites only, sorts
// and caps the result.
func (ix *Index) Search(query string, favoritesOnly bool, sortBy SortBy, limit int) []TaskRecord {
	if limit <= 0 {
		limit = searchLimitDefault
	}
	query = strings.ToLower(query)

	ix.mu.RLock()
	var out []TaskRecord
	for _, r := range ix.records {
		if favoritesOnly && !r.IsFavorited {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(r.Description), query) {
			continue
		}
		out = append(out, r)
	}
	ix.mu.RUnlock()

	switch sortBy {
	case SortOldest:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	case SortCost:
		sort.SliceStable(out, func(i, j int) bool { return out[i].TotalCost > out[j].TotalCost })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].LastUpdated > out[j].LastUpdated })
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ToggleFavorite flips is_favorited and returns the new value.
func (ix *Index) ToggleFavorite(taskID string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.records {
		if ix.records[i].ID == taskID {
			ix.records[i].IsFavorited = !ix.records[i].IsFavorited
			return ix.records[i].IsFavorited, nil
		}
	}
	return false, fmt.Errorf("NotFound: task %s", taskID)
}

// Delete removes the index row. Returns whether it existed.
func (ix *Index) Delete(taskID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i := range ix.records {
		if ix.records[i].ID == taskID {
			ix.records = append(ix.records[:i], ix.records[i+1:]...)
			return true
		}
	}
	return false
}

// Stats sums totals across the current list.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := Stats{TotalCount: len(ix.records)}
	for _, r := range ix.records {
		st.TotalTokens += r.TokensIn + r.TokensOut
		st.TotalCost += r.TotalCost
	}
	return st
}
