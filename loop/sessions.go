package loop

import (
	"errors"
	"fmt"

	"loom.dev/session"
)

// ListSessions searches the repository's task index and returns the
// matching records plus aggregate stats.
func (e *Engine) ListSessions(repoRoot, query string, favoritesOnly bool, sortBy session.SortBy, limit int) ([]session.TaskRecord, session.Stats, error) {
	rs, err := e.repo(repoRoot)
	if err != nil {
		return nil, session.Stats{}, err
	}
	return rs.index.Search(query, favoritesOnly, sortBy, limit), rs.index.Stats(), nil
}

// LoadSession returns a task's index record and full message history.
func (e *Engine) LoadSession(repoRoot, taskID string) (session.TaskRecord, []session.Message, error) {
	rs, err := e.repo(repoRoot)
	if err != nil {
		return session.TaskRecord{}, nil, err
	}
	rec, ok := rs.index.Get(taskID)
	if !ok {
		return session.TaskRecord{}, nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	messages, err := rs.store.Load(taskID)
	if err != nil {
		return session.TaskRecord{}, nil, err
	}
	return rec, messages, nil
}

// ToggleFavorite flips a task's favorite flag and persists the index.
func (e *Engine) ToggleFavorite(repoRoot, taskID string) (bool, error) {
	rs, err := e.repo(repoRoot)
	if err != nil {
		return false, err
	}
	if _, ok := rs.index.Get(taskID); !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	favorited, err := rs.index.ToggleFavorite(taskID)
	if err != nil {
		return false, err
	}
	if err := rs.index.Save(); err != nil {
		return favorited, err
	}
	return favorited, nil
}

// DeleteSession removes a task's directory and its index row. The two
// are issued as a pair; a partial failure is reported so the caller
// can retry.
func (e *Engine) DeleteSession(repoRoot, taskID string) error {
	rs, err := e.repo(repoRoot)
	if err != nil {
		return err
	}
	if _, ok := rs.index.Get(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err := e.acquire(rs.root, taskID); err != nil {
		return err
	}
	defer e.release(rs.root, taskID)

	storeErr := rs.store.Delete(taskID)
	rs.index.Delete(taskID)
	indexErr := rs.index.Save()

	if storeErr != nil || indexErr != nil {
		return fmt.Errorf("IOError: delete incomplete: %w", errors.Join(storeErr, indexErr))
	}
	return nil
}
