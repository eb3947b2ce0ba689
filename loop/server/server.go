// Package server exposes the task engine over HTTP, streaming engine
// events as Server-Sent Events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"loom.dev/llm"
	"loom.dev/loop"
	"loom.dev/session"
	"loom.dev/skribe"
)

// Server routes the front-end API.
type Server struct {
	engine *loop.Engine
	mux    *http.ServeMux
}

func New(engine *loop.Engine) *Server {
	s := &Server{
		engine: engine,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /chat/smart-chat-v2", s.handleChat)
	s.mux.HandleFunc("GET /sessions/list", s.handleSessionsList)
	s.mux.HandleFunc("GET /sessions/load/{task_id}", s.handleSessionLoad)
	s.mux.HandleFunc("POST /sessions/toggle-favorite/{task_id}", s.handleToggleFavorite)
	s.mux.HandleFunc("POST /sessions/delete/{task_id}", s.handleSessionDelete)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := skribe.ContextWithAttr(r.Context(),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	start := time.Now()
	s.mux.ServeHTTP(w, r.WithContext(ctx))
	slog.DebugContext(ctx, "request served", slog.Duration("elapsed", time.Since(start)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, loop.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, loop.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, session.ErrCorrupt):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

type chatRequest struct {
	Message        string          `json:"message"`
	RepositoryPath string          `json:"repository_path"`
	TaskID         string          `json:"task_id,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if req.RepositoryPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "repository_path is required"})
		return
	}

	// Absent max_iterations means the default; an explicit 0 in the
	// config means unbounded.
	cfg := llm.Config{MaxIterations: loop.DefaultMaxIterations}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid config: " + err.Error()})
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	events, err := s.engine.Run(r.Context(), loop.RunRequest{
		Message:  req.Message,
		RepoRoot: req.RepositoryPath,
		TaskID:   req.TaskID,
		Config:   cfg,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		buf, err := json.Marshal(ev)
		if err != nil {
			slog.ErrorContext(r.Context(), "marshal event", slog.String("error", err.Error()))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", buf)
		flusher.Flush()
	}
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repo := q.Get("repository_path")
	if repo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "repository_path is required"})
		return
	}
	favoritesOnly, _ := strconv.ParseBool(q.Get("favorites_only"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	records, stats, err := s.engine.ListSessions(repo, q.Get("search_query"), favoritesOnly, session.SortBy(q.Get("sort_by")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []session.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":        records,
		"total_count":  stats.TotalCount,
		"total_tokens": stats.TotalTokens,
		"total_cost":   stats.TotalCost,
	})
}

func (s *Server) handleSessionLoad(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repository_path")
	if repo == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "repository_path is required"})
		return
	}

	rec, messages, err := s.engine.LoadSession(repo, r.PathValue("task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":       rec.ID,
		"task":          rec.Description,
		"created_at":    rec.CreatedAt,
		"last_updated":  rec.LastUpdated,
		"provider":      rec.Provider,
		"model":         rec.Model,
		"messages":      messages,
		"message_count": len(messages),
	})
}

type repoBody struct {
	RepositoryPath string `json:"repository_path"`
}

func decodeRepoBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body repoBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RepositoryPath == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "repository_path is required"})
		return "", false
	}
	return body.RepositoryPath, true
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	repo, ok := decodeRepoBody(w, r)
	if !ok {
		return
	}
	favorited, err := s.engine.ToggleFavorite(repo, r.PathValue("task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"is_favorited": favorited,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	repo, ok := decodeRepoBody(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("task_id")
	if err := s.engine.DeleteSession(repo, taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "task " + taskID + " deleted",
	})
}
