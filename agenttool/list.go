package agenttool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	ignore "github.com/sabhiram/go-gitignore"
	"loom.dev/llm"
	"loom.dev/repopath"
)

const (
	listFilesMaxDepthDefault   = 10
	listFilesMaxResultsDefault = 1000

	listFilesCacheSize = 50
	listFilesCacheTTL  = 3 * time.Minute
)

// ignoredDirs are never descended into, regardless of .gitignore.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".nuxt":        true,
	"coverage":     true,
	".vscode":      true,
	".idea":        true,
}

type listFilesInput struct {
	Path       string `json:"path"`
	Recursive  bool   `json:"recursive,omitempty"`
	MaxDepth   int    `json:"max_depth,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type listFilesTool struct {
	cache *expirable.LRU[string, Result]
}

func NewListFilesTool() *Tool {
	t := &listFilesTool{
		cache: expirable.NewLRU[string, Result](listFilesCacheSize, nil, listFilesCacheTTL),
	}
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "list_files",
			Description: "List the entries of a directory, optionally recursively.",
			Params: []llm.Param{
				{Name: "path", Type: llm.ParamString, Required: true, Description: "Directory to list, relative to the repository root"},
				{Name: "recursive", Type: llm.ParamBoolean, Required: false, Description: "List entries recursively, defaults to false"},
				{Name: "max_depth", Type: llm.ParamInteger, Required: false, Description: "Maximum recursion depth, defaults to 10"},
				{Name: "max_results", Type: llm.ParamInteger, Required: false, Description: "Maximum number of entries returned, defaults to 1000"},
			},
		},
		ReadOnly: true,
		Run:      t.run,
	}
}

func (t *listFilesTool) run(ctx context.Context, input json.RawMessage) (Result, error) {
	var req listFilesInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}
	if req.MaxDepth <= 0 {
		req.MaxDepth = listFilesMaxDepthDefault
	}
	if req.MaxResults <= 0 {
		req.MaxResults = listFilesMaxResultsDefault
	}

	root := RepoFrom(ctx)
	path, err := repopath.Resolve(root, req.Path)
	if err != nil {
		return Result{OK: false, Err: err.Error()}, nil
	}

	cacheKey := fmt.Sprintf("%s|%v|%d|%d", path, req.Recursive, req.MaxDepth, req.MaxResults)
	if res, ok := t.cache.Get(cacheKey); ok {
		return res, nil
	}

	res := listFiles(root, path, req)
	if res.OK {
		t.cache.Add(cacheKey, res)
	}
	return res, nil
}

type fileEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// repoIgnorer returns a matcher for the repository's .gitignore, or
// nil if there is none.
func repoIgnorer(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}

func listFiles(root, path string, req listFilesInput) Result {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failf(NotFound, "directory %s does not exist", req.Path)
		}
		return Failf(IOError, "stat %s: %v", req.Path, err)
	}
	if !fi.IsDir() {
		return Failf(InvalidPath, "%s is not a directory", req.Path)
	}

	gi := repoIgnorer(root)
	baseDepth := strings.Count(path, string(filepath.Separator))

	var entries []fileEntry
	truncated := false
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree, skip it.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p == path {
			return nil
		}

		rel := repopath.Rel(root, p)
		if d.IsDir() {
			if ignoredDirs[d.Name()] || (gi != nil && gi.MatchesPath(rel+"/")) {
				return fs.SkipDir
			}
			depth := strings.Count(p, string(filepath.Separator)) - baseDepth
			if depth > req.MaxDepth {
				return fs.SkipDir
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		if len(entries) >= req.MaxResults {
			truncated = true
			return filepath.SkipAll
		}

		var size int64
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size = info.Size()
			}
		}
		entries = append(entries, fileEntry{Path: rel, IsDir: d.IsDir(), Size: size})

		if d.IsDir() && !req.Recursive {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return Failf(IOError, "walk %s: %v", req.Path, err)
	}

	return Result{
		OK: true,
		Data: map[string]any{
			"entries":   entries,
			"count":     len(entries),
			"truncated": truncated,
		},
		Meta: map[string]any{"truncated": truncated},
	}
}
