package agenttool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"loom.dev/llm"
	"loom.dev/repopath"
)

type writeToFileInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func NewWriteToFileTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "write_to_file",
			Description: "Write content to a file, creating it and any missing parent directories. Overwrites existing content.",
			Params: []llm.Param{
				{Name: "file_path", Type: llm.ParamString, Required: true, Description: "Path of the file, relative to the repository root"},
				{Name: "content", Type: llm.ParamString, Required: true, Description: "Full content to write"},
			},
		},
		Run: runWriteToFile,
	}
}

func runWriteToFile(ctx context.Context, input json.RawMessage) (Result, error) {
	var req writeToFileInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}

	path, err := repopath.Resolve(RepoFrom(ctx), req.FilePath)
	if err != nil {
		return Result{OK: false, Err: err.Error()}, nil
	}

	_, statErr := os.Stat(path)
	overwrote := statErr == nil

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Failf(IOError, "create parent directories: %v", err), nil
	}
	if err := writeFileAtomic(path, []byte(req.Content)); err != nil {
		return Failf(IOError, "write %s: %v", req.FilePath, err), nil
	}

	return Result{
		OK: true,
		Data: map[string]any{
			"bytes_written": len(req.Content),
			"overwrote":     overwrote,
		},
	}, nil
}

type replaceInFileInput struct {
	FilePath string `json:"file_path"`
	Search   string `json:"search"`
	Replace  string `json:"replace"`
}

func NewReplaceInFileTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "replace_in_file",
			Description: "Replace every literal occurrence of a search string in a file.",
			Params: []llm.Param{
				{Name: "file_path", Type: llm.ParamString, Required: true, Description: "Path of the file, relative to the repository root"},
				{Name: "search", Type: llm.ParamString, Required: true, Description: "Exact text to find"},
				{Name: "replace", Type: llm.ParamString, Required: true, Description: "Text to replace it with"},
			},
		},
		Run: runReplaceInFile,
	}
}

func runReplaceInFile(ctx context.Context, input json.RawMessage) (Result, error) {
	var req replaceInFileInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}
	if req.Search == "" {
		return Failf(InvalidParameters, "search must not be empty"), nil
	}

	path, err := repopath.Resolve(RepoFrom(ctx), req.FilePath)
	if err != nil {
		return Result{OK: false, Err: err.Error()}, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failf(NotFound, "file %s does not exist", req.FilePath), nil
		}
		return Failf(IOError, "read %s: %v", req.FilePath, err), nil
	}

	content := string(buf)
	count := strings.Count(content, req.Search)
	if count == 0 {
		return Failf(NotFound, "search text not found in %s", req.FilePath), nil
	}

	replaced := strings.ReplaceAll(content, req.Search, req.Replace)
	if err := writeFileAtomic(path, []byte(replaced)); err != nil {
		return Failf(IOError, "write %s: %v", req.FilePath, err), nil
	}

	res := Result{
		OK: true,
		Data: map[string]any{
			"occurrences": count,
			"size_delta":  len(replaced) - len(content),
			"diff":        patchPreview(content, replaced),
		},
	}
	if count > 1 {
		res.Meta = map[string]any{
			"warning": fmt.Sprintf("search text occurred %d times, replaced all occurrences", count),
		}
	}
	return res, nil
}

// patchPreview renders the edit as a unified-style patch so the model
// can verify what actually changed.
func patchPreview(before, after string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)
	return dmp.PatchToText(patches)
}

// writeFileAtomic writes data via a temp file in the same directory
// followed by a rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
