package agenttool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"loom.dev/llm"
	"loom.dev/repopath"
)

const readFileMaxSizeDefault = 100 * 1024

type readFileInput struct {
	FilePath string `json:"file_path"`
	MaxSize  int64  `json:"max_size,omitempty"`
}

func NewReadFileTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "read_file",
			Description: "Read the contents of a file. Large files are truncated to max_size bytes.",
			Params: []llm.Param{
				{Name: "file_path", Type: llm.ParamString, Required: true, Description: "Path of the file, relative to the repository root"},
				{Name: "max_size", Type: llm.ParamInteger, Required: false, Description: "Maximum number of bytes to read, defaults to 102400"},
			},
		},
		ReadOnly: true,
		Run:      runReadFile,
	}
}

func runReadFile(ctx context.Context, input json.RawMessage) (Result, error) {
	var req readFileInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}
	if req.MaxSize <= 0 {
		req.MaxSize = readFileMaxSizeDefault
	}

	path, err := repopath.Resolve(RepoFrom(ctx), req.FilePath)
	if err != nil {
		return Result{OK: false, Err: err.Error()}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failf(NotFound, "file %s does not exist", req.FilePath), nil
		}
		return Failf(IOError, "open %s: %v", req.FilePath, err), nil
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Failf(IOError, "stat %s: %v", req.FilePath, err), nil
	}
	if fi.IsDir() {
		return Failf(InvalidPath, "%s is a directory", req.FilePath), nil
	}

	buf, err := io.ReadAll(io.LimitReader(f, req.MaxSize))
	if err != nil {
		return Failf(IOError, "read %s: %v", req.FilePath, err), nil
	}
	truncated := fi.Size() > req.MaxSize

	return Result{
		OK: true,
		Data: map[string]any{
			"content":   decodePermissive(buf),
			"size":      fi.Size(),
			"truncated": truncated,
		},
		Meta: map[string]any{
			"bytes_read": len(buf),
			"truncated":  truncated,
		},
	}, nil
}

// decodePermissive interprets buf as UTF-8, falling back to a
// byte-per-rune decoding for files that are not valid UTF-8.
func decodePermissive(buf []byte) string {
	if utf8.Valid(buf) {
		return string(buf)
	}
	var b strings.Builder
	b.Grow(len(buf))
	for _, c := range buf {
		b.WriteRune(rune(c))
	}
	return b.String()
}
