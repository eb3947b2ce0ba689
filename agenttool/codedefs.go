package agenttool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"loom.dev/llm"
	"loom.dev/repopath"
)

type listCodeDefinitionsInput struct {
	FilePath string `json:"file_path"`
}

func NewListCodeDefinitionsTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "list_code_definitions",
			Description: "List the top-level classes, functions and methods defined in a source file.",
			Params: []llm.Param{
				{Name: "file_path", Type: llm.ParamString, Required: true, Description: "Path of the source file, relative to the repository root"},
			},
		},
		ReadOnly: true,
		Run:      runListCodeDefinitions,
	}
}

type codeDefinition struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Line int    `json:"line"`
}

type defPattern struct {
	kind string
	re   *regexp.Regexp
}

var defPatterns = map[string][]defPattern{
	".py": {
		{"class", regexp.MustCompile(`^class\s+(\w+)`)},
		{"function", regexp.MustCompile(`^def\s+(\w+)`)},
		{"method", regexp.MustCompile(`^\s+def\s+(\w+)`)},
	},
	".go": {
		{"type", regexp.MustCompile(`^type\s+(\w+)\s+(?:struct|interface)\b`)},
		{"method", regexp.MustCompile(`^func\s+\([^)]+\)\s+(\w+)\s*\(`)},
		{"function", regexp.MustCompile(`^func\s+(\w+)\s*\(`)},
	},
	".js": jsPatterns,
	".jsx": jsPatterns,
	".ts": append([]defPattern{
		{"interface", regexp.MustCompile(`^(?:export\s+)?interface\s+(\w+)`)},
		{"type", regexp.MustCompile(`^(?:export\s+)?type\s+(\w+)\s*=`)},
	}, jsPatterns...),
	".tsx": jsPatterns,
	".java": {
		{"class", regexp.MustCompile(`^\s*(?:public\s+|private\s+|protected\s+|abstract\s+|final\s+|static\s+)*(?:class|interface|enum)\s+(\w+)`)},
		{"method", regexp.MustCompile(`^\s+(?:public|private|protected)\s+(?:static\s+)?[\w<>\[\],\s]+\s(\w+)\s*\([^;]*\)\s*(?:throws[\w\s,]+)?\{`)},
	},
	".c":   cPatterns,
	".h":   cPatterns,
	".cpp": cppPatterns,
	".cc":  cppPatterns,
	".hpp": cppPatterns,
}

var jsPatterns = []defPattern{
	{"class", regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?class\s+(\w+)`)},
	{"function", regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(\w+)`)},
	{"function", regexp.MustCompile(`^(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s*)?(?:function\b|\()`)},
}

var cPatterns = []defPattern{
	{"function", regexp.MustCompile(`^(?:static\s+|inline\s+)*[\w*]+(?:\s+[\w*]+)*[\s*]+(\w+)\s*\([^;]*$`)},
	{"struct", regexp.MustCompile(`^(?:typedef\s+)?struct\s+(\w+)`)},
}

var cppPatterns = append([]defPattern{
	{"class", regexp.MustCompile(`^class\s+(\w+)`)},
	{"namespace", regexp.MustCompile(`^namespace\s+(\w+)`)},
}, cPatterns...)

func runListCodeDefinitions(ctx context.Context, input json.RawMessage) (Result, error) {
	var req listCodeDefinitionsInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}

	path, err := repopath.Resolve(RepoFrom(ctx), req.FilePath)
	if err != nil {
		return Result{OK: false, Err: err.Error()}, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	patterns, ok := defPatterns[ext]
	if !ok {
		return Failf(InvalidParameters, "unsupported file type %q", ext), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failf(NotFound, "file %s does not exist", req.FilePath), nil
		}
		return Failf(IOError, "open %s: %v", req.FilePath, err), nil
	}
	defer f.Close()

	var defs []codeDefinition
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), searchMaxFileSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		for _, p := range patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			defs = append(defs, codeDefinition{Kind: p.kind, Name: m[1], Line: lineNo})
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Failf(IOError, "scan %s: %v", req.FilePath, err), nil
	}

	return Result{
		OK: true,
		Data: map[string]any{
			"definitions": defs,
			"count":       len(defs),
		},
	}, nil
}
