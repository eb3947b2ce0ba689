package agenttool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"loom.dev/llm"
)

// runGit executes a read-only git command inside the repository root.
func runGit(ctx context.Context, args ...string) (string, error) {
	root := RepoFrom(ctx)
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", root}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w - %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func NewGitStatusTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "git_status",
			Description: "Show the working tree status: current branch and changed files.",
		},
		ReadOnly: true,
		Run:      runGitStatus,
	}
}

type statusEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

func runGitStatus(ctx context.Context, input json.RawMessage) (Result, error) {
	out, err := runGit(ctx, "status", "--porcelain", "--branch")
	if err != nil {
		return Failf(IOError, "%v", err), nil
	}

	var branch string
	var entries []statusEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "## "); ok {
			branch, _, _ = strings.Cut(rest, "...")
			continue
		}
		if len(line) < 4 {
			continue
		}
		entries = append(entries, statusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}

	return Result{
		OK: true,
		Data: map[string]any{
			"branch":  branch,
			"changes": entries,
			"clean":   len(entries) == 0,
		},
	}, nil
}

// DiffFile is one file of a diff in raw form.
type DiffFile struct {
	Path    string `json:"path"`
	OldMode string `json:"old_mode"`
	NewMode string `json:"new_mode"`
	OldHash string `json:"old_hash"`
	NewHash string `json:"new_hash"`
	Status  string `json:"status"` // A=added, M=modified, D=deleted, etc.
}

type gitDiffInput struct {
	Ref string `json:"ref,omitempty"`
}

func NewGitDiffTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "git_diff",
			Description: "Show uncommitted changes, or changes relative to a ref if given.",
			Params: []llm.Param{
				{Name: "ref", Type: llm.ParamString, Required: false, Description: "Commit or ref to diff against, defaults to the working tree vs HEAD"},
			},
		},
		ReadOnly: true,
		Run:      runGitDiff,
	}
}

func runGitDiff(ctx context.Context, input json.RawMessage) (Result, error) {
	var req gitDiffInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}

	args := []string{"diff", "--raw", "--abbrev=40"}
	if req.Ref != "" {
		args = append(args, req.Ref)
	}
	out, err := runGit(ctx, args...)
	if err != nil {
		return Failf(IOError, "%v", err), nil
	}

	files := parseRawDiff(out)
	return Result{
		OK: true,
		Data: map[string]any{
			"files": files,
			"count": len(files),
		},
	}, nil
}

// parseRawDiff converts git diff --raw output into structured form.
// Format per line: :oldmode newmode oldhash newhash status\tpath
func parseRawDiff(out string) []DiffFile {
	var files []DiffFile
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, ":") {
			continue
		}
		meta, path, ok := strings.Cut(line[1:], "\t")
		if !ok {
			continue
		}
		parts := strings.Fields(meta)
		if len(parts) < 5 {
			continue
		}
		files = append(files, DiffFile{
			OldMode: parts[0],
			NewMode: parts[1],
			OldHash: parts[2],
			NewHash: parts[3],
			Status:  parts[4],
			Path:    strings.TrimSpace(path),
		})
	}
	return files
}

// LogEntry is one commit of the git log.
type LogEntry struct {
	Hash    string   `json:"hash"`
	Refs    []string `json:"refs,omitempty"`
	Subject string   `json:"subject"`
}

type gitLogInput struct {
	Limit int `json:"limit,omitempty"`
}

func NewGitLogTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "git_log",
			Description: "Show recent commits.",
			Params: []llm.Param{
				{Name: "limit", Type: llm.ParamInteger, Required: false, Description: "Maximum number of commits, defaults to 20"},
			},
		},
		ReadOnly: true,
		Run:      runGitLog,
	}
}

func runGitLog(ctx context.Context, input json.RawMessage) (Result, error) {
	var req gitLogInput
	if err := json.Unmarshal(input, &req); err != nil {
		return Failf(InvalidParameters, "%v", err), nil
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}

	out, err := runGit(ctx, "log", "-n", fmt.Sprint(req.Limit), "--decorate", "--pretty=%H%x00%s%x00%d")
	if err != nil {
		return Failf(IOError, "%v", err), nil
	}

	entries := parseGitLog(out)
	return Result{
		OK: true,
		Data: map[string]any{
			"commits": entries,
			"count":   len(entries),
		},
	}, nil
}

// parseGitLog parses git log output with null-separated fields.
func parseGitLog(out string) []LogEntry {
	var entries []LogEntry
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(out)))
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "\x00")
		if len(parts) != 3 {
			continue
		}
		entries = append(entries, LogEntry{
			Hash:    parts[0],
			Subject: parts[1],
			Refs:    parseRefs(parts[2]),
		})
	}
	return entries
}

// parseRefs extracts references from the %d decoration format,
// e.g. " (HEAD -> main, origin/main, tag: v1.0.0)".
func parseRefs(decoration string) []string {
	decoration = strings.TrimSpace(decoration)
	decoration = strings.TrimPrefix(decoration, "(")
	decoration = strings.TrimSuffix(decoration, ")")
	if decoration == "" {
		return nil
	}

	var refs []string
	for part := range strings.SplitSeq(decoration, ", ") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "HEAD -> "):
			refs = append(refs, strings.TrimPrefix(part, "HEAD -> "))
		case strings.HasPrefix(part, "tag: "):
			refs = append(refs, strings.TrimPrefix(part, "tag: "))
		default:
			refs = append(refs, part)
		}
	}
	return refs
}

func NewGitBranchTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        "git_branch",
			Description: "List local branches and show which one is checked out.",
		},
		ReadOnly: true,
		Run:      runGitBranch,
	}
}

func runGitBranch(ctx context.Context, input json.RawMessage) (Result, error) {
	out, err := runGit(ctx, "branch", "--format=%(HEAD)%00%(refname:short)")
	if err != nil {
		return Failf(IOError, "%v", err), nil
	}

	var branches []string
	var current string
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(out)))
	for scanner.Scan() {
		head, name, ok := strings.Cut(scanner.Text(), "\x00")
		if !ok {
			continue
		}
		branches = append(branches, name)
		if head == "*" {
			current = name
		}
	}

	return Result{
		OK: true,
		Data: map[string]any{
			"current":  current,
			"branches": branches,
		},
	}, nil
}
