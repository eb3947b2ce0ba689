// Package agenttool provides the tools the model can call during a
// task, plus the coordinator that dispatches them.
package agenttool

import (
	"context"
	"encoding/json"
	"fmt"

	"loom.dev/llm"
)

type repoCtxKeyType string

const repoCtxKey repoCtxKeyType = "repoRoot"

// WithRepo returns a context carrying the repository root all
// filesystem tools resolve their paths against.
func WithRepo(ctx context.Context, root string) context.Context {
	return context.WithValue(ctx, repoCtxKey, root)
}

// RepoFrom returns the repository root carried by ctx, or "".
func RepoFrom(ctx context.Context) string {
	root, _ := ctx.Value(repoCtxKey).(string)
	return root
}

// Kind classifies a tool failure. It is prepended to the error string
// carried back to the model.
type Kind string

const (
	InvalidPath       Kind = "InvalidPath"
	InvalidParameters Kind = "InvalidParameters"
	NotFound          Kind = "NotFound"
	Corrupt           Kind = "Corrupt"
	Cancelled         Kind = "Cancelled"
	IOError           Kind = "IOError"
)

// Result is the outcome of one tool execution.
type Result struct {
	OK   bool           `json:"success"`
	Data any            `json:"data,omitempty"`
	Err  string         `json:"error,omitempty"`
	Meta map[string]any `json:"metadata,omitempty"`
}

// Failf builds a failed Result with a kind-tagged error string.
func Failf(kind Kind, format string, args ...any) Result {
	return Result{OK: false, Err: string(kind) + ": " + fmt.Sprintf(format, args...)}
}

// Text renders the result as it is fed back to the model.
func (r Result) Text() string {
	if !r.OK {
		return "Error: " + r.Err
	}
	switch data := r.Data.(type) {
	case nil:
		return "OK"
	case string:
		return data
	default:
		buf, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", data)
		}
		return string(buf)
	}
}

// Tool couples a spec with its implementation.
//
// Run receives the raw parameter object. Parameter presence and types
// have already been validated against the spec's schema by the
// coordinator; handlers still own semantic validation. A returned
// error is coerced into a failed Result by the coordinator.
type Tool struct {
	Spec llm.ToolSpec

	// ReadOnly marks the tool as side-effect-free. A batch of calls is
	// executed concurrently only if every tool in it is read-only.
	ReadOnly bool

	Run func(ctx context.Context, input json.RawMessage) (Result, error)
}

// AttemptCompletionName is the sentinel tool the model calls to end a
// task explicitly.
const AttemptCompletionName = "attempt_completion"

// NewAttemptCompletionTool returns the sentinel completion tool. The
// engine stops iterating once it sees a call to it.
func NewAttemptCompletionTool() *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        AttemptCompletionName,
			Description: "Present the final result of the task to the user. Use this when the task is complete.",
			Params: []llm.Param{
				{Name: "result", Type: llm.ParamString, Required: true, Description: "The final result of the task"},
			},
		},
		ReadOnly: true,
		Run: func(ctx context.Context, input json.RawMessage) (Result, error) {
			var req struct {
				Result string `json:"result"`
			}
			if err := json.Unmarshal(input, &req); err != nil {
				return Result{}, err
			}
			return Result{OK: true, Data: req.Result}, nil
		},
	}
}

// DefaultTools returns the full built-in tool set.
func DefaultTools() []*Tool {
	return []*Tool{
		NewReadFileTool(),
		NewListFilesTool(),
		NewSearchFilesTool(),
		NewWriteToFileTool(),
		NewReplaceInFileTool(),
		NewListCodeDefinitionsTool(),
		NewGitStatusTool(),
		NewGitDiffTool(),
		NewGitLogTool(),
		NewGitBranchTool(),
		NewAttemptCompletionTool(),
	}
}
