package loop

import (
	"loom.dev/agenttool"
	"loom.dev/llm"
)

// Event types, in the order a successful iteration produces them.
const (
	TypeTaskStarted            = "task_started"
	TypeAPIRequestStarted      = "api_request_started"
	TypeAPIResponse            = "api_response"
	TypeToolCallsDetected      = "tool_calls_detected"
	TypeToolExecutionStarted   = "tool_execution_started"
	TypeToolExecutionCompleted = "tool_execution_completed"
	TypeCompletion             = "completion"
	TypeError                  = "error"
)

// Event is one element of the engine's output stream. Which fields
// are set depends on Type; the zero values are omitted on the wire.
type Event struct {
	Type string `json:"type"`

	// task_started
	TaskID string `json:"task_id,omitempty"`
	IsNew  *bool  `json:"is_new,omitempty"`

	// api_request_started, api_response, tool_calls_detected, completion
	Iteration    int    `json:"iteration,omitempty"`
	MessageCount int    `json:"message_count,omitempty"`
	Content      string `json:"content,omitempty"`

	// tool events
	ToolCalls []llm.ToolCall    `json:"tool_calls,omitempty"`
	ToolName  string            `json:"tool_name,omitempty"`
	Result    *agenttool.Result `json:"result,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func taskStartedEvent(taskID string, isNew bool) Event {
	return Event{Type: TypeTaskStarted, TaskID: taskID, IsNew: &isNew}
}

func errorEvent(message string) Event {
	return Event{Type: TypeError, Message: message}
}
