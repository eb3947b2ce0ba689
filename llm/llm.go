// Package llm provides a unified interface for interacting with LLMs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Service is the model adapter contract consumed by the task engine.
type Service interface {
	// Send starts a single model call. The returned channel yields zero or
	// more TextFragment and ToolCall events and is closed after a terminal
	// Done or Error event. Cancelling ctx abandons the call.
	Send(ctx context.Context, req *Request) (<-chan Event, error)
}

type Request struct {
	Messages []Message
	Tools    []ToolSpec
	System   string
	Config   Config
}

// Config is the per-request AI configuration.
type Config struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	APIKey           string  `json:"api_key,omitempty"`
	BaseURL          string  `json:"base_url,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	MaxTokens        int     `json:"max_tokens,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty"`
	// MaxIterations bounds the agent loop; 0 means unbounded.
	MaxIterations int `json:"max_iterations,omitempty"`
	// MaxContextTokens bounds the message list sent to the model.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
}

func (c *Config) Validate() error {
	var err error
	if c.Temperature < 0 || c.Temperature > 2 {
		err = errors.Join(err, fmt.Errorf("temperature %v out of range [0, 2]", c.Temperature))
	}
	if c.MaxTokens < 0 {
		err = errors.Join(err, fmt.Errorf("max_tokens %d must be positive", c.MaxTokens))
	}
	if c.TopP < 0 || c.TopP > 1 {
		err = errors.Join(err, fmt.Errorf("top_p %v out of range [0, 1]", c.TopP))
	}
	if c.FrequencyPenalty < -2 || c.FrequencyPenalty > 2 {
		err = errors.Join(err, fmt.Errorf("frequency_penalty %v out of range [-2, 2]", c.FrequencyPenalty))
	}
	if c.PresencePenalty < -2 || c.PresencePenalty > 2 {
		err = errors.Join(err, fmt.Errorf("presence_penalty %v out of range [-2, 2]", c.PresencePenalty))
	}
	if c.MaxIterations < 0 {
		err = errors.Join(err, fmt.Errorf("max_iterations %d must be >= 0", c.MaxIterations))
	}
	return err
}

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Message is one entry of a model-facing conversation.
type Message struct {
	Role    Role
	Content string
	// ToolCalls is set on assistant messages that request tool use.
	ToolCalls []ToolCall
	// CallID is set on tool_result messages and references the
	// originating tool call.
	CallID string
}

// ToolCall is a structured request by the model to run a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"parameters"`
}

// UserMessage creates a user message with plain text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ToolResultMessage creates a tool_result message matched to callID.
func ToolResultMessage(callID, text string) Message {
	return Message{Role: RoleToolResult, CallID: callID, Content: text}
}

type EventKind int

const (
	// EventTextFragment carries a partial chunk of assistant text.
	EventTextFragment EventKind = iota
	// EventToolCall carries one complete tool call.
	EventToolCall
	// EventDone terminates the stream and carries usage.
	EventDone
	// EventError terminates the stream with a failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTextFragment:
		return "text_fragment"
	case EventToolCall:
		return "tool_call"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one element of the adapter's streamed response.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *ToolCall
	Usage    Usage
	Err      error
}

// Usage represents billing usage for one model call.
type Usage struct {
	TokensIn  uint64  `json:"tokens_in"`
	TokensOut uint64  `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

func (u *Usage) Add(other Usage) {
	u.TokensIn += other.TokensIn
	u.TokensOut += other.TokensOut
	u.CostUSD += other.CostUSD
}

func (u *Usage) IsZero() bool {
	return *u == Usage{}
}

func (u *Usage) Attr() slog.Attr {
	return slog.Group("usage",
		slog.Uint64("tokens_in", u.TokensIn),
		slog.Uint64("tokens_out", u.TokensOut),
		slog.Float64("cost_usd", u.CostUSD),
	)
}

// Response is a fully assembled model turn, for callers that do not
// care about streaming.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Collect drains an event stream into a Response.
func Collect(ctx context.Context, events <-chan Event) (*Response, error) {
	resp := &Response{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return resp, nil
			}
			switch ev.Kind {
			case EventTextFragment:
				resp.Content += ev.Text
			case EventToolCall:
				resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
			case EventDone:
				resp.Usage = ev.Usage
			case EventError:
				return nil, ev.Err
			}
		}
	}
}
