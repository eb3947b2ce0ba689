// Package compact keeps a conversation under a model's context
// budget by collapsing, truncating and dropping old messages.
package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"loom.dev/llm"
	"loom.dev/session"
)

const (
	// SoftRatio is the fraction of the budget at which compaction
	// starts; HardRatio forces the full policy.
	SoftRatio = 0.8
	HardRatio = 0.95

	// Placeholder replaces earlier results of repeated file reads.
	Placeholder = "[Previous file content shown above]"

	// The most recent tool results kept verbatim by truncation.
	keepRecentResults = 5

	// Characters kept at each end of a truncated tool result.
	truncKeep    = 200
	truncMarker  = "…(truncated)…"
	keepTailSize = 10
)

// EstimateTokens approximates the token count of a string: roughly
// one token per 4 ASCII characters and one per 2 non-ASCII.
func EstimateTokens(s string) int {
	ascii, other := 0, 0
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	return ascii/4 + other/2
}

// EstimateMessage estimates one message, counting structured fields
// on their JSON rendering.
func EstimateMessage(m session.Message) int {
	n := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		buf, err := json.Marshal(tc)
		if err != nil {
			buf = tc.Input
		}
		n += EstimateTokens(string(buf))
	}
	return n + 4 // role and framing overhead
}

// EstimateHistory estimates a whole message list.
func EstimateHistory(messages []session.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

// Summarizer produces a replacement summary for a span of dropped
// messages. The model-backed implementation lives with the engine.
type Summarizer func(ctx context.Context, dropped []session.Message) (string, error)

// Compactor applies the compaction policy. The zero Budget disables
// compaction entirely.
type Compactor struct {
	Budget int

	// Summarize is consulted when middle messages are dropped. If nil
	// or failing, a deterministic header is used instead.
	Summarize Summarizer
}

// Compact returns a message list estimated under the soft threshold,
// or as close to it as the policy allows. The input is not modified.
// Message order is preserved and tool-call/result pairs are dropped
// or kept as a whole, never split.
func (c *Compactor) Compact(ctx context.Context, messages []session.Message) []session.Message {
	if c.Budget <= 0 {
		return messages
	}
	soft := int(float64(c.Budget) * SoftRatio)
	if EstimateHistory(messages) < soft {
		return messages
	}

	out := collapseDuplicateReads(messages)
	if EstimateHistory(out) < soft {
		return out
	}

	out = truncateOldResults(out)
	if EstimateHistory(out) < soft {
		return out
	}

	out = c.dropMiddle(ctx, out)

	slog.DebugContext(ctx, "history compacted",
		slog.Int("messages_before", len(messages)),
		slog.Int("messages_after", len(out)),
		slog.Int("tokens_estimate", EstimateHistory(out)),
	)
	return out
}

// readFilePath extracts the file_path parameter of a read_file call.
func readFilePath(tc llm.ToolCall) (string, bool) {
	if tc.Name != "read_file" {
		return "", false
	}
	var params struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(tc.Input, &params); err != nil {
		return "", false
	}
	return params.FilePath, params.FilePath != ""
}

// collapseDuplicateReads keeps only the most recent result of each
// repeatedly read file, replacing earlier ones with Placeholder.
func collapseDuplicateReads(messages []session.Message) []session.Message {
	// Last read_file call id per path wins.
	lastCall := make(map[string]string)
	callPath := make(map[string]string)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if path, ok := readFilePath(tc); ok {
				lastCall[path] = tc.ID
				callPath[tc.ID] = path
			}
		}
	}

	out := make([]session.Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role != llm.RoleToolResult {
			continue
		}
		path, ok := callPath[m.CallID]
		if !ok || lastCall[path] == m.CallID || m.Content == Placeholder {
			continue
		}
		m.Content = Placeholder
		out[i] = m
	}
	return out
}

// truncateOldResults shortens every tool result but the most recent
// keepRecentResults to its first and last truncKeep characters.
func truncateOldResults(messages []session.Message) []session.Message {
	out := make([]session.Message, len(messages))
	copy(out, messages)

	recent := 0
	for i := len(out) - 1; i >= 0; i-- {
		m := out[i]
		if m.Role != llm.RoleToolResult {
			continue
		}
		recent++
		if recent <= keepRecentResults {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) <= 2*truncKeep+len(truncMarker) {
			continue
		}
		m.Content = string(runes[:truncKeep]) + truncMarker + string(runes[len(runes)-truncKeep:])
		out[i] = m
	}
	return out
}

// dropMiddle keeps the seed user message and the last keepTailSize
// messages, replacing the span between them with one summary message.
func (c *Compactor) dropMiddle(ctx context.Context, messages []session.Message) []session.Message {
	if len(messages) <= keepTailSize+1 {
		return messages
	}

	start := len(messages) - keepTailSize
	// A tool result at the boundary belongs to a call in the dropped
	// span; drop the whole pair.
	for start < len(messages) && messages[start].Role == llm.RoleToolResult {
		start++
	}
	if start <= 1 {
		return messages
	}

	dropped := messages[1:start]
	summary := session.NewMessage(llm.UserMessage(c.summarize(ctx, dropped)))

	out := make([]session.Message, 0, len(messages)-len(dropped)+1)
	out = append(out, messages[0], summary)
	out = append(out, messages[start:]...)
	return out
}

func (c *Compactor) summarize(ctx context.Context, dropped []session.Message) string {
	if c.Summarize != nil {
		if text, err := c.Summarize(ctx, dropped); err == nil && text != "" {
			return "[Conversation summary] " + text
		}
	}
	return fmt.Sprintf("[Conversation summary] %d earlier messages were removed to stay within the context budget.", len(dropped))
}
