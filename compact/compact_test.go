package compact

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"loom.dev/llm"
	"loom.dev/session"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty: got %d", got)
	}
	if got := EstimateTokens(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("ascii: got %d, want 100", got)
	}
	if got := EstimateTokens(strings.Repeat("é", 100)); got != 50 {
		t.Errorf("non-ascii: got %d, want 50", got)
	}
}

func userMsg(text string) session.Message {
	return session.NewMessage(llm.UserMessage(text))
}

func readCycle(id, path, content string) []session.Message {
	return []session.Message{
		session.NewMessage(llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: id, Name: "read_file", Input: []byte(fmt.Sprintf(`{"file_path":%q}`, path))},
			},
		}),
		session.NewMessage(llm.ToolResultMessage(id, content)),
	}
}

func TestCompactUnderBudgetIsNoop(t *testing.T) {
	c := &Compactor{Budget: 100000}
	history := []session.Message{userMsg("hello")}
	got := c.Compact(context.Background(), history)
	if len(got) != 1 || got[0].Content != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestCompactZeroBudgetDisabled(t *testing.T) {
	c := &Compactor{}
	history := []session.Message{userMsg(strings.Repeat("x", 100000))}
	if got := c.Compact(context.Background(), history); len(got) != 1 {
		t.Fatal("zero budget must disable compaction")
	}
}

func TestCollapseDuplicateReads(t *testing.T) {
	content := strings.Repeat("line of file content\n", 20) // ~400 bytes

	history := []session.Message{userMsg("read the file a few times")}
	for i := range 20 {
		history = append(history, readCycle(fmt.Sprintf("call_%d", i), "data.txt", content)...)
	}

	c := &Compactor{Budget: 1000}
	got := c.Compact(context.Background(), history)

	verbatim := 0
	placeholders := 0
	for _, m := range got {
		if m.Role != llm.RoleToolResult {
			continue
		}
		switch m.Content {
		case content:
			verbatim++
		case Placeholder:
			placeholders++
		}
	}
	if verbatim > 1 {
		t.Errorf("%d verbatim copies survived, want at most 1", verbatim)
	}
	if placeholders == 0 {
		t.Error("no placeholders produced")
	}
}

func TestCollapseKeepsMostRecent(t *testing.T) {
	history := []session.Message{userMsg("seed")}
	history = append(history, readCycle("old", "f.txt", "old content")...)
	history = append(history, readCycle("new", "f.txt", "new content")...)

	got := collapseDuplicateReads(history)
	if got[2].Content != Placeholder {
		t.Errorf("older result = %q, want placeholder", got[2].Content)
	}
	if got[4].Content != "new content" {
		t.Errorf("newest result = %q, want verbatim", got[4].Content)
	}
}

func TestTruncateOldResults(t *testing.T) {
	long := strings.Repeat("abcdefghij", 100) // 1000 chars

	var history []session.Message
	for i := range 8 {
		id := fmt.Sprintf("c%d", i)
		history = append(history,
			session.NewMessage(llm.Message{
				Role:      llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{{ID: id, Name: "search_files", Input: []byte(`{}`)}},
			}),
			session.NewMessage(llm.ToolResultMessage(id, long)),
		)
	}

	got := truncateOldResults(history)

	var results []session.Message
	for _, m := range got {
		if m.Role == llm.RoleToolResult {
			results = append(results, m)
		}
	}
	// 8 results, the last 5 stay verbatim, the first 3 are truncated.
	for i, m := range results {
		truncated := strings.Contains(m.Content, truncMarker)
		if i < 3 && !truncated {
			t.Errorf("result %d not truncated", i)
		}
		if i >= 3 && truncated {
			t.Errorf("recent result %d truncated", i)
		}
	}
	if want := long[:200] + truncMarker + long[800:]; results[0].Content != want {
		t.Errorf("truncation shape wrong:\n got %q", results[0].Content)
	}
}

func TestDropMiddleKeepsSeedAndTail(t *testing.T) {
	big := strings.Repeat("z", 4000)
	history := []session.Message{userMsg("the seed instruction")}
	for i := range 30 {
		history = append(history,
			session.NewMessage(llm.Message{Role: llm.RoleAssistant, Content: big}),
			userMsg(fmt.Sprintf("follow-up %d", i)),
		)
	}

	c := &Compactor{Budget: 1000}
	got := c.Compact(context.Background(), history)

	if got[0].Content != "the seed instruction" {
		t.Errorf("seed message lost, first is %q", got[0].Content)
	}
	if !strings.Contains(got[1].Content, "[Conversation summary]") {
		t.Errorf("second message is %q, want a summary", got[1].Content)
	}
	if got[len(got)-1].Content != history[len(history)-1].Content {
		t.Error("tail not preserved")
	}
	if len(got) > 12 {
		t.Errorf("got %d messages, want seed + summary + tail", len(got))
	}
}

func TestDropMiddleUsesSummarizer(t *testing.T) {
	history := []session.Message{userMsg("seed")}
	for range 30 {
		history = append(history, session.NewMessage(llm.Message{
			Role:    llm.RoleAssistant,
			Content: strings.Repeat("y", 4000),
		}))
	}

	c := &Compactor{
		Budget: 1000,
		Summarize: func(ctx context.Context, dropped []session.Message) (string, error) {
			return fmt.Sprintf("we discussed %d things", len(dropped)), nil
		},
	}
	got := c.Compact(context.Background(), history)
	if !strings.Contains(got[1].Content, "we discussed") {
		t.Errorf("summary = %q", got[1].Content)
	}
}

func TestCompactNeverSplitsPairs(t *testing.T) {
	big := strings.Repeat("w", 2000)
	history := []session.Message{userMsg("seed")}
	for i := range 20 {
		history = append(history, readCycle(fmt.Sprintf("c%d", i), fmt.Sprintf("f%d.txt", i), big)...)
	}

	c := &Compactor{Budget: 500}
	got := c.Compact(context.Background(), history)

	// Every surviving tool result must follow a surviving assistant
	// message carrying its call id.
	calls := map[string]int{}
	for i, m := range got {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = i
		}
	}
	for i, m := range got {
		if m.Role != llm.RoleToolResult {
			continue
		}
		callIdx, ok := calls[m.CallID]
		if !ok {
			t.Errorf("result %d references dropped call %q", i, m.CallID)
		} else if callIdx >= i {
			t.Errorf("result %d appears before its call at %d", i, callIdx)
		}
	}
}
