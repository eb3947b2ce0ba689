package oai

import (
	"encoding/json"
	"testing"

	"github.com/sashabaranov/go-openai"
	"loom.dev/llm"
)

func TestProviderByName(t *testing.T) {
	if p := ProviderByName("deepseek"); p.URL != DeepseekURL {
		t.Errorf("got %+v", p)
	}
	if p := ProviderByName("unknown"); p.Name != "" {
		t.Errorf("got %+v, want zero value", p)
	}
}

func TestFromMessageToolResult(t *testing.T) {
	msgs := fromMessage(llm.ToolResultMessage("call_1", "file contents"))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleTool || msgs[0].ToolCallID != "call_1" {
		t.Errorf("got %+v", msgs[0])
	}
}

func TestFromMessageAssistantWithCalls(t *testing.T) {
	msgs := fromMessage(llm.Message{
		Role:    llm.RoleAssistant,
		Content: "let me check",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"file_path":"a.txt"}`)},
		},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m := msgs[0]
	if m.Role != "assistant" || len(m.ToolCalls) != 1 {
		t.Fatalf("got %+v", m)
	}
	if m.ToolCalls[0].Function.Name != "read_file" || m.ToolCalls[0].Function.Arguments != `{"file_path":"a.txt"}` {
		t.Errorf("got %+v", m.ToolCalls[0])
	}
}

func TestBuildRequest(t *testing.T) {
	s := &Service{}
	req := s.buildRequest(&llm.Request{
		System:   "be helpful",
		Messages: []llm.Message{llm.UserMessage("hi")},
		Tools: []llm.ToolSpec{
			{Name: "read_file", Description: "reads", Params: []llm.Param{
				{Name: "file_path", Type: llm.ParamString, Required: true},
			}},
		},
		Config: llm.Config{Model: "gpt-4o", Temperature: 0.5, MaxTokens: 123},
	})

	if req.Model != "gpt-4o" || req.MaxTokens != 123 || !req.Stream {
		t.Errorf("got %+v", req)
	}
	if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
		t.Error("usage not requested on the stream")
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "read_file" {
		t.Fatalf("tools = %+v", req.Tools)
	}
}

func TestBuildRequestDefaultMaxTokens(t *testing.T) {
	s := &Service{}
	req := s.buildRequest(&llm.Request{Config: llm.Config{Model: "gpt-4o"}})
	if req.MaxTokens != DefaultMaxTokens {
		t.Errorf("max tokens = %d, want %d", req.MaxTokens, DefaultMaxTokens)
	}
}

func TestProviderUsage(t *testing.T) {
	p := Provider{InputUSDPerMTok: 2.0, OutputUSDPerMTok: 8.0}
	u := p.usage(&openai.Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000})
	if u.TokensIn != 1_000_000 || u.TokensOut != 500_000 {
		t.Errorf("tokens = %+v", u)
	}
	if u.CostUSD != 2.0+4.0 {
		t.Errorf("cost = %v, want 6", u.CostUSD)
	}
	if got := p.usage(nil); !got.IsZero() {
		t.Errorf("nil usage = %+v", got)
	}
}

func TestClientRequiresAPIKey(t *testing.T) {
	t.Setenv(OpenAIAPIKeyEnv, "")
	s := &Service{}
	if _, _, err := s.client(llm.Config{}); err == nil {
		t.Fatal("expected error without an API key")
	}

	s.APIKey = "sk-test"
	if _, _, err := s.client(llm.Config{}); err != nil {
		t.Fatal(err)
	}
}
