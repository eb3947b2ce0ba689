package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	good := Config{
		Temperature:      0.7,
		MaxTokens:        4096,
		TopP:             0.9,
		FrequencyPenalty: -1,
		PresencePenalty:  1,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := Config{Temperature: 3, TopP: 2, MaxIterations: -1}
	err := bad.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"temperature", "top_p", "max_iterations"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestToolSpecJSONSchema(t *testing.T) {
	spec := ToolSpec{
		Name:        "read_file",
		Description: "reads a file",
		Params: []Param{
			{Name: "file_path", Type: ParamString, Required: true, Description: `the "path"`},
			{Name: "max_size", Type: ParamInteger, Required: false, Description: "byte limit"},
		},
	}

	var schema struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required             []string `json:"required"`
		AdditionalProperties bool     `json:"additionalProperties"`
	}
	if err := json.Unmarshal(spec.JSONSchema(), &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}

	if schema.Type != "object" || schema.AdditionalProperties {
		t.Errorf("unexpected envelope: %+v", schema)
	}
	if len(schema.Properties) != 2 {
		t.Fatalf("got %d properties", len(schema.Properties))
	}
	if schema.Properties["file_path"].Description != `the "path"` {
		t.Errorf("quoting broken: %q", schema.Properties["file_path"].Description)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "file_path" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestToolSpecJSONSchemaEmpty(t *testing.T) {
	spec := ToolSpec{Name: "git_status"}
	if !json.Valid(spec.JSONSchema()) {
		t.Fatalf("schema invalid: %s", spec.JSONSchema())
	}
}

func TestCollect(t *testing.T) {
	events := make(chan Event, 8)
	events <- Event{Kind: EventTextFragment, Text: "It says "}
	events <- Event{Kind: EventTextFragment, Text: "hello."}
	events <- Event{Kind: EventToolCall, ToolCall: &ToolCall{ID: "c1", Name: "read_file"}}
	events <- Event{Kind: EventDone, Usage: Usage{TokensIn: 10, TokensOut: 3, CostUSD: 0.001}}
	close(events)

	resp, err := Collect(context.Background(), events)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "It says hello." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "c1" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TokensIn != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCollectError(t *testing.T) {
	boom := errors.New("boom")
	events := make(chan Event, 1)
	events <- Event{Kind: EventError, Err: boom}
	close(events)

	if _, err := Collect(context.Background(), events); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{TokensIn: 10, TokensOut: 5, CostUSD: 0.1}
	u.Add(Usage{TokensIn: 1, TokensOut: 2, CostUSD: 0.05})
	if u.TokensIn != 11 || u.TokensOut != 7 {
		t.Errorf("got %+v", u)
	}
	if u.IsZero() {
		t.Error("non-zero usage reported as zero")
	}
	if !(&Usage{}).IsZero() {
		t.Error("zero usage not reported as zero")
	}
}
