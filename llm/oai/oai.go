// Package oai implements llm.Service on top of OpenAI-compatible chat
// completion APIs.
package oai

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"loom.dev/llm"
)

const (
	DefaultMaxTokens = 8192

	OpenAIURL    = "https://api.openai.com/v1"
	DeepseekURL  = "https://api.deepseek.com/v1"
	TogetherURL  = "https://api.together.xyz/v1"
	FireworksURL = "https://api.fireworks.ai/inference/v1"
	MoonshotURL  = "https://api.moonshot.ai/v1"

	OpenAIAPIKeyEnv    = "OPENAI_API_KEY"
	DeepseekAPIKeyEnv  = "DEEPSEEK_API_KEY"
	TogetherAPIKeyEnv  = "TOGETHER_API_KEY"
	FireworksAPIKeyEnv = "FIREWORKS_API_KEY"
	MoonshotAPIKeyEnv  = "MOONSHOT_API_KEY"
)

// Provider identifies one OpenAI-compatible endpoint.
type Provider struct {
	Name      string
	URL       string
	APIKeyEnv string
	// Cost per million tokens, used when the API reports usage without cost.
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
}

var providers = []Provider{
	{Name: "openai", URL: OpenAIURL, APIKeyEnv: OpenAIAPIKeyEnv, InputUSDPerMTok: 2.0, OutputUSDPerMTok: 8.0},
	{Name: "deepseek", URL: DeepseekURL, APIKeyEnv: DeepseekAPIKeyEnv, InputUSDPerMTok: 0.27, OutputUSDPerMTok: 1.1},
	{Name: "together", URL: TogetherURL, APIKeyEnv: TogetherAPIKeyEnv},
	{Name: "fireworks", URL: FireworksURL, APIKeyEnv: FireworksAPIKeyEnv},
	{Name: "moonshot", URL: MoonshotURL, APIKeyEnv: MoonshotAPIKeyEnv},
}

// ProviderByName returns the provider with the given name,
// or the zero Provider if unknown.
func ProviderByName(name string) Provider {
	for _, p := range providers {
		if p.Name == name {
			return p
		}
	}
	return Provider{}
}

// ListProviders returns the names of all known providers.
func ListProviders() []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name)
	}
	return names
}

// Service provides streamed chat completions.
// Fields should not be altered concurrently with calling any method on Service.
type Service struct {
	HTTPC    *http.Client // defaults to http.DefaultClient if nil
	APIKey   string       // optional, if not set will try to load from env var
	Provider Provider     // defaults to the openai provider if zero value
}

var _ llm.Service = (*Service)(nil)

func (s *Service) provider(cfg llm.Config) Provider {
	if cfg.Provider != "" {
		if p := ProviderByName(cfg.Provider); p.Name != "" {
			return p
		}
	}
	if s.Provider.Name != "" {
		return s.Provider
	}
	return providers[0]
}

func (s *Service) client(cfg llm.Config) (*openai.Client, Provider, error) {
	p := s.provider(cfg)
	apiKey := cmp.Or(cfg.APIKey, s.APIKey, os.Getenv(p.APIKeyEnv))
	if apiKey == "" {
		return nil, p, fmt.Errorf("no API key for provider %q (set %s)", p.Name, p.APIKeyEnv)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = cmp.Or(cfg.BaseURL, p.URL)
	if s.HTTPC != nil {
		clientCfg.HTTPClient = s.HTTPC
	}
	return openai.NewClientWithConfig(clientCfg), p, nil
}

// fromMessage converts one llm.Message into OpenAI chat messages.
// Tool results become their own messages with role "tool".
func fromMessage(msg llm.Message) []openai.ChatCompletionMessage {
	if msg.Role == llm.RoleToolResult {
		return []openai.ChatCompletionMessage{{
			Role:       openai.ChatMessageRoleTool,
			Content:    cmp.Or(msg.Content, " "),
			ToolCallID: msg.CallID,
		}}
	}
	m := openai.ChatCompletionMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	for _, tc := range msg.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
			Type: openai.ToolTypeFunction,
			ID:   tc.ID,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Input),
			},
		})
	}
	return []openai.ChatCompletionMessage{m}
}

func fromToolSpec(t llm.ToolSpec) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.JSONSchema(),
		},
	}
}

func (s *Service) buildRequest(ir *llm.Request) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if ir.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: ir.System,
		})
	}
	for _, msg := range ir.Messages {
		messages = append(messages, fromMessage(msg)...)
	}
	req := openai.ChatCompletionRequest{
		Model:            ir.Config.Model,
		Messages:         messages,
		Temperature:      float32(ir.Config.Temperature),
		TopP:             float32(ir.Config.TopP),
		FrequencyPenalty: float32(ir.Config.FrequencyPenalty),
		PresencePenalty:  float32(ir.Config.PresencePenalty),
		MaxTokens:        cmp.Or(ir.Config.MaxTokens, DefaultMaxTokens),
		Stream:           true,
		StreamOptions:    &openai.StreamOptions{IncludeUsage: true},
	}
	for _, t := range ir.Tools {
		req.Tools = append(req.Tools, fromToolSpec(t))
	}
	return req
}

func (p Provider) usage(u *openai.Usage) llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	in := uint64(u.PromptTokens)
	out := uint64(u.CompletionTokens)
	return llm.Usage{
		TokensIn:  in,
		TokensOut: out,
		CostUSD:   float64(in)*p.InputUSDPerMTok/1e6 + float64(out)*p.OutputUSDPerMTok/1e6,
	}
}

// Send implements llm.Service. It opens a completion stream and forwards
// text fragments as they arrive; tool calls are accumulated from argument
// deltas and emitted once complete.
func (s *Service) Send(ctx context.Context, ir *llm.Request) (<-chan llm.Event, error) {
	client, provider, err := s.client(ir.Config)
	if err != nil {
		return nil, err
	}
	stream, err := client.CreateChatCompletionStream(ctx, s.buildRequest(ir))
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}

	events := make(chan llm.Event, 16)
	go func() {
		defer close(events)
		defer stream.Close()
		relay(ctx, stream, provider, events)
	}()
	return events, nil
}

// partialCall accumulates a tool call from streamed deltas.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func relay(ctx context.Context, stream *openai.ChatCompletionStream, provider Provider, events chan<- llm.Event) {
	send := func(ev llm.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var calls []*partialCall
	var usage llm.Usage
	flushCalls := func() bool {
		for _, pc := range calls {
			args := pc.args.String()
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				if !send(llm.Event{Kind: llm.EventError, Err: fmt.Errorf("model produced malformed tool arguments for %q", pc.name)}) {
					return false
				}
				return false
			}
			ok := send(llm.Event{Kind: llm.EventToolCall, ToolCall: &llm.ToolCall{
				ID:    pc.id,
				Name:  pc.name,
				Input: json.RawMessage(args),
			}})
			if !ok {
				return false
			}
		}
		calls = nil
		return true
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flushCalls() {
				return
			}
			send(llm.Event{Kind: llm.EventDone, Usage: usage})
			return
		}
		if err != nil {
			slog.DebugContext(ctx, "completion stream failed", slog.String("error", err.Error()))
			send(llm.Event{Kind: llm.EventError, Err: err})
			return
		}
		if chunk.Usage != nil {
			usage = provider.usage(chunk.Usage)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			if !send(llm.Event{Kind: llm.EventTextFragment, Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := len(calls) - 1
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(calls) <= idx {
				calls = append(calls, &partialCall{})
			}
			pc := calls[idx]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
}
