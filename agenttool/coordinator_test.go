package agenttool

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"

	"loom.dev/llm"
)

func testTool(name string, readOnly bool, run func(ctx context.Context, input json.RawMessage) (Result, error)) *Tool {
	return &Tool{
		Spec: llm.ToolSpec{
			Name:        name,
			Description: "test tool",
			Params: []llm.Param{
				{Name: "value", Type: llm.ParamString, Required: true, Description: "a value"},
			},
		},
		ReadOnly: readOnly,
		Run:      run,
	}
}

func echoTool(name string, readOnly bool) *Tool {
	return testTool(name, readOnly, func(ctx context.Context, input json.RawMessage) (Result, error) {
		var req struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return Result{}, err
		}
		return Result{OK: true, Data: req.Value}, nil
	})
}

func TestCoordinatorRegisterTwice(t *testing.T) {
	c, err := NewCoordinator(echoTool("echo", true))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Register(echoTool("echo", true)); err == nil {
		t.Fatal("expected error registering the same name twice")
	}
}

func TestCoordinatorSpecsOrdered(t *testing.T) {
	c, err := NewCoordinator(echoTool("bravo", true), echoTool("alpha", true), echoTool("charlie", true))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, spec := range c.Specs() {
		names = append(names, spec.Name)
	}
	want := "bravo,alpha,charlie"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCoordinatorUnknownTool(t *testing.T) {
	c, err := NewCoordinator()
	if err != nil {
		t.Fatal(err)
	}
	res := c.Execute(context.Background(), llm.ToolCall{Name: "nope", Input: json.RawMessage(`{}`)})
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Err, "unknown tool") {
		t.Fatalf("got error %q, want it to mention unknown tool", res.Err)
	}
}

func TestCoordinatorValidatesParameters(t *testing.T) {
	c, err := NewCoordinator(echoTool("echo", true))
	if err != nil {
		t.Fatal(err)
	}

	// Missing required parameter.
	res := c.Execute(context.Background(), llm.ToolCall{Name: "echo", Input: json.RawMessage(`{}`)})
	if res.OK || !strings.Contains(res.Err, "InvalidParameters") {
		t.Fatalf("missing param: got %+v, want InvalidParameters failure", res)
	}

	// Wrong type.
	res = c.Execute(context.Background(), llm.ToolCall{Name: "echo", Input: json.RawMessage(`{"value": 42}`)})
	if res.OK || !strings.Contains(res.Err, "InvalidParameters") {
		t.Fatalf("wrong type: got %+v, want InvalidParameters failure", res)
	}

	// Unknown extra parameter.
	res = c.Execute(context.Background(), llm.ToolCall{Name: "echo", Input: json.RawMessage(`{"value": "x", "bogus": true}`)})
	if res.OK || !strings.Contains(res.Err, "InvalidParameters") {
		t.Fatalf("extra param: got %+v, want InvalidParameters failure", res)
	}
}

func TestCoordinatorCoercesPanic(t *testing.T) {
	boom := testTool("boom", true, func(ctx context.Context, input json.RawMessage) (Result, error) {
		panic("kaboom")
	})
	c, err := NewCoordinator(boom)
	if err != nil {
		t.Fatal(err)
	}

	res := c.Execute(context.Background(), llm.ToolCall{Name: "boom", Input: json.RawMessage(`{"value":"x"}`)})
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Err, "panicked") {
		t.Fatalf("got error %q, want it to mention the panic", res.Err)
	}
}

func TestExecuteManyOrder(t *testing.T) {
	c, err := NewCoordinator(echoTool("echo", true))
	if err != nil {
		t.Fatal(err)
	}

	calls := []llm.ToolCall{
		{Name: "echo", Input: json.RawMessage(`{"value":"one"}`)},
		{Name: "echo", Input: json.RawMessage(`{"value":"two"}`)},
		{Name: "echo", Input: json.RawMessage(`{"value":"three"}`)},
	}
	results := c.ExecuteMany(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"one", "two", "three"} {
		if results[i].Data != want {
			t.Errorf("results[%d].Data = %v, want %q", i, results[i].Data, want)
		}
	}
}

func TestExecuteManySequentialWhenNotReadOnly(t *testing.T) {
	var active, maxActive atomic.Int32
	track := func(ctx context.Context, input json.RawMessage) (Result, error) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		return Result{OK: true}, nil
	}
	c, err := NewCoordinator(testTool("mutate", false, track))
	if err != nil {
		t.Fatal(err)
	}

	calls := make([]llm.ToolCall, 8)
	for i := range calls {
		calls[i] = llm.ToolCall{Name: "mutate", Input: json.RawMessage(`{"value":"x"}`)}
	}
	c.ExecuteMany(context.Background(), calls)
	if got := maxActive.Load(); got != 1 {
		t.Fatalf("max concurrency %d, want 1 for a non-read-only batch", got)
	}
}

func TestResultText(t *testing.T) {
	if got := (Result{OK: true, Data: "plain"}).Text(); got != "plain" {
		t.Errorf("got %q", got)
	}
	if got := (Result{OK: false, Err: "NotFound: nope"}).Text(); got != "Error: NotFound: nope" {
		t.Errorf("got %q", got)
	}
	got := (Result{OK: true, Data: map[string]any{"n": 1}}).Text()
	if !strings.Contains(got, `"n": 1`) {
		t.Errorf("got %q, want JSON rendering", got)
	}
}
