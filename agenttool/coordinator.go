package agenttool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"
	"loom.dev/llm"
	"loom.dev/skribe"
)

const (
	// Handlers must return within this deadline.
	executeTimeout = 30 * time.Second

	// Concurrency of a read-only execute-many batch.
	executeManyWorkers = 4
)

// Coordinator dispatches tool calls to registered tools. It is safe
// for concurrent use.
type Coordinator struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

func NewCoordinator(tools ...*Tool) (*Coordinator, error) {
	c := &Coordinator{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, tool := range tools {
		if err := c.Register(tool); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds a tool. Registering a name twice fails.
func (c *Coordinator) Register(tool *Tool) error {
	name := tool.Spec.Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(tool.Spec.JSONSchema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	c.tools[name] = tool
	c.schemas[name] = schema
	c.order = append(c.order, name)
	return nil
}

func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, name)
	delete(c.schemas, name)
	c.order = slices.DeleteFunc(c.order, func(s string) bool { return s == name })
}

// Specs returns the registered tool specs in registration order, for
// inclusion in model prompts.
func (c *Coordinator) Specs() []llm.ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(c.order))
	for _, name := range c.order {
		specs = append(specs, c.tools[name].Spec)
	}
	return specs
}

func (c *Coordinator) lookup(name string) (*Tool, *jsonschema.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.tools[name]
	return tool, c.schemas[name], ok
}

// Execute runs one tool call. It never returns an error to the
// caller: unknown tools, invalid parameters, handler errors and
// panics all become failed Results.
func (c *Coordinator) Execute(ctx context.Context, call llm.ToolCall) Result {
	tool, schema, ok := c.lookup(call.Name)
	if !ok {
		return Result{OK: false, Err: "unknown tool: " + call.Name}
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return Failf(InvalidParameters, "parameters are not valid JSON: %v", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return Failf(InvalidParameters, "%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()
	ctx = skribe.ContextWithAttr(ctx, slog.String("tool", call.Name))

	start := time.Now()
	res, err := runGuarded(ctx, tool, input)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			res = Failf(Cancelled, "tool %s: %v", call.Name, ctx.Err())
		} else {
			res = Result{OK: false, Err: err.Error()}
		}
	}
	// Results can come from a handler cache; don't mutate shared maps.
	meta := make(map[string]any, len(res.Meta)+1)
	maps.Copy(meta, res.Meta)
	meta["elapsed_ms"] = elapsed.Milliseconds()
	res.Meta = meta

	slog.DebugContext(ctx, "tool executed",
		slog.Bool("success", res.OK),
		slog.Duration("elapsed", elapsed),
	)
	return res
}

func runGuarded(ctx context.Context, tool *Tool, input json.RawMessage) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "tool panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res, err = Result{}, fmt.Errorf("tool %s panicked: %v", tool.Spec.Name, r)
		}
	}()
	return tool.Run(ctx, input)
}

// ExecuteMany runs a batch of calls. Results match the order of
// calls. The batch runs concurrently only if every named tool is
// read-only; otherwise calls run sequentially in request order.
func (c *Coordinator) ExecuteMany(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))

	concurrent := len(calls) > 1
	for _, call := range calls {
		tool, _, ok := c.lookup(call.Name)
		if !ok || !tool.ReadOnly {
			concurrent = false
			break
		}
	}

	if !concurrent {
		for i, call := range calls {
			results[i] = c.Execute(ctx, call)
		}
		return results
	}

	g := new(errgroup.Group)
	g.SetLimit(executeManyWorkers)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = c.Execute(ctx, call)
			return nil
		})
	}
	g.Wait()
	return results
}
