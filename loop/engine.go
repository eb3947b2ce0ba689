// Package loop implements the task engine: the iterate-until-done
// conversation between the model and the tool coordinator.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/richardlehane/crock32"
	"loom.dev/agenttool"
	"loom.dev/compact"
	"loom.dev/llm"
	"loom.dev/repopath"
	"loom.dev/session"
	"loom.dev/skribe"
)

const (
	// Capacity of the engine→consumer event channel. A slow consumer
	// exerts backpressure on the engine; events are never dropped.
	eventChanCap = 64

	// DefaultMaxIterations is applied by the HTTP layer when a
	// request does not set max_iterations. At the engine level 0
	// means unbounded.
	DefaultMaxIterations = 999

	descriptionMaxLen = 100

	// Sent as the next user turn when the model produces neither text
	// nor tool calls, instead of ending the task on an empty response.
	emptyTurnNudge = "Please use a tool to continue the task, or state clearly that it is complete."
)

var (
	// ErrBusy rejects a run against a task that is already running.
	ErrBusy = errors.New("Busy: task is already running")

	// ErrNotFound marks a task absent from the index.
	ErrNotFound = errors.New("NotFound: no such task")
)

// Engine runs tasks. One engine serves many repositories but at most
// one active run per task.
type Engine struct {
	Service llm.Service
	Tools   *agenttool.Coordinator

	// SystemPrompt is sent with every model call.
	SystemPrompt string

	mu     sync.Mutex
	repos  map[string]*repoState
	active map[string]struct{}
}

type repoState struct {
	root  string
	store *session.Store
	index *session.Index
}

func NewEngine(service llm.Service, tools *agenttool.Coordinator) *Engine {
	return &Engine{
		Service: service,
		Tools:   tools,
		repos:   make(map[string]*repoState),
		active:  make(map[string]struct{}),
	}
}

// repo returns the per-repository state, creating and loading it on
// first use.
func (e *Engine) repo(repoRoot string) (*repoState, error) {
	root, err := repopath.Resolve(repoRoot, "")
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.repos[root]
	if ok {
		return rs, nil
	}
	rs = &repoState{
		root:  root,
		store: session.NewStore(root),
		index: session.NewIndex(root),
	}
	if err := rs.index.Load(); err != nil {
		return nil, err
	}
	e.repos[root] = rs
	return rs, nil
}

func (e *Engine) acquire(root, taskID string) error {
	key := root + "\x00" + taskID
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[key]; busy {
		return ErrBusy
	}
	e.active[key] = struct{}{}
	return nil
}

func (e *Engine) release(root, taskID string) {
	e.mu.Lock()
	delete(e.active, root+"\x00"+taskID)
	e.mu.Unlock()
}

// newRunID generates a short random id to distinguish runs in logs.
func newRunID() string {
	s := crock32.Encode(uint64(rand.Uint32()))
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s[:3] + "-" + s[3:]
}

// RunRequest describes one engine run.
type RunRequest struct {
	Message  string
	RepoRoot string
	// TaskID resumes an existing task when it is present in the
	// index; otherwise a fresh task is created.
	TaskID string
	Config llm.Config
}

// Run starts or resumes a task. The returned channel carries the
// event stream and is closed when the run terminates; `completion`
// and `error` are the terminal event types. Cancelling ctx stops the
// run after the in-flight tool or model call finishes.
func (e *Engine) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("InvalidParameters: message is empty")
	}
	if err := req.Config.Validate(); err != nil {
		return nil, fmt.Errorf("InvalidParameters: %w", err)
	}

	rs, err := e.repo(req.RepoRoot)
	if err != nil {
		return nil, err
	}

	taskID := req.TaskID
	isNew := false
	if taskID != "" {
		if _, ok := rs.index.Get(taskID); !ok {
			taskID = ""
		}
	}
	if taskID == "" {
		taskID = uuid.NewString()
		isNew = true
	}

	if err := e.acquire(rs.root, taskID); err != nil {
		return nil, err
	}

	events := make(chan Event, eventChanCap)
	go func() {
		defer close(events)
		defer e.release(rs.root, taskID)
		e.run(ctx, rs, taskID, isNew, req, events)
	}()
	return events, nil
}

// emit blocks until the event is consumed or ctx is cancelled.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTerminal delivers a stream-ending event. After cancellation the
// consumer may be gone, so it falls back to a non-blocking send into
// the channel buffer rather than blocking forever.
func emitTerminal(ctx context.Context, events chan<- Event, ev Event) {
	if emit(ctx, events, ev) {
		return
	}
	select {
	case events <- ev:
	default:
	}
}

func truncateDescription(s string) string {
	runes := []rune(s)
	if len(runes) <= descriptionMaxLen {
		return s
	}
	return string(runes[:descriptionMaxLen])
}

func (e *Engine) run(ctx context.Context, rs *repoState, taskID string, isNew bool, req RunRequest, events chan<- Event) {
	ctx = skribe.ContextWithAttr(ctx,
		slog.String("task_id", taskID),
		slog.String("run_id", newRunID()),
	)
	ctx = agenttool.WithRepo(ctx, rs.root)

	var history []session.Message
	if !isNew {
		var err error
		history, err = rs.store.Load(taskID)
		if err != nil {
			emit(ctx, events, errorEvent(err.Error()))
			return
		}
	}
	seed := session.TaskRecord{
		Provider:       req.Config.Provider,
		Model:          req.Config.Model,
		RepositoryPath: rs.root,
	}
	if isNew {
		seed.Description = truncateDescription(req.Message)
	}
	rs.index.Upsert(taskID, seed)

	if !emit(ctx, events, taskStartedEvent(taskID, isNew)) {
		return
	}

	history = append(history, session.NewMessage(llm.UserMessage(req.Message)))

	compactor := &compact.Compactor{
		Budget:    req.Config.MaxContextTokens,
		Summarize: e.summarizer(req.Config),
	}

	var (
		totalUsage   llm.Usage
		finalContent string
		iteration    int
		finished     bool
		failure      string
	)

	maxIterations := req.Config.MaxIterations
	for i := 1; maxIterations == 0 || i <= maxIterations; i++ {
		iteration = i
		history = compactor.Compact(ctx, history)

		if !emit(ctx, events, Event{Type: TypeAPIRequestStarted, Iteration: i, MessageCount: len(history)}) {
			failure = "cancelled"
			break
		}

		ictx := skribe.ContextWithAttr(ctx, slog.String("request_id", ulid.Make().String()))
		resp, err := e.send(ictx, req.Config, history, events, i)
		if err != nil {
			if ctx.Err() != nil {
				failure = "cancelled"
			} else {
				failure = "ModelFailure: " + err.Error()
			}
			break
		}
		totalUsage.Add(resp.Usage)
		slog.InfoContext(ictx, "model turn", slog.Int("iteration", i), slog.Int("tool_calls", len(resp.ToolCalls)), resp.Usage.Attr())

		history = append(history, session.NewMessage(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}))

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) == "" {
				// A degenerate empty turn; keep iterating.
				history = append(history, session.NewMessage(llm.UserMessage(emptyTurnNudge)))
				continue
			}
			finalContent = resp.Content
			finished = true
			break
		}

		if !emit(ctx, events, Event{Type: TypeToolCallsDetected, ToolCalls: resp.ToolCalls, Iteration: i}) {
			failure = "cancelled"
			break
		}

		results, ok := e.dispatch(ctx, resp.ToolCalls, events)
		for j, call := range resp.ToolCalls {
			if j >= len(results) {
				break
			}
			history = append(history, session.NewMessage(llm.ToolResultMessage(call.ID, results[j].Text())))
			if call.Name == agenttool.AttemptCompletionName && results[j].OK {
				if s, isStr := results[j].Data.(string); isStr {
					finalContent = s
				}
				finished = true
			}
		}
		if !ok {
			failure = "cancelled"
			break
		}
		if finished {
			break
		}
	}

	if !finished && failure == "" {
		if ctx.Err() != nil {
			failure = "cancelled"
		} else {
			failure = "iteration budget exhausted"
		}
	}

	if err := e.finalize(rs, taskID, history, totalUsage); err != nil {
		slog.ErrorContext(ctx, "persistence failed", slog.String("error", err.Error()))
		emitTerminal(ctx, events, errorEvent("IOError: "+err.Error()))
		return
	}

	if failure != "" {
		emitTerminal(ctx, events, errorEvent(failure))
		return
	}
	emitTerminal(ctx, events, Event{Type: TypeCompletion, Content: finalContent, Iteration: iteration})
}

// send runs one model call, forwarding text fragments to the event
// stream as they arrive and assembling the final response.
func (e *Engine) send(ctx context.Context, cfg llm.Config, history []session.Message, events chan<- Event, iteration int) (*llm.Response, error) {
	messages := make([]llm.Message, len(history))
	for i, m := range history {
		messages[i] = m.LLM()
	}

	stream, err := e.Service.Send(ctx, &llm.Request{
		Messages: messages,
		Tools:    e.Tools.Specs(),
		System:   e.SystemPrompt,
		Config:   cfg,
	})
	if err != nil {
		return nil, err
	}

	resp := &llm.Response{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, open := <-stream:
			if !open {
				return resp, nil
			}
			switch ev.Kind {
			case llm.EventTextFragment:
				resp.Content += ev.Text
				if !emit(ctx, events, Event{Type: TypeAPIResponse, Content: ev.Text, Iteration: iteration}) {
					return nil, ctx.Err()
				}
			case llm.EventToolCall:
				resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
			case llm.EventDone:
				resp.Usage = ev.Usage
			case llm.EventError:
				return nil, ev.Err
			}
		}
	}
}

// dispatch executes a batch of tool calls, emitting the start and
// completion event of each. Results match the order of calls. The
// second return value is false if the event stream was cancelled.
func (e *Engine) dispatch(ctx context.Context, calls []llm.ToolCall, events chan<- Event) ([]agenttool.Result, bool) {
	batch := len(calls) > 1
	if batch {
		for _, call := range calls {
			if !emit(ctx, events, Event{Type: TypeToolExecutionStarted, ToolName: call.Name}) {
				return nil, false
			}
		}
		results := e.Tools.ExecuteMany(ctx, calls)
		for i, call := range calls {
			if !emit(ctx, events, Event{Type: TypeToolExecutionCompleted, ToolName: call.Name, Result: &results[i]}) {
				return results, false
			}
		}
		return results, true
	}

	results := make([]agenttool.Result, 0, len(calls))
	for _, call := range calls {
		if !emit(ctx, events, Event{Type: TypeToolExecutionStarted, ToolName: call.Name}) {
			return results, false
		}
		res := e.Tools.Execute(ctx, call)
		results = append(results, res)
		if !emit(ctx, events, Event{Type: TypeToolExecutionCompleted, ToolName: call.Name, Result: &res}) {
			return results, false
		}
	}
	return results, true
}

// finalize persists history, refreshes the index row counters and
// saves the index. Best effort on every terminal path.
func (e *Engine) finalize(rs *repoState, taskID string, history []session.Message, usage llm.Usage) error {
	prev, _ := rs.index.Get(taskID)

	rec := prev
	rec.ID = taskID
	if err := rs.store.Save(taskID, history, rec); err != nil {
		return err
	}

	size := rs.store.SizeBytes(taskID)
	tokensIn := prev.TokensIn + usage.TokensIn
	tokensOut := prev.TokensOut + usage.TokensOut
	if usage.IsZero() {
		// No adapter-reported usage; fall back to the directory size
		// split in half.
		half := uint64(size) / 2
		tokensIn, tokensOut = half, half
	}

	rec = rs.index.Upsert(taskID, session.TaskRecord{
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		TotalCost: prev.TotalCost + usage.CostUSD,
		SizeBytes: size,
	})
	if err := rs.index.Save(); err != nil {
		return err
	}
	// Refresh the per-task metadata hint with the final counters.
	return rs.store.Save(taskID, history, rec)
}

// summarizer asks the model for a replacement summary of dropped
// messages during compaction.
func (e *Engine) summarizer(cfg llm.Config) compact.Summarizer {
	if e.Service == nil {
		return nil
	}
	return func(ctx context.Context, dropped []session.Message) (string, error) {
		var b strings.Builder
		b.WriteString("Summarize the following conversation excerpt in a few sentences. Keep file names, decisions and open problems:\n\n")
		for _, m := range dropped {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncateDescription(m.Content))
		}

		stream, err := e.Service.Send(ctx, &llm.Request{
			Messages: []llm.Message{llm.UserMessage(b.String())},
			Config:   cfg,
		})
		if err != nil {
			return "", err
		}
		resp, err := llm.Collect(ctx, stream)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}
