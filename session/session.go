// Package session persists task conversations and the aggregate task
// index under {repo_root}/.ai/.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"loom.dev/llm"
)

const (
	aiDirName      = ".ai"
	tasksDirName   = "tasks"
	historyDirName = "history"

	apiHistoryFile   = "api_conversation_history.json"
	uiMessagesFile   = "ui_messages.json"
	taskMetadataFile = "task_metadata.json"
	taskHistoryFile  = "task_history.json"
)

// ErrCorrupt marks on-disk JSON that could not be parsed. The file is
// left untouched.
var ErrCorrupt = errors.New("Corrupt")

// Message is one persisted conversation entry, in model-facing form.
type Message struct {
	Role      llm.Role       `json:"role"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Timestamp float64        `json:"ts"`
}

// NewMessage wraps an llm.Message with the current timestamp.
func NewMessage(msg llm.Message) Message {
	return Message{
		Role:      msg.Role,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		CallID:    msg.CallID,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// LLM strips the persistence fields back off.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:      m.Role,
		Content:   m.Content,
		ToolCalls: m.ToolCalls,
		CallID:    m.CallID,
	}
}

// uiMessage is the client-facing rendering of a Message. The two
// files are written in lockstep from the same in-memory list.
type uiMessage struct {
	Role      llm.Role `json:"role"`
	Text      string   `json:"text"`
	ToolNames []string `json:"tool_names,omitempty"`
	CallID    string   `json:"call_id,omitempty"`
	Timestamp float64  `json:"ts"`
}

func toUIMessage(m Message) uiMessage {
	ui := uiMessage{
		Role:      m.Role,
		Text:      m.Content,
		CallID:    m.CallID,
		Timestamp: m.Timestamp,
	}
	for _, tc := range m.ToolCalls {
		ui.ToolNames = append(ui.ToolNames, tc.Name)
	}
	return ui
}

// Store reads and writes per-task conversation files. Writes to the
// same task are serialized by a per-task mutex.
type Store struct {
	root string

	mu    sync.Mutex
	tasks map[string]*sync.Mutex
}

func NewStore(repoRoot string) *Store {
	return &Store{
		root:  repoRoot,
		tasks: make(map[string]*sync.Mutex),
	}
}

// Dir returns the directory holding a task's files.
func (s *Store) Dir(taskID string) string {
	return filepath.Join(s.root, aiDirName, tasksDirName, taskID)
}

func (s *Store) taskLock(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.tasks[taskID]
	if !ok {
		mu = &sync.Mutex{}
		s.tasks[taskID] = mu
	}
	return mu
}

// Load reads a task's message history. A missing file is an empty
// history, not an error. Unparseable JSON fails with ErrCorrupt and
// the file is preserved.
func (s *Store) Load(taskID string) ([]Message, error) {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(s.Dir(taskID), apiHistoryFile)
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// The model-facing file can be missing while the UI rendering
		// survived a partial save; recover what we can from it.
		return s.loadFromUI(taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var messages []Message
	if err := json.Unmarshal(buf, &messages); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return messages, nil
}

func (s *Store) loadFromUI(taskID string) ([]Message, error) {
	path := filepath.Join(s.Dir(taskID), uiMessagesFile)
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var ui []uiMessage
	if err := json.Unmarshal(buf, &ui); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	messages := make([]Message, 0, len(ui))
	for _, m := range ui {
		messages = append(messages, Message{
			Role:      m.Role,
			Content:   m.Text,
			CallID:    m.CallID,
			Timestamp: m.Timestamp,
		})
	}
	return messages, nil
}

// Save atomically writes both message files and the task metadata.
// Each file is written via temp-then-rename; metadata last. Saving
// the same state twice is a no-op from the reader's perspective.
func (s *Store) Save(taskID string, messages []Message, meta TaskRecord) error {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.Dir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task directory: %w", err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, apiHistoryFile), messages); err != nil {
		return err
	}

	ui := make([]uiMessage, 0, len(messages))
	for _, m := range messages {
		ui = append(ui, toUIMessage(m))
	}
	if err := writeJSONAtomic(filepath.Join(dir, uiMessagesFile), ui); err != nil {
		return err
	}

	return writeJSONAtomic(filepath.Join(dir, taskMetadataFile), meta)
}

// Delete removes the task directory recursively. A missing directory
// is a success.
func (s *Store) Delete(taskID string) error {
	mu := s.taskLock(taskID)
	mu.Lock()
	defer mu.Unlock()

	if err := os.RemoveAll(s.Dir(taskID)); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}

	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
	return nil
}

// SizeBytes sums the sizes of the task's conversation files.
func (s *Store) SizeBytes(taskID string) int64 {
	var total int64
	entries, err := os.ReadDir(s.Dir(taskID))
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil {
			total += info.Size()
		}
	}
	return total
}

// writeJSONAtomic marshals v and writes it via a temp file in the
// same directory followed by a rename. Output is newline-terminated.
func writeJSONAtomic(path string, v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	buf = append(buf, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("IOError: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("IOError: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("IOError: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("IOError: rename %s: %w", path, err)
	}
	return nil
}
