package hachimi

import (
	"encoding/json"
	"time"
)

// --- LLM protocol types ---

// ChatMessage is a single message in a model conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest carries the messages and tool schemas for one model call.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the model's reply: final text, tool calls, or both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition is the schema handed to the model for one tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Tool catalog types ---

// ToolDescriptor identifies one remote tool in the registry's catalog.
// QualifiedName is globally unique: it equals RawName when that name is
// unique process-wide, and "server:rawName" for every tool involved in
// a cross-server name collision.
type ToolDescriptor struct {
	QualifiedName string          `json:"qualified_name"`
	RawName       string          `json:"raw_name"`
	Server        string          `json:"server"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	Embedding     []float32       `json:"-"`
}

// Definition converts the descriptor into the schema form the model sees.
// The model addresses tools by QualifiedName so the router can dispatch.
func (d ToolDescriptor) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        d.QualifiedName,
		Description: d.Description,
		Parameters:  d.InputSchema,
	}
}

// PromptDescriptor identifies one remote prompt template.
type PromptDescriptor struct {
	Name        string            `json:"name"`
	Server      string            `json:"server"`
	Description string            `json:"description"`
	Arguments   map[string]string `json:"arguments,omitempty"`
}

// --- Conversation types ---

// Message is one entry in the conversation window.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Chat converts a window message to the model wire form.
func (m Message) Chat() ChatMessage {
	return ChatMessage{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID}
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
