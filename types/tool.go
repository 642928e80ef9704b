package types

import (
	"encoding/json"
)

// ToolSchema defines a tool's interface for LLM function calling.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is one invocation of a tool by an agent.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	CallerID  string          `json:"caller_id"`
	ChannelID string          `json:"channel_id,omitempty"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeArguments unmarshals the call arguments into v.
func (c ToolCall) DecodeArguments(v any) error {
	if len(c.Arguments) == 0 {
		return NewError(ErrInvalidRequest, "missing tool arguments")
	}
	if err := json.Unmarshal(c.Arguments, v); err != nil {
		return NewError(ErrInvalidRequest, "invalid tool arguments").WithCause(err)
	}
	return nil
}

// ArgumentMap returns the arguments as a generic map.
func (c ToolCall) ArgumentMap() map[string]any {
	m := map[string]any{}
	if len(c.Arguments) > 0 {
		_ = json.Unmarshal(c.Arguments, &m)
	}
	return m
}
