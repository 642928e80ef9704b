package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCall_DecodeArguments(t *testing.T) {
	var out struct {
		Minutes int `json:"minutes"`
	}

	call := ToolCall{Name: "sleep", Arguments: json.RawMessage(`{"minutes":5}`)}
	require.NoError(t, call.DecodeArguments(&out))
	assert.Equal(t, 5, out.Minutes)

	err := ToolCall{Name: "sleep"}.DecodeArguments(&out)
	assert.True(t, IsErrorCode(err, ErrInvalidRequest))

	err = ToolCall{Arguments: json.RawMessage(`{`)}.DecodeArguments(&out)
	assert.True(t, IsErrorCode(err, ErrInvalidRequest))
}

func TestToolCall_ArgumentMap(t *testing.T) {
	call := ToolCall{Arguments: json.RawMessage(`{"a":"b"}`)}
	assert.Equal(t, map[string]any{"a": "b"}, call.ArgumentMap())
	assert.Empty(t, ToolCall{}.ArgumentMap())
}
