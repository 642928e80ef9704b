package sleep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/agentrelay/types"
)

// ToolName is the name agents use to call the sleep tool.
const ToolName = "sleep"

// ToolArgs are the sleep tool arguments.
type ToolArgs struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
}

const toolDescription = "Go dormant until a wake time. Synchronous questions from other agents still wake you early; " +
	"delegated work waits until you wake."

// toolSchemaFormat takes the minimum and maximum minutes.
const toolSchemaFormat = `{
  "type": "object",
  "properties": {
    "minutes": {"type": "integer", "minimum": %d, "maximum": %d, "description": "How long to sleep, in minutes."},
    "reason": {"type": "string", "description": "Why you are sleeping; shown to agents that contact you."}
  },
  "required": ["minutes", "reason"]
}`

// ToolDefinition describes the sleep tool.
func (s *Scheduler) ToolDefinition() types.ToolSchema {
	return types.ToolSchema{
		Name:        ToolName,
		Description: toolDescription,
		Parameters:  json.RawMessage(fmt.Sprintf(toolSchemaFormat, s.cfg.MinMinutes, s.cfg.MaxMinutes)),
	}
}

// HandleTool runs the sleep tool for call.CallerID.
func (s *Scheduler) HandleTool(ctx context.Context, call types.ToolCall) (string, error) {
	var args ToolArgs
	if err := call.DecodeArguments(&args); err != nil {
		return "", err
	}
	until, err := s.Sleep(ctx, call.CallerID, args.Minutes, args.Reason)
	if errors.Is(err, ErrInvalidDuration) {
		return fmt.Sprintf("Sleep duration must be between %d and %d minutes.", s.cfg.MinMinutes, s.cfg.MaxMinutes), nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("You are now sleeping until %s. Reason: %s", until.UTC().Format("2006-01-02 15:04 UTC"), args.Reason), nil
}
