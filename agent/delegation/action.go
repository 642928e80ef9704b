package delegation

import (
	"fmt"
	"strings"

	"github.com/BaSui01/agentrelay/types"
)

// Action is the kind of contact. The zero value is invalid.
type Action int

const (
	ActionAsk Action = iota + 1
	ActionDelegate
	ActionNotify
)

// ParseAction maps a name to an Action. Unknown names return the zero Action.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ask":
		return ActionAsk
	case "delegate":
		return ActionDelegate
	case "notify":
		return ActionNotify
	default:
		return 0
	}
}

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	return a >= ActionAsk && a <= ActionNotify
}

func (a Action) String() string {
	switch a {
	case ActionAsk:
		return "ask"
	case ActionDelegate:
		return "delegate"
	case ActionNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to
// the zero Action so that validation can report them as a contact outcome.
func (a *Action) UnmarshalText(text []byte) error {
	*a = ParseAction(string(text))
	return nil
}

// Request is a contact request from one agent to another.
type Request struct {
	TargetID string
	Action   Action
	Message  string
	// Context is optional free text shown with the message.
	Context  string
	Priority string
	// ContextChannelID optionally references a channel the caller wants the
	// target to consider. The caller must be able to read it.
	ContextChannelID string
}

// Outcome is the caller-facing result of a contact request. Business-rule
// failures are outcomes with a Code, never Go errors.
type Outcome struct {
	Code       types.ErrorCode `json:"code,omitempty"`
	Text       string          `json:"text"`
	TaskID     string          `json:"task_id,omitempty"`
	ChannelID  string          `json:"channel_id,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Paused     bool            `json:"paused,omitempty"`
}

// OK reports whether the request went through.
func (o *Outcome) OK() bool {
	return o.Code == ""
}

func failure(code types.ErrorCode, format string, args ...any) *Outcome {
	return &Outcome{Code: code, Text: fmt.Sprintf(format, args...)}
}
