package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/agentrelay/agent/dispatch"
	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// ToolName is the name agents use to call the contact tool.
const ToolName = "contact_agent"

// JobKindApprovedContact replays a contact request after its approval.
const JobKindApprovedContact = "delegation.approved_contact"

// ToolArgs are the contact tool arguments. They are also what an approval
// request records, so an approved request can be replayed.
type ToolArgs struct {
	TargetID         string `json:"target_id"`
	Action           string `json:"action"`
	Message          string `json:"message"`
	Context          string `json:"context,omitempty"`
	Priority         string `json:"priority,omitempty"`
	ContextChannelID string `json:"context_channel_id,omitempty"`
}

// Request converts the arguments to a Request.
func (a ToolArgs) Request() Request {
	return Request{
		TargetID:         a.TargetID,
		Action:           ParseAction(a.Action),
		Message:          a.Message,
		Context:          a.Context,
		Priority:         a.Priority,
		ContextChannelID: a.ContextChannelID,
	}
}

func argsFromRequest(req Request) ToolArgs {
	return ToolArgs{
		TargetID:         req.TargetID,
		Action:           req.Action.String(),
		Message:          req.Message,
		Context:          req.Context,
		Priority:         req.Priority,
		ContextChannelID: req.ContextChannelID,
	}
}

const toolDescription = "Contact another agent. ask: get a direct answer now (blocks, bounded by a timeout and nesting depth). " +
	"delegate: hand off work; the result arrives later as a completed task. notify: send information, no reply expected."

var toolSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "target_id": {"type": "string", "description": "ID of the agent to contact."},
    "action": {"type": "string", "enum": ["ask", "delegate", "notify"]},
    "message": {"type": "string", "description": "What you want to say or ask."},
    "context": {"type": "string", "description": "Optional background for the target."},
    "priority": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
    "context_channel_id": {"type": "string", "description": "Optional channel the target should consider."}
  },
  "required": ["target_id", "action", "message"]
}`)

// ToolDefinition describes the contact tool.
func ToolDefinition() types.ToolSchema {
	return types.ToolSchema{
		Name:        ToolName,
		Description: toolDescription,
		Parameters:  toolSchema,
	}
}

// HandleTool runs the contact tool for call.CallerID and returns the text
// handed back to the agent.
func (o *Orchestrator) HandleTool(ctx context.Context, call types.ToolCall) (string, error) {
	var args ToolArgs
	if err := call.DecodeArguments(&args); err != nil {
		return "", err
	}
	out, err := o.HandleContact(ctx, call.CallerID, args.Request())
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// ContactTool exposes the orchestrator as a tool action.
type ContactTool struct {
	o *Orchestrator
}

// Tool returns the contact tool action.
func (o *Orchestrator) Tool() *ContactTool {
	return &ContactTool{o: o}
}

func (t *ContactTool) Name() string            { return ToolName }
func (t *ContactTool) Description() string     { return toolDescription }
func (t *ContactTool) Schema() json.RawMessage { return toolSchema }

func (t *ContactTool) Handle(ctx context.Context, call types.ToolCall) (string, error) {
	return t.o.HandleTool(ctx, call)
}

var _ hitl.Action = (*ContactTool)(nil)

func (o *Orchestrator) requestApproval(ctx context.Context, caller, target *roster.Agent, req Request) (*Outcome, error) {
	params, err := toParameters(argsFromRequest(req))
	if err != nil {
		return nil, err
	}
	pending, err := o.gate.Request(ctx, hitl.RequestOptions{
		Type:        hitl.RequestTypeAgentContact,
		Title:       fmt.Sprintf("%s wants to %s %s", caller.DisplayName(), req.Action, target.DisplayName()),
		Description: req.Message,
		RequesterID: caller.ID,
		ChannelID:   req.ContextChannelID,
		Tool:        ToolName,
		Parameters:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}
	o.metrics.RecordApproval(string(hitl.StatusPending))
	return &Outcome{
		Code:       types.ErrApprovalPending,
		Text:       pending.Text,
		ApprovalID: pending.Request.ID,
		Paused:     pending.Paused,
	}, nil
}

func (o *Orchestrator) onApprovalResolved(ctx context.Context, req *hitl.ApprovalRequest) error {
	o.metrics.RecordApproval(string(req.Status))
	if req.Status != hitl.StatusApproved || req.ToolExecutionContext.Tool != ToolName {
		return nil
	}
	job, err := dispatch.NewJob(JobKindApprovedContact, approvedContactPayload{ApprovalID: req.ID})
	if err != nil {
		return err
	}
	_, err = o.dispatcher.Enqueue(ctx, job, o.now())
	return err
}

type approvedContactPayload struct {
	ApprovalID string `json:"approval_id"`
}

// ReplayApproved runs the contact request recorded in an approved request,
// skipping the approval check that created it.
func (o *Orchestrator) ReplayApproved(ctx context.Context, approvalID string) (*Outcome, error) {
	req, err := o.gate.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status != hitl.StatusApproved {
		return nil, fmt.Errorf("approval %s is %s", req.ID, req.Status)
	}
	ec := req.ToolExecutionContext
	if ec.Tool != ToolName {
		return nil, fmt.Errorf("approval %s is for %s", req.ID, ec.Tool)
	}
	var args ToolArgs
	if err := fromParameters(ec.Parameters, &args); err != nil {
		return nil, err
	}
	if ec.TaskID != "" {
		ctx = types.WithCurrentTaskID(ctx, ec.TaskID)
	}
	return o.handleContact(ctx, ec.CallerID, args.Request(), true)
}

func (o *Orchestrator) handleApprovedContactJob(ctx context.Context, job *dispatch.Job) error {
	var p approvedContactPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode approved contact payload: %w", err)
	}
	out, err := o.ReplayApproved(ctx, p.ApprovalID)
	if errors.Is(err, hitl.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.Info("approved contact replayed",
		zap.String("approval_id", p.ApprovalID),
		zap.String("code", string(out.Code)),
		zap.String("task_id", out.TaskID),
	)
	return nil
}

func toParameters(args ToolArgs) (map[string]any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode contact parameters: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode contact parameters: %w", err)
	}
	return m, nil
}

func fromParameters(params map[string]any, args *ToolArgs) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("decode contact parameters: %w", err)
	}
	return json.Unmarshal(data, args)
}
