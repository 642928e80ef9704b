package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/calldepth"
	"github.com/BaSui01/agentrelay/agent/comms"
	"github.com/BaSui01/agentrelay/agent/dispatch"
	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/permission"
	"github.com/BaSui01/agentrelay/agent/reasoning"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/agent/sleep"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config tunes the orchestrator.
type Config struct {
	MaxDepth        int
	AskTimeout      time.Duration
	DelegateTimeout time.Duration
	// WakeOnPriority lists delegate priorities that wake a sleeping target
	// immediately instead of waiting for its wake time.
	WakeOnPriority []ledger.Priority
}

// DefaultConfig returns depth 3, a 120s ask timeout and a 30m delegated task
// timeout.
func DefaultConfig() Config {
	return Config{
		MaxDepth:        calldepth.DefaultMaxDepth,
		AskTimeout:      120 * time.Second,
		DelegateTimeout: 30 * time.Minute,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Agents     roster.Store
	Ledger     *ledger.Ledger
	Channels   comms.Resolver
	Oracle     permission.Oracle
	Gate       *hitl.Gate
	Sleep      *sleep.Scheduler
	Dispatcher dispatch.Dispatcher
	Entrypoint reasoning.Entrypoint
	Metrics    *metrics.Collector
	// Meter 为空时取全局 MeterProvider
	Meter metric.Meter
}

// Orchestrator routes contact requests between agents.
type Orchestrator struct {
	agents     roster.Store
	ledger     *ledger.Ledger
	channels   comms.Resolver
	oracle     permission.Oracle
	gate       *hitl.Gate
	sleep      *sleep.Scheduler
	dispatcher dispatch.Dispatcher
	entrypoint reasoning.Entrypoint
	metrics    *metrics.Collector
	otelm      *instruments

	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an orchestrator, registers its job handlers on the dispatcher
// and subscribes to approval decisions.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = def.AskTimeout
	}
	if cfg.DelegateTimeout <= 0 {
		cfg.DelegateTimeout = def.DelegateTimeout
	}

	o := &Orchestrator{
		agents:     deps.Agents,
		ledger:     deps.Ledger,
		channels:   deps.Channels,
		oracle:     deps.Oracle,
		gate:       deps.Gate,
		sleep:      deps.Sleep,
		dispatcher: deps.Dispatcher,
		entrypoint: deps.Entrypoint,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "delegation")),
		tracer:     otel.Tracer("agentrelay/delegation"),
		now:        time.Now,
	}
	otelm, err := newInstruments(deps.Meter)
	if err != nil {
		o.logger.Warn("otel instruments unavailable", zap.Error(err))
	}
	o.otelm = otelm

	o.dispatcher.Register(JobKindDelegatedTask, o.handleDelegatedTaskJob)
	o.dispatcher.Register(JobKindApprovedContact, o.handleApprovedContactJob)
	o.gate.OnResolved(o.onApprovalResolved)
	return o
}

// HandleContact validates and executes a contact request from callerID.
//
// Validation failures, permission denials, pending approvals, offline
// targets, exceeded depth and ask timeouts come back as an Outcome. Only
// unexpected failures are returned as errors; for an ask whose target
// failed, the task is marked failed first.
func (o *Orchestrator) HandleContact(ctx context.Context, callerID string, req Request) (*Outcome, error) {
	return o.handleContact(ctx, callerID, req, false)
}

func (o *Orchestrator) handleContact(ctx context.Context, callerID string, req Request, approved bool) (out *Outcome, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "delegation.contact",
		trace.WithAttributes(
			attribute.String("caller.id", callerID),
			attribute.String("target.id", req.TargetID),
			attribute.String("action", req.Action.String()),
		))
	defer func() {
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.metrics.RecordContact(req.Action.String(), "error")
			o.otelm.recordContact(ctx, req.Action.String(), "error")
		case out != nil:
			label := "ok"
			if !out.OK() {
				label = string(out.Code)
			}
			span.SetAttributes(attribute.String("outcome", label))
			o.metrics.RecordContact(req.Action.String(), label)
			o.otelm.recordContact(ctx, req.Action.String(), label)
		}
		span.End()
	}()

	log := o.logger.With(
		zap.String("caller_id", callerID),
		zap.String("target_id", req.TargetID),
		zap.String("action", req.Action.String()),
	)

	// 1. action
	if !req.Action.Valid() {
		return failure(types.ErrInvalidAction,
			"Invalid action. Use one of: ask, delegate, notify."), nil
	}

	// 2. self-contact
	if req.TargetID == callerID {
		return failure(types.ErrSelfContact, "You cannot contact yourself."), nil
	}

	caller, err := o.agents.Get(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("load caller %s: %w", callerID, err)
	}

	// 3. target exists and is an agent
	target, err := o.agents.Get(ctx, req.TargetID)
	if errors.Is(err, roster.ErrNotFound) {
		return failure(types.ErrAgentNotFound, "Agent %q was not found.", req.TargetID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load target %s: %w", req.TargetID, err)
	}
	if !target.IsAgent() {
		return failure(types.ErrAgentNotFound, "%q is not an agent.", req.TargetID), nil
	}

	// 4. context channel access
	if req.ContextChannelID != "" {
		ok, err := o.oracle.CanAccessChannel(ctx, callerID, req.ContextChannelID)
		if err != nil {
			return nil, fmt.Errorf("check channel access: %w", err)
		}
		if !ok {
			return failure(types.ErrPermissionDenied,
				"You do not have access to channel %s.", req.ContextChannelID), nil
		}
	}

	// 5. permission
	decision, err := o.oracle.CanContactAgent(ctx, callerID, target.ID)
	if err != nil {
		return nil, fmt.Errorf("check contact permission: %w", err)
	}
	if !decision.Allowed {
		log.Info("contact denied", zap.String("reason", decision.Reason))
		return failure(types.ErrPermissionDenied,
			"You are not allowed to contact %s.", target.DisplayName()), nil
	}

	// 6. approval
	if decision.RequiresApproval && !approved {
		return o.requestApproval(ctx, caller, target, req)
	}

	// 7. availability
	if req.Action != ActionNotify && target.Status == roster.StatusOffline {
		return failure(types.ErrAgentOffline,
			"%s is offline and cannot take %s requests right now.", target.DisplayName(), req.Action), nil
	}

	// 8. depth, checked before any side effect
	var tracker *calldepth.Tracker
	if req.Action == ActionAsk {
		ctx, tracker = o.chain(ctx, caller.ID)
		if tracker.CurrentDepth() >= o.cfg.MaxDepth {
			log.Info("ask rejected at max depth", zap.Int("depth", tracker.CurrentDepth()))
			return failure(types.ErrDepthExceeded,
				"Maximum ask depth (%d) reached. Use delegate instead so %s can work on this asynchronously.",
				o.cfg.MaxDepth, target.DisplayName()), nil
		}
	}

	channelID, err := o.channels.GetOrCreateDMChannel(ctx, caller.ID, target.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve dm channel: %w", err)
	}

	switch req.Action {
	case ActionAsk:
		return o.ask(ctx, tracker, caller, target, channelID, req)
	case ActionDelegate:
		return o.delegate(ctx, caller, target, channelID, req)
	case ActionNotify:
		return o.notify(ctx, caller, target, channelID, req)
	default:
		panic(fmt.Sprintf("delegation: unhandled action %d", int(req.Action)))
	}
}

func (o *Orchestrator) notify(ctx context.Context, caller, target *roster.Agent, channelID string, req Request) (*Outcome, error) {
	text := comms.FormatRequestMessage(req.Action.String(), caller.DisplayName(), req.Message, req.Context, req.Priority, "")
	if _, err := o.channels.PostMessage(ctx, channelID, caller.ID, text, comms.SourceNotify); err != nil {
		return nil, fmt.Errorf("post notification: %w", err)
	}
	o.logger.Debug("notification sent",
		zap.String("caller_id", caller.ID),
		zap.String("target_id", target.ID),
		zap.String("channel_id", channelID),
	)
	return &Outcome{
		Text:      fmt.Sprintf("Notification sent to %s.", target.DisplayName()),
		ChannelID: channelID,
	}, nil
}

// parentTaskFor returns the task the caller is working on: the task bound to
// ctx when it belongs to the caller, otherwise the caller's active task.
func (o *Orchestrator) parentTaskFor(ctx context.Context, callerID string) string {
	if id, ok := types.CurrentTaskID(ctx); ok {
		if t, err := o.ledger.Get(ctx, id); err == nil && t.AgentID == callerID && !t.IsTerminal() {
			return t.ID
		}
	}
	active, err := o.ledger.ActiveTaskFor(ctx, callerID)
	if err != nil {
		o.logger.Warn("failed to look up active task", zap.String("caller_id", callerID), zap.Error(err))
		return ""
	}
	if active == nil {
		return ""
	}
	return active.ID
}

// chain returns the call chain of ctx. A request that arrives without one,
// such as a nested ask posted back over HTTP by a webhook agent, joins the
// chain of the asks its caller is still answering.
func (o *Orchestrator) chain(ctx context.Context, callerID string) (context.Context, *calldepth.Tracker) {
	if t, ok := calldepth.FromContext(ctx); ok {
		return ctx, t
	}
	depth := o.openAskDepth(ctx, callerID)
	if depth > 0 {
		o.logger.Debug("resumed call chain from ledger",
			zap.String("caller_id", callerID),
			zap.Int("depth", depth),
		)
	}
	return calldepth.NewContextAt(ctx, depth)
}

// openAskDepth counts the active ask tasks on the parent chain that starts
// at the caller's current task.
func (o *Orchestrator) openAskDepth(ctx context.Context, callerID string) int {
	depth := 0
	seen := make(map[string]bool)
	for id := o.parentTaskFor(ctx, callerID); id != "" && !seen[id] && depth <= o.cfg.MaxDepth; {
		seen[id] = true
		task, err := o.ledger.Get(ctx, id)
		if err != nil {
			o.logger.Warn("failed to walk task chain", zap.String("task_id", id), zap.Error(err))
			break
		}
		if task.Source != ledger.SourceAgentAsk || task.Status != ledger.StatusActive {
			break
		}
		depth++
		id = task.ParentTaskID
	}
	return depth
}

func (o *Orchestrator) wakesOnPriority(p ledger.Priority) bool {
	for _, w := range o.cfg.WakeOnPriority {
		if w == p {
			return true
		}
	}
	return false
}

func summarize(message string) string {
	const limit = 80
	r := []rune(message)
	if len(r) <= limit {
		return message
	}
	return string(r[:limit]) + "..."
}
