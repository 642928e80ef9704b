package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/calldepth"
	"github.com/BaSui01/agentrelay/agent/comms"
	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// invokeStatus classifies how a guarded entrypoint call ended.
type invokeStatus int

const (
	invokeOK invokeStatus = iota
	invokeTimeout
	invokeCancelled
	invokeFailed
)

type invokeResult struct {
	text string
	err  error
}

// invoke runs the target's entrypoint and returns no later than timeout. On
// expiry the in-flight call is abandoned; its result is discarded.
func (o *Orchestrator) invoke(ctx context.Context, target *roster.Agent, channelID, message string, timeout time.Duration) (string, invokeStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- invokeResult{err: fmt.Errorf("reasoning entrypoint panicked: %v", p)}
			}
		}()
		text, err := o.entrypoint.Invoke(callCtx, target, channelID, message)
		resultCh <- invokeResult{text: text, err: err}
	}()

	var res invokeResult
	got := false
	select {
	case res = <-resultCh:
		got = true
	case <-callCtx.Done():
	}

	switch {
	case got && res.err == nil:
		return res.text, invokeOK, nil
	case ctx.Err() != nil:
		return "", invokeCancelled, ctx.Err()
	case !got || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return "", invokeTimeout, context.DeadlineExceeded
	default:
		return "", invokeFailed, res.err
	}
}

func (o *Orchestrator) ask(ctx context.Context, tracker *calldepth.Tracker, caller, target *roster.Agent, channelID string, req Request) (*Outcome, error) {
	log := o.logger.With(
		zap.String("caller_id", caller.ID),
		zap.String("target_id", target.ID),
		zap.String("channel_id", channelID),
	)

	// a blocked caller outranks a deliberate sleep
	if target.IsSleeping(o.now()) {
		if err := o.sleep.WakeNow(ctx, target.ID); err != nil {
			return nil, fmt.Errorf("wake %s: %w", target.ID, err)
		}
		log.Info("woke sleeping target for ask")
	}

	task, err := o.ledger.Create(ctx, ledger.NewTask{
		Title:        summarize(req.Message),
		Description:  req.Message,
		Type:         ActionAsk.String(),
		Source:       ledger.SourceAgentAsk,
		Priority:     ledger.ParsePriority(req.Priority),
		AgentID:      target.ID,
		RequesterID:  caller.ID,
		ChannelID:    channelID,
		ParentTaskID: o.parentTaskFor(ctx, caller.ID),
		Context:      taskContext(req),
	})
	if err != nil {
		return nil, fmt.Errorf("create ask task: %w", err)
	}
	if _, err := o.ledger.Start(ctx, task.ID); err != nil {
		return nil, fmt.Errorf("start ask task: %w", err)
	}
	log = log.With(zap.String("task_id", task.ID))

	text := comms.FormatRequestMessage(ActionAsk.String(), caller.DisplayName(), req.Message, req.Context, req.Priority, task.ID)
	if _, err := o.channels.PostMessage(ctx, channelID, caller.ID, text, comms.SourceAsk); err != nil {
		o.failTask(ctx, task.ID, "could not post request: "+err.Error())
		return nil, fmt.Errorf("post ask: %w", err)
	}

	release := tracker.Enter()
	defer release()
	log.Debug("invoking target", zap.Int("depth", tracker.CurrentDepth()))

	invokeCtx := types.WithCurrentTaskID(ctx, task.ID)
	start := o.now()
	response, status, err := o.invoke(invokeCtx, target, channelID, req.Message, o.cfg.AskTimeout)
	elapsed := o.now().Sub(start)

	switch status {
	case invokeOK:
		o.metrics.RecordAsk("completed", elapsed)
		o.otelm.recordAsk(ctx, "completed", elapsed)
		reply := comms.FormatResponseMessage(target.DisplayName(), response, task.ID)
		if _, err := o.channels.PostMessage(ctx, channelID, target.ID, reply, comms.SourceResponse); err != nil {
			o.failTask(ctx, task.ID, "could not post response: "+err.Error())
			return nil, fmt.Errorf("post ask response: %w", err)
		}
		if _, err := o.ledger.Complete(ctx, task.ID, map[string]any{"response": response}); err != nil {
			return nil, fmt.Errorf("complete ask task: %w", err)
		}
		log.Info("ask completed", zap.Duration("duration", elapsed))
		return &Outcome{
			Text:      fmt.Sprintf("Response from %s: %s", target.DisplayName(), response),
			TaskID:    task.ID,
			ChannelID: channelID,
		}, nil

	case invokeTimeout:
		o.metrics.RecordAsk("timeout", elapsed)
		o.otelm.recordAsk(ctx, "timeout", elapsed)
		o.failTask(ctx, task.ID, fmt.Sprintf("Timeout: %s did not respond within %s", target.DisplayName(), o.cfg.AskTimeout))
		log.Warn("ask timed out", zap.Duration("timeout", o.cfg.AskTimeout))
		return &Outcome{
			Code: types.ErrAskTimeout,
			Text: fmt.Sprintf("%s did not respond within %s. Use delegate instead for work that takes longer.",
				target.DisplayName(), o.cfg.AskTimeout),
			TaskID:    task.ID,
			ChannelID: channelID,
		}, nil

	case invokeCancelled:
		o.metrics.RecordAsk("cancelled", elapsed)
		o.otelm.recordAsk(ctx, "cancelled", elapsed)
		o.failTask(context.WithoutCancel(ctx), task.ID, "cancelled: "+err.Error())
		return nil, err

	default:
		o.metrics.RecordAsk("failed", elapsed)
		o.otelm.recordAsk(ctx, "failed", elapsed)
		o.failTask(ctx, task.ID, err.Error())
		log.Error("ask failed", zap.Error(err))
		return nil, fmt.Errorf("ask %s: %w", target.ID, err)
	}
}

func (o *Orchestrator) failTask(ctx context.Context, taskID, reason string) {
	if _, err := o.ledger.Fail(ctx, taskID, reason); err != nil {
		o.logger.Error("failed to mark task failed",
			zap.String("task_id", taskID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func taskContext(req Request) map[string]any {
	c := map[string]any{}
	if req.Context != "" {
		c["context"] = req.Context
	}
	if req.ContextChannelID != "" {
		c["context_channel_id"] = req.ContextChannelID
	}
	if len(c) == 0 {
		return nil
	}
	return c
}
