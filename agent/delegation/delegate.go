package delegation

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/agentrelay/agent/calldepth"
	"github.com/BaSui01/agentrelay/agent/comms"
	"github.com/BaSui01/agentrelay/agent/dispatch"
	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// JobKindDelegatedTask is the dispatcher job kind that runs a delegated task.
const JobKindDelegatedTask = "delegation.task"

// DelegatedTaskPayload is carried by delegated task jobs.
type DelegatedTaskPayload struct {
	TaskID string `json:"task_id"`
}

func (o *Orchestrator) delegate(ctx context.Context, caller, target *roster.Agent, channelID string, req Request) (*Outcome, error) {
	priority := ledger.ParsePriority(req.Priority)
	log := o.logger.With(
		zap.String("caller_id", caller.ID),
		zap.String("target_id", target.ID),
		zap.String("channel_id", channelID),
	)

	task, err := o.ledger.Create(ctx, ledger.NewTask{
		Title:        summarize(req.Message),
		Description:  req.Message,
		Type:         ActionDelegate.String(),
		Source:       ledger.SourceAgentDelegation,
		Priority:     priority,
		AgentID:      target.ID,
		RequesterID:  caller.ID,
		ChannelID:    channelID,
		ParentTaskID: o.parentTaskFor(ctx, caller.ID),
		Context:      taskContext(req),
	})
	if err != nil {
		return nil, fmt.Errorf("create delegated task: %w", err)
	}
	log = log.With(zap.String("task_id", task.ID))

	if err := o.agents.AddAwaitingDelegation(ctx, caller.ID, task.ID); err != nil {
		o.failTask(ctx, task.ID, "could not record delegation: "+err.Error())
		return nil, fmt.Errorf("record awaiting delegation: %w", err)
	}

	text := comms.FormatRequestMessage(ActionDelegate.String(), caller.DisplayName(), req.Message, req.Context, string(priority), task.ID)
	if _, err := o.channels.PostMessage(ctx, channelID, caller.ID, text, comms.SourceDelegation); err != nil {
		o.abandonDelegation(ctx, caller.ID, task.ID, "could not post request: "+err.Error())
		return nil, fmt.Errorf("post delegation: %w", err)
	}

	var note string
	notBefore := o.now()
	if target.IsSleeping(notBefore) {
		if o.wakesOnPriority(priority) {
			if err := o.sleep.WakeNow(ctx, target.ID); err != nil {
				log.Warn("failed to wake target for priority delegation", zap.Error(err))
			}
		} else {
			notBefore = *target.SleepingUntil
			note = fmt.Sprintf(" %s is asleep until %s; work starts then.",
				target.DisplayName(), notBefore.UTC().Format("2006-01-02 15:04 UTC"))
		}
	}

	job, err := dispatch.NewJob(JobKindDelegatedTask, DelegatedTaskPayload{TaskID: task.ID})
	if err != nil {
		o.abandonDelegation(ctx, caller.ID, task.ID, err.Error())
		return nil, err
	}
	jobID, err := o.dispatcher.Enqueue(ctx, job, notBefore)
	if err != nil {
		o.abandonDelegation(ctx, caller.ID, task.ID, "could not dispatch: "+err.Error())
		return nil, fmt.Errorf("enqueue delegated task: %w", err)
	}

	log.Info("task delegated",
		zap.String("job_id", jobID),
		zap.String("priority", string(priority)),
		zap.Time("not_before", notBefore),
	)
	return &Outcome{
		Text: fmt.Sprintf("Delegated to %s as task %s. The result will be posted when the task completes.%s",
			target.DisplayName(), task.ID, note),
		TaskID:    task.ID,
		ChannelID: channelID,
	}, nil
}

func (o *Orchestrator) abandonDelegation(ctx context.Context, callerID, taskID, reason string) {
	o.failTask(ctx, taskID, reason)
	if err := o.agents.RemoveAwaitingDelegation(ctx, callerID, taskID); err != nil {
		o.logger.Warn("failed to clear awaiting delegation", zap.String("task_id", taskID), zap.Error(err))
	}
}

// RunDelegatedTask executes a delegated task. Only a pending task is run, so
// a duplicate delivery of the same job is a no-op. The requester's awaiting
// set loses the task once it reaches a terminal state.
func (o *Orchestrator) RunDelegatedTask(ctx context.Context, taskID string) error {
	task, err := o.ledger.Get(ctx, taskID)
	if errors.Is(err, ledger.ErrNotFound) {
		o.logger.Warn("delegated task vanished", zap.String("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}
	log := o.logger.With(zap.String("task_id", task.ID), zap.String("target_id", task.AgentID))
	if task.Status != ledger.StatusPending {
		log.Debug("skipping delegated task", zap.String("status", string(task.Status)))
		return nil
	}

	target, err := o.agents.Get(ctx, task.AgentID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			o.finishDelegation(ctx, task, "", fmt.Sprintf("agent %s no longer exists", task.AgentID))
			return nil
		}
		return err
	}

	// went to sleep after the task was queued
	if until := target.SleepingUntil; until != nil && until.After(o.now()) && !o.wakesOnPriority(task.Priority) {
		job, err := dispatch.NewJob(JobKindDelegatedTask, DelegatedTaskPayload{TaskID: task.ID})
		if err != nil {
			return err
		}
		if _, err := o.dispatcher.Enqueue(ctx, job, *until); err != nil {
			return fmt.Errorf("requeue delegated task: %w", err)
		}
		log.Info("target asleep, delegated task deferred", zap.Time("not_before", *until))
		return nil
	}

	if _, err := o.ledger.Start(ctx, task.ID); err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrConflict) {
			log.Debug("delegated task already taken", zap.Error(err))
			return nil
		}
		return err
	}

	runCtx, _ := calldepth.NewContext(ctx)
	runCtx = types.WithCurrentTaskID(runCtx, task.ID)
	response, status, err := o.invoke(runCtx, target, task.ChannelID, task.Description, o.cfg.DelegateTimeout)

	switch status {
	case invokeOK:
		o.finishDelegation(ctx, task, response, "")
	case invokeTimeout:
		o.finishDelegation(ctx, task, "", fmt.Sprintf("Timeout: %s did not finish within %s", target.DisplayName(), o.cfg.DelegateTimeout))
	case invokeCancelled:
		o.finishDelegation(context.WithoutCancel(ctx), task, "", "cancelled: "+err.Error())
	default:
		o.finishDelegation(ctx, task, "", err.Error())
	}
	return nil
}

func (o *Orchestrator) finishDelegation(ctx context.Context, task *ledger.Task, response, failReason string) {
	log := o.logger.With(zap.String("task_id", task.ID), zap.String("target_id", task.AgentID))
	defer func() {
		if err := o.agents.RemoveAwaitingDelegation(ctx, task.RequesterID, task.ID); err != nil && !errors.Is(err, roster.ErrNotFound) {
			log.Warn("failed to clear awaiting delegation", zap.Error(err))
		}
	}()

	name := task.AgentID
	if target, err := o.agents.Get(ctx, task.AgentID); err == nil {
		name = target.DisplayName()
	}

	if failReason != "" {
		o.failTask(ctx, task.ID, failReason)
		msg := fmt.Sprintf("[TASK FAILED] (task: %s) %s: %s", task.ID, name, failReason)
		if _, err := o.channels.PostMessage(ctx, task.ChannelID, task.AgentID, msg, comms.SourceSystem); err != nil {
			log.Warn("failed to post task failure", zap.Error(err))
		}
		log.Warn("delegated task failed", zap.String("reason", failReason))
		return
	}

	reply := comms.FormatResponseMessage(name, response, task.ID)
	if _, err := o.channels.PostMessage(ctx, task.ChannelID, task.AgentID, reply, comms.SourceResponse); err != nil {
		o.failTask(ctx, task.ID, "could not post result: "+err.Error())
		return
	}
	if _, err := o.ledger.Complete(ctx, task.ID, map[string]any{"response": response}); err != nil {
		log.Error("failed to complete delegated task", zap.Error(err))
		return
	}
	log.Info("delegated task completed")
}

func (o *Orchestrator) handleDelegatedTaskJob(ctx context.Context, job *dispatch.Job) error {
	var p DelegatedTaskPayload
	if err := job.Decode(&p); err != nil {
		return fmt.Errorf("decode delegated task payload: %w", err)
	}
	return o.RunDelegatedTask(ctx, p.TaskID)
}
