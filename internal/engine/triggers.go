package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// maxJumpsDelay caps the scan interval derived from jump timeouts.
const maxJumpsDelay = 100 * 365 * 24 * time.Hour

// ClickButton fires the manual jump whose button label matches, acting as
// the given user. Buttons hidden by their condition or actor set are not
// candidates: a label with no visible match is a not-found, a label visible
// only to other actors is forbidden.
func (e *Engine) ClickButton(ctx context.Context, env *Env, rec *model.Record, label string, user *model.User) error {
	st, ok := e.Workflow.Status(rec.StatusID)
	if !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", rec.StatusID)
	}

	forbidden := false
	for i := range st.Items {
		item := &st.Items[i]
		if item.Kind != model.ItemChoice || item.Label != label {
			continue
		}
		if !e.checkAuth(rec, item.By, user) {
			forbidden = true
			continue
		}
		fired, err := e.checkCondition(env, rec, item.Condition, "", nil, user)
		if err != nil || !fired {
			continue
		}

		who, whoID := e.whoHint(rec, user)
		e.recordEvent(ctx, env, rec, model.EventButton,
			traceWhoArgs(map[string]string{"action_item_id": item.ID}, who, whoID))
		if err := e.jumpTo(ctx, env, rec, item.TargetStatusID); err != nil {
			return err
		}
		return e.performStatus(ctx, env, rec, e.chainLimit())
	}

	if forbidden {
		return model.NewForbiddenError("button %q is not available to this user", label)
	}
	return model.NewNotFoundError("button %q is not displayed", label)
}

// ClickGlobalActionButton fires the global action with the given name as a
// manual trigger, acting as the given user.
func (e *Engine) ClickGlobalActionButton(ctx context.Context, env *Env, rec *model.Record, name string, user *model.User) error {
	ga, ok := e.Workflow.GlobalActionByName(name)
	if !ok {
		return model.NewNotFoundError("button %q is not displayed", name)
	}

	var manual *model.GlobalTrigger
	forbidden := false
	for i := range ga.Triggers {
		tr := &ga.Triggers[i]
		if tr.Kind != model.TriggerManual {
			continue
		}
		if !e.checkAuth(rec, tr.By, user) {
			forbidden = true
			continue
		}
		fired, err := e.checkCondition(env, rec, tr.Condition, "", nil, user)
		if err != nil || !fired {
			continue
		}
		manual = tr
		break
	}
	if manual == nil {
		if forbidden {
			return model.NewForbiddenError("button %q is not available to this user", name)
		}
		return model.NewNotFoundError("button %q is not displayed", name)
	}

	who, whoID := e.whoHint(rec, user)
	e.recordEvent(ctx, env, rec, model.EventGlobalActionButton,
		traceWhoArgs(map[string]string{"global_action_id": ga.ID}, who, whoID))
	env.Metrics.RecordGlobalActionFiring(e.Workflow.ID, ga.ID, model.TriggerManual)
	return e.performGlobalItems(ctx, env, rec, ga)
}

// FireJumpTrigger fires the trigger-mode jump of the current status with an
// exactly matching identifier. Repeated firings are not deduplicated.
func (e *Engine) FireJumpTrigger(ctx context.Context, env *Env, rec *model.Record, trigger string, payload map[string]any, user *model.User) error {
	st, ok := e.Workflow.Status(rec.StatusID)
	if !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", rec.StatusID)
	}

	forbidden := false
	for i := range st.Items {
		item := &st.Items[i]
		if item.Kind != model.ItemJump || item.Mode != model.JumpModeTrigger || item.Trigger != trigger {
			continue
		}
		if !e.checkAuth(rec, item.By, user) {
			forbidden = true
			continue
		}
		fired, err := e.checkCondition(env, rec, item.Condition, trigger, payload, user)
		if err != nil {
			env.Metrics.RecordConditionError(e.Workflow.ID)
			observability.RecordLogger(env.log(ctx), rec).Debug("trigger condition error, treated as not satisfied",
				zap.String("trigger", trigger), zap.Error(err))
			continue
		}
		if !fired {
			continue
		}

		rec.CurrentEvolution().AddPart(&model.TriggeredPart{
			Trigger: trigger,
			Kind:    "api",
			At:      env.now(),
			Payload: payload,
		})
		e.recordEvent(ctx, env, rec, model.EventAPITrigger, map[string]string{"trigger": trigger})
		if err := e.jumpTo(ctx, env, rec, item.TargetStatusID); err != nil {
			return err
		}
		return e.performStatus(ctx, env, rec, e.chainLimit())
	}

	if forbidden {
		return model.NewForbiddenError("trigger %q is not available to this user", trigger)
	}
	return model.NewNotFoundError("trigger %q not found in status %q", trigger, rec.StatusID)
}

// EvaluateTimeoutJumps fires the first timeout jump of the current status
// whose delay has elapsed since the record's last update, re-checking the
// jump condition at fire time. It reports whether a jump fired.
func (e *Engine) EvaluateTimeoutJumps(ctx context.Context, env *Env, rec *model.Record) (bool, error) {
	st, ok := e.Workflow.Status(rec.StatusID)
	if !ok {
		return false, model.NewBrokenReferenceError("Broken, missing status %q", rec.StatusID)
	}

	elapsed := env.now().Sub(rec.UpdatedAt)
	for i := range st.Items {
		item := &st.Items[i]
		if item.Kind != model.ItemJump || item.Mode != model.JumpModeTimeout || item.TimeoutSeconds <= 0 {
			continue
		}
		if elapsed < time.Duration(item.TimeoutSeconds)*time.Second {
			continue
		}
		fired, err := e.checkCondition(env, rec, item.Condition, "", nil, nil)
		if err != nil {
			env.Metrics.RecordConditionError(e.Workflow.ID)
			observability.RecordLogger(env.log(ctx), rec).Debug("timeout condition error, treated as not satisfied",
				zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if !fired {
			continue
		}

		e.recordEvent(ctx, env, rec, model.EventTimeoutJump, map[string]string{"action_item_id": item.ID})
		env.Metrics.RecordTimeoutJump(e.Workflow.ID, st.ID)
		if err := e.jumpTo(ctx, env, rec, item.TargetStatusID); err != nil {
			return false, err
		}
		return true, e.performStatus(ctx, env, rec, e.chainLimit())
	}
	return false, nil
}

// ScanTimeouts runs timeout jump evaluation across every record of the
// source. Per-record failures are logged and do not stop the scan.
func (e *Engine) ScanTimeouts(ctx context.Context, env *Env, source RecordSource) error {
	ctx, span := observability.StartSpan(ctx, "engine.ScanTimeouts",
		observability.AttrWorkflowID.String(e.Workflow.ID))
	defer span.End()

	records, err := source.OpenRecords(ctx, e.Workflow.ID)
	if err != nil {
		return err
	}
	env.Metrics.RecordTimeoutScan(e.Workflow.ID, len(records))

	for _, rec := range records {
		if _, err := e.EvaluateTimeoutJumps(ctx, env, rec); err != nil {
			observability.RecordLogger(env.log(ctx), rec).Warn("timeout evaluation failed", zap.Error(err))
		}
	}
	return nil
}

// MinJumpsDelay returns the smallest timeout configured on any jump of the
// workflow, floored at the scan granularity and capped at 100 years. The
// second return is false when no timeout jumps exist.
func (e *Engine) MinJumpsDelay(granularity time.Duration) (time.Duration, bool) {
	var min time.Duration
	found := false
	for i := range e.Workflow.Statuses {
		for j := range e.Workflow.Statuses[i].Items {
			item := &e.Workflow.Statuses[i].Items[j]
			if item.Kind != model.ItemJump || item.Mode != model.JumpModeTimeout || item.TimeoutSeconds <= 0 {
				continue
			}
			d := time.Duration(item.TimeoutSeconds) * time.Second
			if !found || d < min {
				min = d
				found = true
			}
		}
	}
	if !found {
		return 0, false
	}
	if min < granularity {
		min = granularity
	}
	if min > maxJumpsDelay {
		min = maxJumpsDelay
	}
	return min, true
}
