package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// ApplyGlobalTimeouts fires overdue timeout triggers of every global action
// against every record of the source. Each trigger fires at most once per
// record, recorded by a timeout marker in the evolution log.
func (e *Engine) ApplyGlobalTimeouts(ctx context.Context, env *Env, source RecordSource) error {
	ctx, span := observability.StartSpan(ctx, "engine.ApplyGlobalTimeouts",
		observability.AttrWorkflowID.String(e.Workflow.ID))
	defer span.End()

	records, err := source.OpenRecords(ctx, e.Workflow.ID)
	if err != nil {
		return err
	}

	for i := range e.Workflow.GlobalActions {
		ga := &e.Workflow.GlobalActions[i]
		for j := range ga.Triggers {
			tr := &ga.Triggers[j]
			if tr.Kind != model.TriggerTimeout || tr.TimeoutDays <= 0 {
				continue
			}
			for _, rec := range records {
				if err := e.applyGlobalTimeout(ctx, env, rec, ga, tr); err != nil {
					observability.RecordLogger(env.log(ctx), rec).Warn("global timeout failed",
						zap.String("global_action_id", ga.ID),
						zap.String("trigger_id", tr.ID),
						zap.Error(err))
				}
			}
		}
	}
	return nil
}

// applyGlobalTimeout fires one timeout trigger against one record when its
// anchored deadline has passed and the trigger has not fired before.
func (e *Engine) applyGlobalTimeout(ctx context.Context, env *Env, rec *model.Record, ga *model.GlobalAction, tr *model.GlobalTrigger) error {
	if rec.HasTimeoutMarker(tr.ID) {
		return nil
	}

	anchor, ok := e.anchorTime(rec, tr)
	if !ok {
		return nil
	}
	deadline := anchor.Add(time.Duration(tr.TimeoutDays) * 24 * time.Hour)
	if env.now().Before(deadline) {
		return nil
	}

	fired, err := e.checkCondition(env, rec, tr.Condition, "", nil, nil)
	if err != nil {
		env.Metrics.RecordConditionError(e.Workflow.ID)
		observability.RecordLogger(env.log(ctx), rec).Debug("global timeout condition error, treated as not satisfied",
			zap.String("trigger_id", tr.ID), zap.Error(err))
		return nil
	}
	if !fired {
		return nil
	}

	rec.CurrentEvolution().AddPart(&model.TimeoutMarkerPart{
		TriggerID: tr.ID,
		FiredAt:   env.now(),
	})
	e.recordEvent(ctx, env, rec, model.EventGlobalActionTimeout, map[string]string{
		"global_action_id": ga.ID,
		"trigger_id":       tr.ID,
	})
	env.Metrics.RecordGlobalActionFiring(e.Workflow.ID, ga.ID, model.TriggerTimeout)
	return e.performGlobalItems(ctx, env, rec, ga)
}

// anchorTime resolves the date a timeout trigger counts from.
func (e *Engine) anchorTime(rec *model.Record, tr *model.GlobalTrigger) (time.Time, bool) {
	switch tr.Anchor {
	case model.AnchorCreation, "":
		return rec.CreatedAt, true
	case model.AnchorFirstArrival:
		return rec.ArrivedAt(tr.AnchorStatusID, false)
	case model.AnchorLatestArrival:
		return rec.ArrivedAt(tr.AnchorStatusID, true)
	default:
		return time.Time{}, false
	}
}

// FireWebserviceTrigger fires the global action addressed by the given
// webservice trigger identifier. Repeated firings are not deduplicated.
func (e *Engine) FireWebserviceTrigger(ctx context.Context, env *Env, rec *model.Record, identifier string, payload map[string]any, user *model.User) error {
	ga, tr, ok := e.Workflow.WebserviceTrigger(identifier)
	if !ok {
		return model.NewNotFoundError("webservice trigger %q not found", identifier)
	}
	if !e.checkAuth(rec, tr.By, user) {
		return model.NewForbiddenError("trigger %q is not available to this user", identifier)
	}

	fired, err := e.checkCondition(env, rec, tr.Condition, identifier, payload, user)
	if err != nil {
		env.Metrics.RecordConditionError(e.Workflow.ID)
		observability.RecordLogger(env.log(ctx), rec).Debug("webservice trigger condition error, treated as not satisfied",
			zap.String("trigger_id", tr.ID), zap.Error(err))
		return nil
	}
	if !fired {
		return nil
	}

	rec.CurrentEvolution().AddPart(&model.TriggeredPart{
		Trigger: identifier,
		Kind:    model.TriggerWebservice,
		At:      env.now(),
		Payload: payload,
	})
	e.recordEvent(ctx, env, rec, model.EventGlobalAPITrigger, map[string]string{
		"global_action_id": ga.ID,
		"trigger":          identifier,
	})
	env.Metrics.RecordGlobalActionFiring(e.Workflow.ID, ga.ID, model.TriggerWebservice)
	return e.performGlobalItems(ctx, env, rec, ga)
}

// performGlobalItems executes the items of a fired global action. Items run
// in declaration order with the usual fail-open condition policy; the first
// immediate jump that fires ends the pass and evaluates the target status.
func (e *Engine) performGlobalItems(ctx context.Context, env *Env, rec *model.Record, ga *model.GlobalAction) error {
	for i := range ga.Items {
		item := &ga.Items[i]

		fired, err := e.checkCondition(env, rec, item.Condition, "", nil, nil)
		if err != nil {
			env.Metrics.RecordConditionError(e.Workflow.ID)
			observability.RecordLogger(env.log(ctx), rec).Debug("condition evaluation error, treated as not satisfied",
				zap.String("item_id", item.ID), zap.Error(err))
			continue
		}
		if !fired {
			continue
		}

		if item.Kind == model.ItemJump && (item.Mode == "" || item.Mode == model.JumpModeImmediate) {
			if err := e.jumpTo(ctx, env, rec, item.TargetStatusID); err != nil {
				return err
			}
			e.recordEvent(ctx, env, rec, model.EventContinuation, nil)
			return e.performStatus(ctx, env, rec, e.chainLimit())
		}

		e.performItem(ctx, env, rec, item)
	}
	return nil
}
