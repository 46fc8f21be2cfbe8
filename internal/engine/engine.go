// Package engine drives records through a workflow: it evaluates jumps,
// executes status items, fires global actions and records every transition
// in the workflow trace.
package engine

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/expr"
	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// DefaultChainLimit caps the number of chained automatic jumps in one
// evaluation pass before the record is parked with an abort trace.
const DefaultChainLimit = 20

// Engine evaluates one workflow definition against records.
type Engine struct {
	Workflow   *model.Workflow
	ChainLimit int
}

// New creates an engine for the given workflow.
func New(wf *model.Workflow) *Engine {
	return &Engine{Workflow: wf, ChainLimit: DefaultChainLimit}
}

func (e *Engine) chainLimit() int {
	if e.ChainLimit <= 0 {
		return DefaultChainLimit
	}
	return e.ChainLimit
}

// PerformWorkflow runs the items of the record's current status, following
// automatic jumps until the status settles or the chain limit is reached.
// This is the single production entry point for workflow evaluation.
func (e *Engine) PerformWorkflow(ctx context.Context, env *Env, rec *model.Record) error {
	ctx, span := observability.StartSpan(ctx, "engine.PerformWorkflow",
		observability.AttrWorkflowID.String(e.Workflow.ID),
		observability.AttrRecordID.String(rec.ID),
	)
	start := env.now()
	err := e.performStatus(ctx, env, rec, e.chainLimit())
	env.Metrics.RecordPerform(e.Workflow.ID, env.now().Sub(start))
	observability.EndSpanWithError(span, err)
	return err
}

// performStatus executes the items of the current status in declaration
// order. The first automatic jump that fires ends the pass for this status
// and recurses into the target.
func (e *Engine) performStatus(ctx context.Context, env *Env, rec *model.Record, depth int) error {
	if depth <= 0 {
		e.recordEvent(ctx, env, rec, model.EventAborted, nil)
		env.Metrics.RecordChainLimitHit(e.Workflow.ID)
		observability.RecordLogger(env.log(ctx), rec).Warn("jump chain limit reached, aborting evaluation pass")
		return nil
	}

	st, ok := e.Workflow.Status(rec.StatusID)
	if !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", rec.StatusID)
	}

	for i := range st.Items {
		item := &st.Items[i]

		fired, err := e.checkCondition(env, rec, item.Condition, "", nil, nil)
		if err != nil {
			// Fail open: a broken condition never fires and never blocks
			// the remaining items.
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
			return e.performStatus(ctx, env, rec, depth-1)
		}

		e.performItem(ctx, env, rec, item)
	}
	return nil
}

// jumpTo moves the record to the target status and opens a new evolution
// entry. Timeout anchoring uses the update time set here.
func (e *Engine) jumpTo(ctx context.Context, env *Env, rec *model.Record, targetID string) error {
	if _, ok := e.Workflow.Status(targetID); !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", targetID)
	}
	now := env.now()
	from := rec.StatusID
	rec.StatusID = targetID
	rec.UpdatedAt = now
	rec.NewEvolution(targetID, now)
	env.Metrics.RecordTransition(e.Workflow.ID, targetID)
	observability.RecordLogger(env.log(ctx), rec).Info("status transition", zap.String("from", from))
	return nil
}

// checkCondition evaluates an item or trigger condition against the record.
// An empty condition is satisfied. Errors are returned for the caller to
// apply the fail-open policy.
func (e *Engine) checkCondition(env *Env, rec *model.Record, condition, trigger string, payload map[string]any, user *model.User) (bool, error) {
	if condition == "" {
		return true, nil
	}
	r := &expr.Resolver{Record: rec, User: user, Trigger: trigger, Payload: payload}
	return r.EvalCondition(condition)
}

// checkAuth reports whether the user is authorized by the given actor set.
// An empty set means unrestricted. "_submitter" matches the record's
// submitter; other entries are role IDs, resolved through the record's
// function mapping when they use a function key.
func (e *Engine) checkAuth(rec *model.Record, by []string, user *model.User) bool {
	if len(by) == 0 {
		return true
	}
	if user == nil {
		return false
	}
	for _, entry := range by {
		if entry == model.FunctionSubmitter {
			if user.ID == rec.SubmitterID {
				return true
			}
			continue
		}
		roleID := entry
		if mapped, ok := rec.Functions[entry]; ok && mapped != "" {
			roleID = mapped
		}
		if user.HasRole(roleID) {
			return true
		}
	}
	return false
}

// whoHint classifies the acting user relative to the record, for trace args.
func (e *Engine) whoHint(rec *model.Record, user *model.User) (who, whoID string) {
	if user == nil {
		return "", ""
	}
	if user.ID == rec.SubmitterID {
		return "submitter", ""
	}
	if roleID, ok := rec.Functions[model.FunctionReceiver]; ok && user.HasRole(roleID) {
		return "receiver", ""
	}
	return "other", user.ID
}

// recordEvent appends an event entry to the record's workflow trace and
// persists it when a store is attached. The entry captures the status at
// the time of the event.
func (e *Engine) recordEvent(ctx context.Context, env *Env, rec *model.Record, event string, args map[string]string) {
	entry := model.TraceEntry{
		ID:        uuid.NewString(),
		StatusID:  rec.StatusID,
		Event:     event,
		Args:      args,
		Timestamp: env.now(),
	}
	e.appendTrace(ctx, env, rec, entry)
}

// recordAction appends an action entry, keyed by the item kind.
func (e *Engine) recordAction(ctx context.Context, env *Env, rec *model.Record, item *model.Item, args map[string]string) {
	entry := model.TraceEntry{
		ID:            uuid.NewString(),
		StatusID:      rec.StatusID,
		ActionItemKey: item.Kind,
		ActionItemID:  item.ID,
		Args:          args,
		Timestamp:     env.now(),
	}
	e.appendTrace(ctx, env, rec, entry)
}

func (e *Engine) appendTrace(ctx context.Context, env *Env, rec *model.Record, entry model.TraceEntry) {
	rec.Traces = append(rec.Traces, entry)
	env.Metrics.RecordTraceEntry(e.Workflow.ID, entry.JoinKey())
	if env.Store != nil {
		if err := env.Store.AppendTrace(ctx, rec.ID, entry); err != nil {
			observability.RecordLogger(env.log(ctx), rec).Error("trace persistence failed",
				zap.String("event", entry.JoinKey()), zap.Error(err))
		}
	}
}
