package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// Suite is an ordered list of test actions replayed against one record.
type Suite struct {
	Actions []Action
}

// Add appends an action, assigning a UUID when it has none, and renumbers.
func (s *Suite) Add(a Action) {
	if a.meta().UUID == "" {
		a.meta().UUID = uuid.NewString()
	}
	s.Actions = append(s.Actions, a)
	s.renumber()
}

// Insert places an action at the given index. Negative indexes count from the
// end, out-of-range indexes clamp to the list bounds.
func (s *Suite) Insert(idx int, a Action) {
	if a.meta().UUID == "" {
		a.meta().UUID = uuid.NewString()
	}
	if idx < 0 {
		idx = len(s.Actions) + idx
		if idx < 0 {
			idx = 0
		}
	}
	if idx > len(s.Actions) {
		idx = len(s.Actions)
	}
	s.Actions = append(s.Actions, nil)
	copy(s.Actions[idx+1:], s.Actions[idx:])
	s.Actions[idx] = a
	s.renumber()
}

// renumber reassigns the 1-based sequence positions.
func (s *Suite) renumber() {
	for i, a := range s.Actions {
		a.meta().ID = i + 1
	}
}

// Run replays the suite against the record: reset the sinks, run the live
// evaluation entry point once, then execute every action in order.
// Unconfigured actions are skipped; the sinks are reset before every
// non-assertion so each assertion only sees effects of the latest step.
// The first error halts the replay, tagged with the failing action's UUID.
func (s *Suite) Run(ctx context.Context, rt *Runtime, rec *model.Record) error {
	workflowID := rt.Engine.Workflow.ID
	start := time.Now()

	err := s.run(ctx, rt, rec)
	result := "success"
	if err != nil {
		result = "failure"
	}
	rt.Env.Metrics.RecordReplay(workflowID, result, time.Since(start))
	return err
}

func (s *Suite) run(ctx context.Context, rt *Runtime, rec *model.Record) error {
	if rt.Env.Sinks == nil {
		return model.NewConfigurationError("replay needs side-effect sinks attached")
	}
	rt.Env.Sinks.Reset()
	rt.pendingComment = ""

	if err := rt.Engine.PerformWorkflow(ctx, rt.Env, rec); err != nil {
		return err
	}

	log := observability.ContextLogger(ctx, rt.Env.Logger)

	for _, a := range s.Actions {
		meta := a.meta()
		if !a.IsConfigured() {
			rt.Env.Metrics.RecordReplayAction(meta.Key, "skipped")
			log.Debug("skipping unconfigured action",
				zap.String("key", meta.Key), zap.Int("id", meta.ID))
			continue
		}
		if !a.IsAssertion() {
			rt.Env.Sinks.Reset()
		}

		if err := a.Perform(ctx, rt, rec); err != nil {
			rt.Env.Metrics.RecordReplayAction(meta.Key, "failure")
			if a.IsAssertion() {
				rt.Env.Metrics.RecordAssertionFailure(meta.Key)
			}
			if te, ok := err.(*model.TestError); ok {
				te.ActionUUID = meta.UUID
				te.Details = append(te.Details, fmt.Sprintf("record status: %s", rec.StatusID))
			}
			log.Info("replay halted",
				zap.String("key", meta.Key),
				zap.Int("id", meta.ID),
				zap.String("uuid", meta.UUID),
				zap.Error(err))
			return err
		}
		rt.Env.Metrics.RecordReplayAction(meta.Key, "ok")
	}

	observability.RecordLogger(log, rec).Debug("replay completed",
		zap.Int("actions", len(s.Actions)))
	return nil
}
