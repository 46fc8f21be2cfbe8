package replay

import (
	"context"
	"time"

	"github.com/casevia/flowtrace/internal/engine"
	"github.com/casevia/flowtrace/model"
)

// ButtonClick simulates an actor clicking a workflow button: first a choice
// button of the current status, then a manual global action button of the
// same name. A pending FillComment is recorded with the click.
type ButtonClick struct {
	base
	ButtonName string `json:"button_name,omitempty"`
	Who        string `json:"who,omitempty"`
	WhoID      string `json:"who_id,omitempty"`
}

func (a *ButtonClick) IsAssertion() bool  { return false }
func (a *ButtonClick) IsConfigured() bool { return a.ButtonName != "" }

func (a *ButtonClick) Perform(ctx context.Context, rt *Runtime, rec *model.Record) error {
	user, err := resolveWho(rt, rec, a.Who, a.WhoID)
	if err != nil {
		return err
	}

	if rt.pendingComment != "" {
		rec.CurrentEvolution().AddPart(&model.JournalPart{Content: rt.pendingComment})
		if rt.Env.Sinks != nil {
			rt.Env.Sinks.HistoryMessages.Put(rt.pendingComment)
		}
		rt.pendingComment = ""
	}

	err = rt.Engine.ClickButton(ctx, rt.Env, rec, a.ButtonName, user)
	if te, ok := err.(*model.TestError); ok && te.Code == model.ErrCodeNotFound {
		return rt.Engine.ClickGlobalActionButton(ctx, rt.Env, rec, a.ButtonName, user)
	}
	return err
}

// SkipTime advances the fake clock, then re-runs the timeout evaluation that
// a scan pass would run, against only the record under test.
type SkipTime struct {
	base
	Seconds int `json:"seconds,omitempty"`
}

func (a *SkipTime) IsAssertion() bool  { return false }
func (a *SkipTime) IsConfigured() bool { return a.Seconds > 0 }

func (a *SkipTime) Perform(ctx context.Context, rt *Runtime, rec *model.Record) error {
	if rt.Clock == nil {
		return model.NewConfigurationError("skip-time needs a steppable clock")
	}
	rt.Clock.Advance(time.Duration(a.Seconds) * time.Second)

	if _, err := rt.Engine.EvaluateTimeoutJumps(ctx, rt.Env, rec); err != nil {
		return err
	}
	return rt.Engine.ApplyGlobalTimeouts(ctx, rt.Env, engine.SingleRecordSource{Record: rec})
}

// FillForm submits a workflow form of the current status.
type FillForm struct {
	base
	FormItemID string       `json:"form_item_id,omitempty"`
	Fields     []FieldValue `json:"fields,omitempty"`
	Who        string       `json:"who,omitempty"`
	WhoID      string       `json:"who_id,omitempty"`
}

func (a *FillForm) IsAssertion() bool  { return false }
func (a *FillForm) IsConfigured() bool { return a.FormItemID != "" && len(a.Fields) > 0 }

func (a *FillForm) Perform(ctx context.Context, rt *Runtime, rec *model.Record) error {
	user, err := resolveWho(rt, rec, a.Who, a.WhoID)
	if err != nil {
		return err
	}
	return rt.Engine.SubmitForm(ctx, rt.Env, rec, a.FormItemID, fieldValuesToMap(a.Fields), user)
}

// FillComment stages a comment to be recorded with the next ButtonClick.
type FillComment struct {
	base
	Comment string `json:"comment,omitempty"`
}

func (a *FillComment) IsAssertion() bool  { return false }
func (a *FillComment) IsConfigured() bool { return a.Comment != "" }

func (a *FillComment) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	rt.pendingComment = a.Comment
	return nil
}

// EditForm performs an edit action on the record.
type EditForm struct {
	base
	EditItemID string       `json:"edit_item_id,omitempty"`
	Fields     []FieldValue `json:"fields,omitempty"`
	Who        string       `json:"who,omitempty"`
	WhoID      string       `json:"who_id,omitempty"`
}

func (a *EditForm) IsAssertion() bool  { return false }
func (a *EditForm) IsConfigured() bool { return a.EditItemID != "" && len(a.Fields) > 0 }

func (a *EditForm) Perform(ctx context.Context, rt *Runtime, rec *model.Record) error {
	user, err := resolveWho(rt, rec, a.Who, a.WhoID)
	if err != nil {
		return err
	}
	return rt.Engine.ApplyEdit(ctx, rt.Env, rec, a.EditItemID, fieldValuesToMap(a.Fields), user)
}
