package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/expr"
	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/model"
)

// performItem executes one side-effect item of the current status or of a
// global action. Delivery failures are logged, never fatal: the workflow
// keeps moving.
func (e *Engine) performItem(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	switch item.Kind {
	case model.ItemSendmail:
		e.performSendmail(ctx, env, rec, item)
	case model.ItemSendSMS:
		e.performSendSMS(ctx, env, rec, item)
	case model.ItemWebserviceCall:
		e.performWebserviceCall(ctx, env, rec, item)
	case model.ItemSetBackofficeFields:
		e.performSetFields(ctx, env, rec, item)
	case model.ItemRegisterComment:
		e.performRegisterComment(ctx, env, rec, item)
	case model.ItemAnonymise:
		e.performAnonymise(ctx, env, rec, item)
	case model.ItemRedirect:
		e.performRedirect(ctx, env, rec, item)
	case model.ItemModifyCriticality:
		e.performModifyCriticality(ctx, env, rec, item)
	case model.ItemCreateFormdata, model.ItemCreateCarddata:
		e.performCreateLinked(ctx, env, rec, item)
	case model.ItemEditCarddata:
		e.performEditCarddata(ctx, env, rec, item)
	case model.ItemChoice, model.ItemEditable, model.ItemForm, model.ItemDisplayMessage:
		// Interactive items wait for external input.
	default:
		observability.RecordLogger(env.log(ctx), rec).Warn("unknown item kind skipped",
			zap.String("item_id", item.ID), zap.String("kind", item.Kind))
	}
}

func (e *Engine) render(ctx context.Context, env *Env, rec *model.Record, template string) (string, bool) {
	r := &expr.Resolver{Record: rec}
	out, err := r.Render(template)
	if err != nil {
		observability.RecordLogger(env.log(ctx), rec).Warn("template rendering failed",
			zap.String("template", template), zap.Error(err))
		return "", false
	}
	return out, true
}

// resolveRecipients expands the recipient list: function keys resolve to the
// matching user's email, literal addresses pass through, anything else is
// treated as a user ID.
func (e *Engine) resolveRecipients(ctx context.Context, env *Env, rec *model.Record, to []string) []string {
	var out []string
	for _, entry := range to {
		if strings.Contains(entry, "{{") {
			rendered, ok := e.render(ctx, env, rec, entry)
			if !ok {
				continue
			}
			entry = rendered
		}
		switch {
		case entry == model.FunctionSubmitter:
			if u, ok := env.userByID(rec.SubmitterID); ok && u.Email != "" {
				out = append(out, u.Email)
			}
		case strings.Contains(entry, "@"):
			out = append(out, entry)
		default:
			if u, ok := env.userByID(entry); ok && u.Email != "" {
				out = append(out, u.Email)
			}
		}
	}
	return out
}

func (e *Engine) performSendmail(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	subject, ok := e.render(ctx, env, rec, item.Subject)
	if !ok {
		return
	}
	body, ok := e.render(ctx, env, rec, item.Body)
	if !ok {
		return
	}
	part := &model.EmailPart{
		Addresses: e.resolveRecipients(ctx, env, rec, item.To),
		Subject:   subject,
		Body:      body,
	}
	rec.CurrentEvolution().AddPart(part)
	if env.Sinks != nil {
		env.Sinks.Emails.Put(part)
	} else if env.Mailer != nil {
		if err := env.Mailer.SendEmail(ctx, part); err != nil {
			observability.RecordLogger(env.log(ctx), rec).Error("email delivery failed", zap.Error(err))
		}
	}
	e.recordAction(ctx, env, rec, item, nil)
}

func (e *Engine) performSendSMS(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	body, ok := e.render(ctx, env, rec, item.Body)
	if !ok {
		return
	}
	var numbers []string
	for _, n := range item.PhoneNumbers {
		if rendered, ok := e.render(ctx, env, rec, n); ok && rendered != "" {
			numbers = append(numbers, rendered)
		}
	}
	part := &model.SMSPart{PhoneNumbers: numbers, Body: body}
	rec.CurrentEvolution().AddPart(part)
	if env.Sinks != nil {
		env.Sinks.SMS.Put(part)
	} else if env.SMS != nil {
		if err := env.SMS.SendSMS(ctx, part); err != nil {
			observability.RecordLogger(env.log(ctx), rec).Error("sms delivery failed", zap.Error(err))
		}
	}
	e.recordAction(ctx, env, rec, item, nil)
}

func (e *Engine) performWebserviceCall(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	url, ok := e.render(ctx, env, rec, item.URL)
	if !ok {
		return
	}
	part := &model.WsCallPart{Varname: item.Varname, URL: url}
	if env.Sinks != nil {
		env.Sinks.WebserviceCalls.Put(part)
	} else if env.Webservice != nil {
		status, body, err := env.Webservice.Call(ctx, url, rec.Data)
		if err != nil {
			observability.RecordLogger(env.log(ctx), rec).Error("webservice call failed",
				zap.String("url", url), zap.Error(err))
		} else {
			part.ResponseStatus = status
			part.ResponseBody = body
			if item.Varname != "" {
				if rec.Data == nil {
					rec.Data = make(map[string]any)
				}
				rec.Data[item.Varname] = body
			}
		}
	}
	rec.CurrentEvolution().AddPart(part)
	e.recordAction(ctx, env, rec, item, map[string]string{"url": url})
}

func (e *Engine) performSetFields(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	old := make(map[string]any, len(item.Fields))
	updated := make(map[string]any, len(item.Fields))
	for _, f := range item.Fields {
		val, ok := e.render(ctx, env, rec, f.Value)
		if !ok {
			continue
		}
		old[f.FieldID] = rec.Data[f.FieldID]
		rec.Data[f.FieldID] = val
		updated[f.FieldID] = val
	}
	if len(updated) == 0 {
		return
	}
	rec.CurrentEvolution().AddPart(&model.SnapshotPart{Source: item.Kind, Old: old, New: updated})
	e.recordAction(ctx, env, rec, item, nil)
	observability.RecordLogger(env.log(ctx), rec).Debug("backoffice fields updated",
		zap.Any("fields", observability.RedactData(updated, nil)))
}

func (e *Engine) performRegisterComment(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	msg, ok := e.render(ctx, env, rec, item.Comment)
	if !ok {
		return
	}
	rec.CurrentEvolution().AddPart(&model.JournalPart{Content: msg})
	if env.Sinks != nil {
		env.Sinks.HistoryMessages.Put(msg)
	}
	e.recordAction(ctx, env, rec, item, nil)
}

func (e *Engine) performAnonymise(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	rec.Anonymised = true
	rec.Data = map[string]any{}
	if env.Sinks != nil {
		env.Sinks.AnonymisationPerformed = true
	}
	e.recordAction(ctx, env, rec, item, nil)
}

func (e *Engine) performRedirect(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	url, ok := e.render(ctx, env, rec, item.URL)
	if !ok {
		return
	}
	if env.Sinks != nil {
		env.Sinks.RedirectURL = url
	}
	e.recordAction(ctx, env, rec, item, map[string]string{"url": url})
}

func (e *Engine) performModifyCriticality(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	top := len(e.Workflow.CriticalityLevels) - 1
	if top < 0 {
		observability.RecordLogger(env.log(ctx), rec).Warn("criticality change without configured levels",
			zap.String("item_id", item.ID))
		return
	}
	level := rec.CriticalityLevel
	switch item.CriticalityMode {
	case model.CriticalityRaise, "":
		level++
	case model.CriticalityLower:
		level--
	case model.CriticalitySet:
		level = item.CriticalityLevel
	}
	if level < 0 {
		level = 0
	}
	if level > top {
		level = top
	}
	rec.CriticalityLevel = level
	e.recordAction(ctx, env, rec, item, map[string]string{"level": strconv.Itoa(level)})
}

func (e *Engine) performCreateLinked(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	kind := model.RecordKindFormdata
	event := model.EventCreatedFormdata
	if item.Kind == model.ItemCreateCarddata {
		kind = model.RecordKindCarddata
		event = model.EventCreatedCarddata
	}

	data := make(map[string]any, len(item.Mappings))
	for _, m := range item.Mappings {
		val, ok := e.render(ctx, env, rec, m.Value)
		if !ok {
			continue
		}
		data[m.FieldID] = val
	}

	now := env.now()
	child := &model.Record{
		ID:        uuid.NewString(),
		Slug:      item.TargetSlug,
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.CurrentEvolution().AddPart(&model.LinkedRecordPart{
		Kind:     kind,
		Slug:     item.TargetSlug,
		RecordID: child.ID,
		Data:     data,
	})
	if env.Sinks != nil {
		if kind == model.RecordKindFormdata {
			env.Sinks.CreatedFormdata.Put(child)
		} else {
			env.Sinks.CreatedCarddata.Put(child)
		}
	} else if env.Store != nil {
		if err := env.Store.Create(ctx, child); err != nil {
			observability.RecordLogger(env.log(ctx), rec).Error("linked record creation failed",
				zap.String("slug", item.TargetSlug), zap.Error(err))
		}
	}
	e.recordEvent(ctx, env, rec, event, map[string]string{
		"slug":      item.TargetSlug,
		"record_id": child.ID,
	})
}

func (e *Engine) performEditCarddata(ctx context.Context, env *Env, rec *model.Record, item *model.Item) {
	// Find the most recent linked card with the target slug.
	var linked *model.LinkedRecordPart
	for _, evo := range rec.Evolution {
		for _, p := range evo.Parts {
			if lp, ok := p.(*model.LinkedRecordPart); ok && lp.Slug == item.TargetSlug && lp.Kind == model.RecordKindCarddata {
				linked = lp
			}
		}
	}
	if linked == nil {
		observability.RecordLogger(env.log(ctx), rec).Warn("no linked card to edit",
			zap.String("slug", item.TargetSlug))
		return
	}

	data := make(map[string]any, len(linked.Data)+len(item.Mappings))
	for k, v := range linked.Data {
		data[k] = v
	}
	for _, m := range item.Mappings {
		val, ok := e.render(ctx, env, rec, m.Value)
		if !ok {
			continue
		}
		data[m.FieldID] = val
	}
	linked.Data = data

	edited := &model.Record{
		ID:        linked.RecordID,
		Slug:      linked.Slug,
		Kind:      model.RecordKindCarddata,
		Data:      data,
		UpdatedAt: env.now(),
	}
	if env.Sinks != nil {
		env.Sinks.EditedCarddata.Put(edited)
	}
	e.recordEvent(ctx, env, rec, model.EventEditedCarddata, map[string]string{
		"slug":      linked.Slug,
		"record_id": linked.RecordID,
	})
}

// SubmitForm records a workflow form submission: the named form item of the
// current status receives the given field values.
func (e *Engine) SubmitForm(ctx context.Context, env *Env, rec *model.Record, itemID string, data map[string]any, user *model.User) error {
	st, ok := e.Workflow.Status(rec.StatusID)
	if !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", rec.StatusID)
	}
	item, ok := st.Item(itemID)
	if !ok || item.Kind != model.ItemForm {
		return model.NewBrokenReferenceError("Broken, missing form action %q", itemID)
	}
	if !e.checkAuth(rec, item.By, user) {
		return model.NewForbiddenError("form action %q is not available to this user", itemID)
	}
	fired, err := e.checkCondition(env, rec, item.Condition, "", nil, user)
	if err != nil || !fired {
		return model.NewNotFoundError("form action %q is not displayed", itemID)
	}

	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	for k, v := range data {
		rec.Data[k] = v
	}
	rec.CurrentEvolution().AddPart(&model.WorkflowFormPart{FormItemID: itemID, Data: data})

	who, whoID := e.whoHint(rec, user)
	e.recordAction(ctx, env, rec, item, traceWhoArgs(nil, who, whoID))
	return nil
}

// ApplyEdit performs an edit action: merges the edited field values into the
// record, records the edit in the trace, then re-runs the workflow (jumping
// first when the edit action targets a status).
func (e *Engine) ApplyEdit(ctx context.Context, env *Env, rec *model.Record, itemID string, data map[string]any, user *model.User) error {
	item, st, ok := e.Workflow.FindItem(itemID)
	if !ok || item.Kind != model.ItemEditable {
		return model.NewBrokenReferenceError("Broken, missing edit action %q", itemID)
	}
	if st == nil || st.ID != rec.StatusID {
		return model.NewNotFoundError("edit action %q is not available in status %q", itemID, rec.StatusID)
	}
	if !e.checkAuth(rec, item.By, user) {
		return model.NewForbiddenError("edit action %q is not available to this user", itemID)
	}

	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	old := make(map[string]any, len(data))
	for k, v := range data {
		old[k] = rec.Data[k]
		rec.Data[k] = v
	}
	rec.CurrentEvolution().AddPart(&model.SnapshotPart{Source: "edit-action", Old: old, New: data})

	who, whoID := e.whoHint(rec, user)
	e.recordEvent(ctx, env, rec, model.EventEditAction,
		traceWhoArgs(map[string]string{"action_item_id": itemID}, who, whoID))

	if item.TargetStatusID != "" {
		if err := e.jumpTo(ctx, env, rec, item.TargetStatusID); err != nil {
			return err
		}
	}
	return e.performStatus(ctx, env, rec, e.chainLimit())
}

// traceWhoArgs merges actor hints into trace args, allocating only when
// something is set.
func traceWhoArgs(args map[string]string, who, whoID string) map[string]string {
	if who == "" && whoID == "" {
		return args
	}
	if args == nil {
		args = make(map[string]string, 2)
	}
	if who != "" {
		args["who"] = who
	}
	if whoID != "" {
		args["who_id"] = whoID
	}
	return args
}
