package replay

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/casevia/flowtrace/model"
)

// compileNamespace seeds the deterministic UUIDs of compiled actions, so
// compiling the same trace twice yields identical suites.
var compileNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// waitPoints are the events where the compiled script asserts the expected
// status immediately before simulating the actor's input.
var waitPoints = map[string]bool{
	model.EventButton:             true,
	model.EventGlobalActionButton: true,
	model.EventTimeoutJump:        true,
	model.EventEditAction:         true,
}

// Compiler synthesizes a test suite from a record's workflow trace and
// evolution log.
type Compiler struct {
	Workflow *model.Workflow
}

// pooledPart is one not-yet-consumed evolution part, tagged with the status
// of the evolution entry that recorded it.
type pooledPart struct {
	statusID string
	part     model.EvolutionPart
	used     bool
}

type partPool []*pooledPart

func buildPool(rec *model.Record) partPool {
	var pool partPool
	for _, evo := range rec.Evolution {
		for _, p := range evo.Parts {
			pool = append(pool, &pooledPart{statusID: evo.StatusID, part: p})
		}
	}
	return pool
}

// take consumes and returns the first unused part accepted by match. A part
// feeds exactly one compiled action.
func (pool partPool) take(match func(statusID string, p model.EvolutionPart) bool) model.EvolutionPart {
	for _, pp := range pool {
		if pp.used {
			continue
		}
		if match(pp.statusID, pp.part) {
			pp.used = true
			return pp.part
		}
	}
	return nil
}

// Compile walks the record's workflow trace in order and synthesizes the
// test actions that reproduce it. Every wait-point event is bracketed by an
// AssertStatus placed right after the previous wait-point's input, and one
// final AssertStatus captures the terminal status. A record with an empty
// trace compiles to an empty suite. Trace entries with no known mapping are
// skipped; missing evolution parts leave the mapped action partially
// configured, which the replayer skips.
func (c *Compiler) Compile(rec *model.Record) (*Suite, error) {
	var actions []Action
	pool := buildPool(rec)

	insertIdx := -1
	prevTime := rec.CreatedAt

	for i := range rec.Traces {
		tr := &rec.Traces[i]
		key := tr.JoinKey()

		action := c.actionFromTrace(tr, prevTime, pool)
		prevTime = tr.Timestamp
		if action == nil {
			continue
		}

		if waitPoints[key] {
			assert := c.newAssertStatus(tr.StatusID)
			actions = insertAction(actions, insertIdx, assert)
			insertIdx = len(actions) + 1
			actions = append(actions, action)
			continue
		}
		actions = append(actions, action)
	}

	if len(rec.Traces) > 0 {
		final := c.newAssertStatus(rec.StatusID)
		actions = insertAction(actions, insertIdx, final)
	}

	for i, a := range actions {
		meta := a.meta()
		meta.ID = i + 1
		meta.UUID = uuid.NewSHA1(compileNamespace,
			[]byte(fmt.Sprintf("%s/%d/%s", rec.ID, i, meta.Key))).String()
	}
	return &Suite{Actions: actions}, nil
}

// insertAction places a at idx with clamping: negative indexes count from
// the end, out-of-range indexes clamp to the list bounds.
func insertAction(list []Action, idx int, a Action) []Action {
	if idx < 0 {
		idx = len(list) + idx
		if idx < 0 {
			idx = 0
		}
	}
	if idx > len(list) {
		idx = len(list)
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = a
	return list
}

func (c *Compiler) newAssertStatus(statusID string) *AssertStatus {
	a := &AssertStatus{base: base{Key: KeyAssertStatus}}
	if st, ok := c.Workflow.Status(statusID); ok {
		a.StatusName = st.Name
	}
	return a
}

// actionFromTrace maps one trace entry to its test action variant, filling
// static attributes from the entry and dynamic attributes from the matching
// evolution part. Unknown keys map to nothing.
func (c *Compiler) actionFromTrace(tr *model.TraceEntry, prevTime time.Time, pool partPool) Action {
	switch tr.JoinKey() {
	case model.EventButton:
		a := &ButtonClick{base: base{Key: KeyButtonClick}, Who: tr.Args["who"], WhoID: tr.Args["who_id"]}
		if item, _, ok := c.Workflow.FindItem(tr.Args["action_item_id"]); ok {
			a.ButtonName = item.Label
		}
		return a

	case model.EventGlobalActionButton:
		a := &ButtonClick{base: base{Key: KeyButtonClick}, Who: tr.Args["who"], WhoID: tr.Args["who_id"]}
		if ga, ok := c.Workflow.GlobalAction(tr.Args["global_action_id"]); ok {
			a.ButtonName = ga.Name
		}
		return a

	case model.EventTimeoutJump, model.EventGlobalActionTimeout:
		return &SkipTime{
			base:    base{Key: KeySkipTime},
			Seconds: int(tr.Timestamp.Sub(prevTime) / time.Second),
		}

	case model.EventEditAction:
		a := &EditForm{
			base:       base{Key: KeyEditForm},
			EditItemID: tr.Args["action_item_id"],
			Who:        tr.Args["who"],
			WhoID:      tr.Args["who_id"],
		}
		part := pool.take(func(statusID string, p model.EvolutionPart) bool {
			snap, ok := p.(*model.SnapshotPart)
			return ok && snap.Source == "edit-action" && statusID == tr.StatusID
		})
		if snap, ok := part.(*model.SnapshotPart); ok {
			a.Fields = fieldValuesFromMap(snap.New)
		}
		return a

	case model.ItemSendmail:
		a := &AssertEmail{base: base{Key: KeyAssertEmail}}
		part := pool.take(func(statusID string, p model.EvolutionPart) bool {
			_, ok := p.(*model.EmailPart)
			return ok && statusID == tr.StatusID
		})
		if email, ok := part.(*model.EmailPart); ok {
			a.Addresses = email.Addresses
			if email.Subject != "" {
				a.SubjectStrings = []string{email.Subject}
			}
			if email.Body != "" {
				a.BodyStrings = []string{email.Body}
			}
		}
		return a

	case model.ItemSendSMS:
		a := &AssertSMS{base: base{Key: KeyAssertSMS}}
		part := pool.take(func(statusID string, p model.EvolutionPart) bool {
			_, ok := p.(*model.SMSPart)
			return ok && statusID == tr.StatusID
		})
		if sms, ok := part.(*model.SMSPart); ok {
			a.PhoneNumbers = sms.PhoneNumbers
			if sms.Body != "" {
				a.BodyStrings = []string{sms.Body}
			}
		}
		return a

	case model.ItemWebserviceCall:
		pool.take(func(statusID string, p model.EvolutionPart) bool {
			_, ok := p.(*model.WsCallPart)
			return ok && statusID == tr.StatusID
		})
		return &AssertWebserviceCall{base: base{Key: KeyAssertWebserviceCall}, URL: tr.Args["url"]}

	case model.ItemSetBackofficeFields:
		a := &AssertBackofficeFields{base: base{Key: KeyAssertBackofficeField}}
		part := pool.take(func(statusID string, p model.EvolutionPart) bool {
			snap, ok := p.(*model.SnapshotPart)
			return ok && snap.Source == model.ItemSetBackofficeFields && statusID == tr.StatusID
		})
		if snap, ok := part.(*model.SnapshotPart); ok {
			a.Fields = fieldValuesFromMap(snap.New)
		}
		return a

	case model.ItemAnonymise:
		return &AssertAnonymise{base: base{Key: KeyAssertAnonymise}}

	case model.ItemRedirect:
		return &AssertRedirect{base: base{Key: KeyAssertRedirect}, URL: tr.Args["url"]}

	case model.ItemRegisterComment:
		a := &AssertHistoryMessage{base: base{Key: KeyAssertHistoryMessage}}
		part := pool.take(func(statusID string, p model.EvolutionPart) bool {
			_, ok := p.(*model.JournalPart)
			return ok && statusID == tr.StatusID
		})
		if journal, ok := part.(*model.JournalPart); ok {
			if text := normalizeString(stripTags(journal.Content)); text != "" {
				a.MessageStrings = []string{text}
			}
		}
		return a

	case model.ItemModifyCriticality:
		a := &AssertCriticality{base: base{Key: KeyAssertCriticality}}
		if level, err := strconv.Atoi(tr.Args["level"]); err == nil {
			if level >= 0 && level < len(c.Workflow.CriticalityLevels) {
				a.LevelName = c.Workflow.CriticalityLevels[level].Name
			}
		}
		return a

	case model.EventCreatedFormdata:
		a := &AssertFormCreation{base: base{Key: KeyAssertFormCreation}, Slug: tr.Args["slug"]}
		a.Mappings = linkedMappings(pool, tr, model.RecordKindFormdata)
		return a

	case model.EventCreatedCarddata:
		a := &AssertCardCreation{base: base{Key: KeyAssertCardCreation}, Slug: tr.Args["slug"]}
		a.Mappings = linkedMappings(pool, tr, model.RecordKindCarddata)
		return a

	case model.EventEditedCarddata:
		return &AssertCardEdition{base: base{Key: KeyAssertCardEdition}, Slug: tr.Args["slug"]}

	case model.EventWorkflowForm:
		a := &FillForm{
			base:       base{Key: KeyFillForm},
			FormItemID: tr.ActionItemID,
			Who:        tr.Args["who"],
			WhoID:      tr.Args["who_id"],
		}
		part := pool.take(func(_ string, p model.EvolutionPart) bool {
			form, ok := p.(*model.WorkflowFormPart)
			return ok && form.FormItemID == tr.ActionItemID
		})
		if form, ok := part.(*model.WorkflowFormPart); ok {
			a.Fields = fieldValuesFromMap(form.Data)
		}
		return a
	}

	return nil
}

func linkedMappings(pool partPool, tr *model.TraceEntry, kind string) []FieldValue {
	part := pool.take(func(statusID string, p model.EvolutionPart) bool {
		lp, ok := p.(*model.LinkedRecordPart)
		return ok && lp.Kind == kind && lp.Slug == tr.Args["slug"] && statusID == tr.StatusID
	})
	if lp, ok := part.(*model.LinkedRecordPart); ok {
		return fieldValuesFromMap(lp.Data)
	}
	return nil
}
