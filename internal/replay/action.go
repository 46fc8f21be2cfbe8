// Package replay compiles recorded workflow traces into declarative test
// actions and replays them deterministically against a fresh record.
package replay

import (
	"context"
	"sort"

	"github.com/casevia/flowtrace/internal/clock"
	"github.com/casevia/flowtrace/internal/engine"
	"github.com/casevia/flowtrace/model"
)

// Action keys. These discriminate serialized test actions and must stay
// stable: stored suites reference them.
const (
	KeyAssertStatus          = "assert-status"
	KeyButtonClick           = "button-click"
	KeySkipTime              = "skip-time"
	KeyAssertEmail           = "assert-email"
	KeyAssertSMS             = "assert-sms"
	KeyAssertHistoryMessage  = "assert-history-message"
	KeyAssertWebserviceCall  = "assert-webservice-call"
	KeyAssertBackofficeField = "assert-backoffice-field"
	KeyAssertAnonymise       = "assert-anonymise"
	KeyAssertRedirect        = "assert-redirect"
	KeyAssertCriticality     = "assert-criticality"
	KeyAssertFormCreation    = "assert-form-creation"
	KeyAssertCardCreation    = "assert-card-creation"
	KeyAssertCardEdition     = "assert-card-edition"
	KeyAssertUserCanView     = "assert-user-can-view"
	KeyAssertAlert           = "assert-alert"
	KeyFillForm              = "fill-form"
	KeyFillComment           = "fill-comment"
	KeyEditForm              = "edit-form"
)

// base carries the identity fields common to every test action: the 1-based
// sequence position, a stable UUID used to cross-reference errors, and the
// variant key.
type base struct {
	ID   int    `json:"id"`
	UUID string `json:"uuid"`
	Key  string `json:"key"`
}

func (b *base) meta() *base { return b }

// Action is one replayable test step: either a read-only assertion against
// the record and its side-effect sinks, or a simulated input that advances
// the record.
type Action interface {
	meta() *base

	// IsAssertion reports whether the action only reads state. The runner
	// resets the side-effect sinks before every non-assertion.
	IsAssertion() bool

	// IsConfigured reports whether every required attribute is set. An
	// unconfigured action is skipped, never an error.
	IsConfigured() bool

	Perform(ctx context.Context, rt *Runtime, rec *model.Record) error
}

// Runtime is the execution context of one replay run: the engine under test,
// its environment with sinks attached, the steppable clock, and the identity
// standing in for the receiver function.
type Runtime struct {
	Engine     *engine.Engine
	Env        *engine.Env
	Clock      *clock.Fake
	ReceiverID string

	pendingComment string
}

// resolveWho resolves a who/who_id pair to a user. An empty pair resolves to
// no user, which restricted actions will reject downstream.
func resolveWho(rt *Runtime, rec *model.Record, who, whoID string) (*model.User, error) {
	var id string
	switch who {
	case "":
		if whoID == "" {
			return nil, nil
		}
		id = whoID
	case "submitter":
		id = rec.SubmitterID
	case "receiver":
		id = rt.ReceiverID
	default:
		id = whoID
	}
	if id == "" {
		return nil, model.NewBrokenReferenceError("Broken, missing user for actor %q", who)
	}
	if rt.Env.Users == nil {
		return nil, model.NewBrokenReferenceError("Broken, missing user %q", id)
	}
	u, ok := rt.Env.Users.UserByID(id)
	if !ok {
		return nil, model.NewBrokenReferenceError("Broken, missing user %q", id)
	}
	return u, nil
}

// FieldValue is one expected or submitted field value, keyed by field ID.
type FieldValue struct {
	FieldID string `json:"field_id"`
	Value   string `json:"value"`
}

// fieldValuesFromMap converts a data map to a sorted FieldValue list. Sorting
// keeps compilation deterministic.
func fieldValuesFromMap(data map[string]any) []FieldValue {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]FieldValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, FieldValue{FieldID: k, Value: stringValue(data[k])})
	}
	return out
}

func fieldValuesToMap(fields []FieldValue) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.FieldID] = f.Value
	}
	return out
}

// factories is the closed registry of action variants, keyed by the
// serialized discriminator.
var factories = map[string]func() Action{
	KeyAssertStatus:          func() Action { return &AssertStatus{base: base{Key: KeyAssertStatus}} },
	KeyButtonClick:           func() Action { return &ButtonClick{base: base{Key: KeyButtonClick}} },
	KeySkipTime:              func() Action { return &SkipTime{base: base{Key: KeySkipTime}} },
	KeyAssertEmail:           func() Action { return &AssertEmail{base: base{Key: KeyAssertEmail}} },
	KeyAssertSMS:             func() Action { return &AssertSMS{base: base{Key: KeyAssertSMS}} },
	KeyAssertHistoryMessage:  func() Action { return &AssertHistoryMessage{base: base{Key: KeyAssertHistoryMessage}} },
	KeyAssertWebserviceCall:  func() Action { return &AssertWebserviceCall{base: base{Key: KeyAssertWebserviceCall}} },
	KeyAssertBackofficeField: func() Action { return &AssertBackofficeFields{base: base{Key: KeyAssertBackofficeField}} },
	KeyAssertAnonymise:       func() Action { return &AssertAnonymise{base: base{Key: KeyAssertAnonymise}} },
	KeyAssertRedirect:        func() Action { return &AssertRedirect{base: base{Key: KeyAssertRedirect}} },
	KeyAssertCriticality:     func() Action { return &AssertCriticality{base: base{Key: KeyAssertCriticality}} },
	KeyAssertFormCreation:    func() Action { return &AssertFormCreation{base: base{Key: KeyAssertFormCreation}} },
	KeyAssertCardCreation:    func() Action { return &AssertCardCreation{base: base{Key: KeyAssertCardCreation}} },
	KeyAssertCardEdition:     func() Action { return &AssertCardEdition{base: base{Key: KeyAssertCardEdition}} },
	KeyAssertUserCanView:     func() Action { return &AssertUserCanView{base: base{Key: KeyAssertUserCanView}} },
	KeyAssertAlert:           func() Action { return &AssertAlert{base: base{Key: KeyAssertAlert}} },
	KeyFillForm:              func() Action { return &FillForm{base: base{Key: KeyFillForm}} },
	KeyFillComment:           func() Action { return &FillComment{base: base{Key: KeyFillComment}} },
	KeyEditForm:              func() Action { return &EditForm{base: base{Key: KeyEditForm}} },
}

// NewAction creates an empty action of the given key.
func NewAction(key string) (Action, bool) {
	f, ok := factories[key]
	if !ok {
		return nil, false
	}
	return f(), true
}
