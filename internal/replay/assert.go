package replay

import (
	"context"
	"fmt"
	"strings"

	"github.com/casevia/flowtrace/internal/engine"
	"github.com/casevia/flowtrace/model"
)

// AssertStatus checks the record's current status by name.
type AssertStatus struct {
	base
	StatusName string `json:"status_name,omitempty"`
}

func (a *AssertStatus) IsAssertion() bool  { return true }
func (a *AssertStatus) IsConfigured() bool { return a.StatusName != "" }

func (a *AssertStatus) Perform(_ context.Context, rt *Runtime, rec *model.Record) error {
	want, ok := rt.Engine.Workflow.StatusByName(a.StatusName)
	if !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", a.StatusName)
	}
	if rec.StatusID == want.ID {
		return nil
	}
	gotName := rec.StatusID
	if got, ok := rt.Engine.Workflow.Status(rec.StatusID); ok {
		gotName = got.Name
	}
	return model.NewAssertionError(
		fmt.Sprintf("status is %q, expected %q", gotName, a.StatusName), nil)
}

// AssertEmail checks that one captured email matches every declared
// criterion and consumes it.
type AssertEmail struct {
	base
	Addresses      []string `json:"addresses,omitempty"`
	SubjectStrings []string `json:"subject_strings,omitempty"`
	BodyStrings    []string `json:"body_strings,omitempty"`
}

func (a *AssertEmail) IsAssertion() bool { return true }
func (a *AssertEmail) IsConfigured() bool {
	return len(a.Addresses) > 0 || len(a.SubjectStrings) > 0 || len(a.BodyStrings) > 0
}

func (a *AssertEmail) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	_, diags, ok := rt.Env.Sinks.Emails.TakeMatching(func(e *model.EmailPart) (string, bool) {
		for _, addr := range a.Addresses {
			if !containsString(e.Addresses, addr) {
				return fmt.Sprintf("email to %s: missing recipient %q", strings.Join(e.Addresses, ", "), addr), false
			}
		}
		for _, s := range a.SubjectStrings {
			if !isSubstring(e.Subject, s) {
				return fmt.Sprintf("email %q: subject does not contain %q", e.Subject, s), false
			}
		}
		for _, s := range a.BodyStrings {
			if !isSubstring(e.Body, s) {
				return fmt.Sprintf("email %q: body does not contain %q", e.Subject, s), false
			}
		}
		return "", true
	})
	if !ok {
		return model.NewAssertionError("no sent email matches", diags)
	}
	return nil
}

// AssertSMS checks that one captured SMS matches every declared criterion
// and consumes it. With no criteria it matches any SMS.
type AssertSMS struct {
	base
	PhoneNumbers []string `json:"phone_numbers,omitempty"`
	BodyStrings  []string `json:"body_strings,omitempty"`
}

func (a *AssertSMS) IsAssertion() bool  { return true }
func (a *AssertSMS) IsConfigured() bool { return true }

func (a *AssertSMS) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	_, diags, ok := rt.Env.Sinks.SMS.TakeMatching(func(s *model.SMSPart) (string, bool) {
		for _, n := range a.PhoneNumbers {
			if !containsString(s.PhoneNumbers, n) {
				return fmt.Sprintf("sms to %s: missing number %q", strings.Join(s.PhoneNumbers, ", "), n), false
			}
		}
		for _, b := range a.BodyStrings {
			if !isSubstring(s.Body, b) {
				return fmt.Sprintf("sms %q: body does not contain %q", s.Body, b), false
			}
		}
		return "", true
	})
	if !ok {
		return model.NewAssertionError("no sent sms matches", diags)
	}
	return nil
}

// AssertHistoryMessage checks that one captured history message contains
// every declared substring, comparing the tag-stripped text, and consumes it.
type AssertHistoryMessage struct {
	base
	MessageStrings []string `json:"message_strings,omitempty"`
}

func (a *AssertHistoryMessage) IsAssertion() bool  { return true }
func (a *AssertHistoryMessage) IsConfigured() bool { return len(a.MessageStrings) > 0 }

func (a *AssertHistoryMessage) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	_, diags, ok := rt.Env.Sinks.HistoryMessages.TakeMatching(func(msg string) (string, bool) {
		text := stripTags(msg)
		for _, s := range a.MessageStrings {
			if !isSubstring(text, s) {
				return fmt.Sprintf("message %q does not contain %q", normalizeString(text), s), false
			}
		}
		return "", true
	})
	if !ok {
		return model.NewAssertionError("no history message matches", diags)
	}
	return nil
}

// AssertWebserviceCall checks that one captured webservice call targeted the
// given URL and consumes it.
type AssertWebserviceCall struct {
	base
	URL string `json:"url,omitempty"`
}

func (a *AssertWebserviceCall) IsAssertion() bool  { return true }
func (a *AssertWebserviceCall) IsConfigured() bool { return a.URL != "" }

func (a *AssertWebserviceCall) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	_, diags, ok := rt.Env.Sinks.WebserviceCalls.TakeMatching(func(c *model.WsCallPart) (string, bool) {
		if c.URL != a.URL {
			return fmt.Sprintf("call to %q, expected %q", c.URL, a.URL), false
		}
		return "", true
	})
	if !ok {
		return model.NewAssertionError("no webservice call matches", diags)
	}
	return nil
}

// AssertBackofficeFields checks current record field values.
type AssertBackofficeFields struct {
	base
	Fields []FieldValue `json:"fields,omitempty"`
}

func (a *AssertBackofficeFields) IsAssertion() bool  { return true }
func (a *AssertBackofficeFields) IsConfigured() bool { return len(a.Fields) > 0 }

func (a *AssertBackofficeFields) Perform(_ context.Context, _ *Runtime, rec *model.Record) error {
	var diags []string
	for _, f := range a.Fields {
		got := stringValue(rec.Data[f.FieldID])
		if got != f.Value {
			diags = append(diags, fmt.Sprintf("field %q is %q, expected %q", f.FieldID, got, f.Value))
		}
	}
	if len(diags) > 0 {
		return model.NewAssertionError("backoffice field values do not match", diags)
	}
	return nil
}

// AssertAnonymise checks that the record was anonymised by the latest step.
type AssertAnonymise struct {
	base
}

func (a *AssertAnonymise) IsAssertion() bool  { return true }
func (a *AssertAnonymise) IsConfigured() bool { return true }

func (a *AssertAnonymise) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	if !rt.Env.Sinks.AnonymisationPerformed {
		return model.NewAssertionError("record was not anonymised", nil)
	}
	return nil
}

// AssertRedirect checks the redirect URL produced by the latest step.
type AssertRedirect struct {
	base
	URL string `json:"url,omitempty"`
}

func (a *AssertRedirect) IsAssertion() bool  { return true }
func (a *AssertRedirect) IsConfigured() bool { return a.URL != "" }

func (a *AssertRedirect) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	got := rt.Env.Sinks.RedirectURL
	if got == "" {
		return model.NewAssertionError("no redirect was performed", nil)
	}
	if !isSubstring(got, a.URL) {
		return model.NewAssertionError(
			fmt.Sprintf("redirected to %q, expected %q", got, a.URL), nil)
	}
	return nil
}

// AssertCriticality checks the record's criticality level by name.
type AssertCriticality struct {
	base
	LevelName string `json:"level_name,omitempty"`
}

func (a *AssertCriticality) IsAssertion() bool  { return true }
func (a *AssertCriticality) IsConfigured() bool { return a.LevelName != "" }

func (a *AssertCriticality) Perform(_ context.Context, rt *Runtime, rec *model.Record) error {
	levels := rt.Engine.Workflow.CriticalityLevels
	if rec.CriticalityLevel < 0 || rec.CriticalityLevel >= len(levels) {
		return model.NewBrokenReferenceError("Broken, missing criticality level %d", rec.CriticalityLevel)
	}
	got := levels[rec.CriticalityLevel].Name
	if got != a.LevelName {
		return model.NewAssertionError(
			fmt.Sprintf("criticality is %q, expected %q", got, a.LevelName), nil)
	}
	return nil
}

// AssertFormCreation checks that the latest step created a form record with
// the given slug and field values, and consumes it.
type AssertFormCreation struct {
	base
	Slug     string       `json:"slug,omitempty"`
	Mappings []FieldValue `json:"mappings,omitempty"`
}

func (a *AssertFormCreation) IsAssertion() bool  { return true }
func (a *AssertFormCreation) IsConfigured() bool { return a.Slug != "" }

func (a *AssertFormCreation) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	return assertLinkedRecord(&rt.Env.Sinks.CreatedFormdata, a.Slug, a.Mappings, "created form")
}

// AssertCardCreation checks that the latest step created a card record with
// the given slug and field values, and consumes it.
type AssertCardCreation struct {
	base
	Slug     string       `json:"slug,omitempty"`
	Mappings []FieldValue `json:"mappings,omitempty"`
}

func (a *AssertCardCreation) IsAssertion() bool  { return true }
func (a *AssertCardCreation) IsConfigured() bool { return a.Slug != "" }

func (a *AssertCardCreation) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	return assertLinkedRecord(&rt.Env.Sinks.CreatedCarddata, a.Slug, a.Mappings, "created card")
}

// AssertCardEdition checks that the latest step edited a linked card with the
// given slug and resulting field values, and consumes it.
type AssertCardEdition struct {
	base
	Slug     string       `json:"slug,omitempty"`
	Mappings []FieldValue `json:"mappings,omitempty"`
}

func (a *AssertCardEdition) IsAssertion() bool  { return true }
func (a *AssertCardEdition) IsConfigured() bool { return a.Slug != "" }

func (a *AssertCardEdition) Perform(_ context.Context, rt *Runtime, _ *model.Record) error {
	return assertLinkedRecord(&rt.Env.Sinks.EditedCarddata, a.Slug, a.Mappings, "edited card")
}

// AssertUserCanView checks that the resolved user is allowed to see the
// record: the submitter, or a holder of one of the record's function roles.
type AssertUserCanView struct {
	base
	Who   string `json:"who,omitempty"`
	WhoID string `json:"who_id,omitempty"`
}

func (a *AssertUserCanView) IsAssertion() bool  { return true }
func (a *AssertUserCanView) IsConfigured() bool { return a.Who != "" || a.WhoID != "" }

func (a *AssertUserCanView) Perform(_ context.Context, rt *Runtime, rec *model.Record) error {
	user, err := resolveWho(rt, rec, a.Who, a.WhoID)
	if err != nil {
		return err
	}
	if user == nil {
		return model.NewBrokenReferenceError("Broken, missing user")
	}
	if user.ID == rec.SubmitterID {
		return nil
	}
	for _, roleID := range rec.Functions {
		if user.HasRole(roleID) {
			return nil
		}
	}
	return model.NewAssertionError(
		fmt.Sprintf("user %q cannot view this record", user.ID), nil)
}

// AssertAlert checks that the current status displays a message containing
// every declared substring.
type AssertAlert struct {
	base
	MessageStrings []string `json:"message_strings,omitempty"`
}

func (a *AssertAlert) IsAssertion() bool  { return true }
func (a *AssertAlert) IsConfigured() bool { return len(a.MessageStrings) > 0 }

func (a *AssertAlert) Perform(_ context.Context, rt *Runtime, rec *model.Record) error {
	st, ok := rt.Engine.Workflow.Status(rec.StatusID)
	if !ok {
		return model.NewBrokenReferenceError("Broken, missing status %q", rec.StatusID)
	}
	alerts := append([]string{}, st.Messages...)
	for i := range st.Items {
		if st.Items[i].Kind == model.ItemDisplayMessage {
			alerts = append(alerts, st.Items[i].Comment)
		}
	}
	var diags []string
	for _, alert := range alerts {
		matched := true
		for _, s := range a.MessageStrings {
			if !isSubstring(stripTags(alert), s) {
				diags = append(diags, fmt.Sprintf("alert %q does not contain %q", normalizeString(stripTags(alert)), s))
				matched = false
				break
			}
		}
		if matched {
			return nil
		}
	}
	if len(diags) == 0 {
		diags = nil
	}
	return model.NewAssertionError("no displayed message matches", diags)
}

func assertLinkedRecord(q *engine.Queue[*model.Record], slug string, mappings []FieldValue, what string) error {
	_, diags, ok := q.TakeMatching(func(r *model.Record) (string, bool) {
		if r.Slug != slug {
			return fmt.Sprintf("%s %q, expected slug %q", what, r.Slug, slug), false
		}
		for _, m := range mappings {
			got := stringValue(r.Data[m.FieldID])
			if got != m.Value {
				return fmt.Sprintf("%s %q: field %q is %q, expected %q", what, r.Slug, m.FieldID, got, m.Value), false
			}
		}
		return "", true
	})
	if !ok {
		return model.NewAssertionError(fmt.Sprintf("no %s matches", what), diags)
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
