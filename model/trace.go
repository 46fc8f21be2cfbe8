package model

import "time"

// Trace events. These strings are the join key between live traces and
// compiled test actions and must stay stable.
const (
	EventButton              = "button"
	EventGlobalActionButton  = "global-action-button"
	EventGlobalActionTimeout = "global-action-timeout"
	EventGlobalAPITrigger    = "global-api-trigger"
	EventTimeoutJump         = "timeout-jump"
	EventAPITrigger          = "api-trigger"
	EventEditAction          = "edit-action"
	EventContinuation        = "continuation"
	EventAborted             = "aborted-too-many-jumps"
	EventCreatedFormdata     = "workflow-created-formdata"
	EventCreatedCarddata     = "workflow-created-carddata"
	EventEditedCarddata      = "workflow-edited-carddata"
	EventWorkflowForm        = "form"
)

// TraceEntry is one ordered, immutable entry in a record's workflow trace.
// Either Event or ActionItemKey is set, never both.
type TraceEntry struct {
	ID            string            `json:"id"`
	StatusID      string            `json:"status_id"`
	Event         string            `json:"event,omitempty"`
	ActionItemKey string            `json:"action_item_key,omitempty"`
	ActionItemID  string            `json:"action_item_id,omitempty"`
	Args          map[string]string `json:"args,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// JoinKey returns the key used to map the entry to a test action variant:
// the event name for event entries, the action item key otherwise.
func (t *TraceEntry) JoinKey() string {
	if t.Event != "" {
		return t.Event
	}
	return t.ActionItemKey
}

var eventLabels = map[string]string{
	EventButton:              "Button click",
	EventGlobalActionButton:  "Global action button",
	EventGlobalActionTimeout: "Global action timeout",
	EventGlobalAPITrigger:    "Global action API call",
	EventTimeoutJump:         "Timeout jump",
	EventAPITrigger:          "API call",
	EventEditAction:          "Edit action",
	EventContinuation:        "Continuation",
	EventAborted:             "Aborted (too many jumps)",
	EventCreatedFormdata:     "Created form",
	EventCreatedCarddata:     "Created card",
	EventEditedCarddata:      "Edited card",
	EventWorkflowForm:        "Form submitted",

	ItemSendmail:            "Email",
	ItemSendSMS:             "SMS",
	ItemWebserviceCall:      "Webservice call",
	ItemSetBackofficeFields: "Backoffice field update",
	ItemAnonymise:           "Anonymisation",
	ItemRedirect:            "Redirect",
	ItemRegisterComment:     "History message",
	ItemModifyCriticality:   "Criticality change",
}

// EventLabel returns a human-readable label for the entry.
func (t *TraceEntry) EventLabel() string {
	if l, ok := eventLabels[t.JoinKey()]; ok {
		return l
	}
	return t.JoinKey()
}
