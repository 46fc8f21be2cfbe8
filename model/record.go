package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record kinds.
const (
	RecordKindFormdata = "formdata"
	RecordKindCarddata = "carddata"
)

// Workflow function keys resolved against Record.Functions.
const (
	FunctionSubmitter = "_submitter"
	FunctionReceiver  = "_receiver"
)

// Record is the entity routed through a workflow: current status, typed
// field data, and an append-only evolution log of side effects.
type Record struct {
	ID          string `json:"id"`
	WorkflowID  string `json:"workflow_id"`
	Slug        string `json:"slug"`
	Kind        string `json:"kind"`
	SubmitterID string `json:"submitter_id,omitempty"`

	// Functions maps workflow function keys ("_receiver", ...) to role IDs.
	Functions map[string]string `json:"functions,omitempty"`

	Data             map[string]any `json:"data,omitempty"`
	StatusID         string         `json:"status_id"`
	CriticalityLevel int            `json:"criticality_level,omitempty"`
	Anonymised       bool           `json:"anonymised,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Evolution []*Evolution `json:"evolution,omitempty"`
	Traces    []TraceEntry `json:"traces,omitempty"`

	// Version is the optimistic concurrency token used by stores.
	Version int64 `json:"version,omitempty"`
}

// CurrentEvolution returns the most recent evolution entry, creating an
// initial one for the current status when the log is empty.
func (r *Record) CurrentEvolution() *Evolution {
	if len(r.Evolution) == 0 {
		r.Evolution = append(r.Evolution, &Evolution{StatusID: r.StatusID, Time: r.CreatedAt})
	}
	return r.Evolution[len(r.Evolution)-1]
}

// NewEvolution appends an evolution entry for the given status.
func (r *Record) NewEvolution(statusID string, at time.Time) *Evolution {
	e := &Evolution{StatusID: statusID, Time: at}
	r.Evolution = append(r.Evolution, e)
	return e
}

// ArrivedAt returns when the record first (or, with latest set, most
// recently) entered the given status. An empty statusID matches any status.
func (r *Record) ArrivedAt(statusID string, latest bool) (time.Time, bool) {
	var found time.Time
	var ok bool
	for _, e := range r.Evolution {
		if statusID != "" && e.StatusID != statusID {
			continue
		}
		if !ok || latest {
			found = e.Time
			ok = true
		}
	}
	return found, ok
}

// HasTimeoutMarker reports whether the given global timeout trigger already
// fired for this record.
func (r *Record) HasTimeoutMarker(triggerID string) bool {
	for _, e := range r.Evolution {
		for _, p := range e.Parts {
			if m, isMarker := p.(*TimeoutMarkerPart); isMarker && m.TriggerID == triggerID {
				return true
			}
		}
	}
	return false
}

// Evolution is one timestamped entry in a record's evolution log.
type Evolution struct {
	StatusID string
	Time     time.Time
	Parts    []EvolutionPart
}

// AddPart appends a side-effect part to the entry.
func (e *Evolution) AddPart(p EvolutionPart) {
	e.Parts = append(e.Parts, p)
}

// Evolution part kinds.
const (
	PartEmail         = "email"
	PartSMS           = "sms"
	PartWsCall        = "wscall"
	PartJournal       = "journal"
	PartSnapshot      = "snapshot"
	PartLinkedRecord  = "linked-record"
	PartWorkflowForm  = "workflow-form"
	PartTimeoutMarker = "timeout-marker"
	PartTriggered     = "triggered"
)

// EvolutionPart is a typed side-effect record attached to an evolution
// entry. Parts are consumed exactly once by trace compilation.
type EvolutionPart interface {
	PartKind() string
}

// EmailPart records an outgoing email.
type EmailPart struct {
	Varname   string   `json:"varname,omitempty"`
	Addresses []string `json:"addresses"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

func (*EmailPart) PartKind() string { return PartEmail }

// SMSPart records an outgoing SMS.
type SMSPart struct {
	PhoneNumbers []string `json:"phone_numbers"`
	Body         string   `json:"body"`
}

func (*SMSPart) PartKind() string { return PartSMS }

// WsCallPart records a webservice call and its response.
type WsCallPart struct {
	Varname        string `json:"varname,omitempty"`
	URL            string `json:"url"`
	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
}

func (*WsCallPart) PartKind() string { return PartWsCall }

// JournalPart records an HTML history message.
type JournalPart struct {
	Content string `json:"content"`
}

func (*JournalPart) PartKind() string { return PartJournal }

// SnapshotPart records a before/after diff of record data. Source names the
// item kind or event that produced the change.
type SnapshotPart struct {
	Source string         `json:"source"`
	Old    map[string]any `json:"old,omitempty"`
	New    map[string]any `json:"new,omitempty"`
}

func (*SnapshotPart) PartKind() string { return PartSnapshot }

// LinkedRecordPart references a child record created by the workflow.
type LinkedRecordPart struct {
	Kind     string         `json:"record_kind"`
	Slug     string         `json:"slug"`
	RecordID string         `json:"record_id"`
	Data     map[string]any `json:"data,omitempty"`
}

func (*LinkedRecordPart) PartKind() string { return PartLinkedRecord }

// WorkflowFormPart captures field values submitted through a workflow form.
type WorkflowFormPart struct {
	FormItemID string         `json:"form_item_id"`
	Data       map[string]any `json:"data,omitempty"`
}

func (*WorkflowFormPart) PartKind() string { return PartWorkflowForm }

// TimeoutMarkerPart marks a global timeout trigger as fired, so a later
// scan pass does not fire it again for the same record.
type TimeoutMarkerPart struct {
	TriggerID string    `json:"trigger_id"`
	FiredAt   time.Time `json:"fired_at"`
}

func (*TimeoutMarkerPart) PartKind() string { return PartTimeoutMarker }

// TriggeredPart records an external trigger firing against the record.
type TriggeredPart struct {
	Trigger string         `json:"trigger"`
	Kind    string         `json:"trigger_kind"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (*TriggeredPart) PartKind() string { return PartTriggered }

type partEnvelope struct {
	Kind string          `json:"kind"`
	Part json.RawMessage `json:"part"`
}

type evolutionJSON struct {
	StatusID string         `json:"status_id"`
	Time     time.Time      `json:"time"`
	Parts    []partEnvelope `json:"parts,omitempty"`
}

// MarshalJSON encodes the entry with each part wrapped in a kind envelope.
func (e *Evolution) MarshalJSON() ([]byte, error) {
	out := evolutionJSON{StatusID: e.StatusID, Time: e.Time}
	for _, p := range e.Parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, partEnvelope{Kind: p.PartKind(), Part: raw})
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an entry, dispatching parts on their kind tag.
func (e *Evolution) UnmarshalJSON(data []byte) error {
	var in evolutionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.StatusID = in.StatusID
	e.Time = in.Time
	e.Parts = nil
	for _, env := range in.Parts {
		part, err := newPart(env.Kind)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(env.Part, part); err != nil {
			return err
		}
		e.Parts = append(e.Parts, part)
	}
	return nil
}

func newPart(kind string) (EvolutionPart, error) {
	switch kind {
	case PartEmail:
		return &EmailPart{}, nil
	case PartSMS:
		return &SMSPart{}, nil
	case PartWsCall:
		return &WsCallPart{}, nil
	case PartJournal:
		return &JournalPart{}, nil
	case PartSnapshot:
		return &SnapshotPart{}, nil
	case PartLinkedRecord:
		return &LinkedRecordPart{}, nil
	case PartWorkflowForm:
		return &WorkflowFormPart{}, nil
	case PartTimeoutMarker:
		return &TimeoutMarkerPart{}, nil
	case PartTriggered:
		return &TriggeredPart{}, nil
	default:
		return nil, fmt.Errorf("unknown evolution part kind %q", kind)
	}
}
