package model

// Item kinds attached to a status or a global action. The side-effect kinds
// double as the action key recorded in workflow traces.
const (
	ItemJump                = "jump"
	ItemChoice              = "choice"
	ItemSendmail            = "sendmail"
	ItemSendSMS             = "sendsms"
	ItemWebserviceCall      = "webservice_call"
	ItemSetBackofficeFields = "set-backoffice-fields"
	ItemAnonymise           = "anonymise"
	ItemRedirect            = "redirect_to_url"
	ItemRegisterComment     = "register-comment"
	ItemModifyCriticality   = "modify_criticality"
	ItemCreateFormdata      = "create-formdata"
	ItemCreateCarddata      = "create-carddata"
	ItemEditCarddata        = "edit-carddata"
	ItemEditable            = "editable"
	ItemForm                = "form"
	ItemDisplayMessage      = "displaymsg"
)

// Jump modes.
const (
	JumpModeImmediate = "immediate"
	JumpModeTimeout   = "timeout"
	JumpModeTrigger   = "trigger"
)

// Criticality adjustment modes.
const (
	CriticalityRaise = "raise"
	CriticalityLower = "lower"
	CriticalitySet   = "set"
)

// Global trigger kinds.
const (
	TriggerWebservice = "webservice"
	TriggerTimeout    = "timeout"
	TriggerManual     = "manual"
)

// Timeout trigger anchors.
const (
	AnchorCreation      = "creation"
	AnchorFirstArrival  = "1st-arrival"
	AnchorLatestArrival = "latest-arrival"
)

// Workflow is a directed graph of statuses with jumps as edges, plus
// status-independent global actions.
type Workflow struct {
	ID                string             `yaml:"id" json:"id"`
	Name              string             `yaml:"name" json:"name"`
	Statuses          []Status           `yaml:"statuses" json:"statuses"`
	GlobalActions     []GlobalAction     `yaml:"global_actions,omitempty" json:"global_actions,omitempty"`
	CriticalityLevels []CriticalityLevel `yaml:"criticality_levels,omitempty" json:"criticality_levels,omitempty"`
}

// Status is a node in the workflow graph. Items run in declaration order.
type Status struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Items    []Item   `yaml:"items,omitempty" json:"items,omitempty"`
	Messages []string `yaml:"messages,omitempty" json:"messages,omitempty"`
}

// Item is one action attached to a status or a global action. It is a
// flattened union discriminated by Kind; unused fields stay zero.
type Item struct {
	ID        string   `yaml:"id" json:"id"`
	Kind      string   `yaml:"kind" json:"kind"`
	Condition string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	By        []string `yaml:"by,omitempty" json:"by,omitempty"`

	// jump, choice, editable
	TargetStatusID string `yaml:"target_status_id,omitempty" json:"target_status_id,omitempty"`
	Mode           string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Trigger        string `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`

	// choice, editable
	Label string `yaml:"label,omitempty" json:"label,omitempty"`

	// sendmail
	To      []string `yaml:"to,omitempty" json:"to,omitempty"`
	Subject string   `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body    string   `yaml:"body,omitempty" json:"body,omitempty"`

	// sendsms
	PhoneNumbers []string `yaml:"phone_numbers,omitempty" json:"phone_numbers,omitempty"`

	// register-comment, displaymsg
	Comment string `yaml:"comment,omitempty" json:"comment,omitempty"`

	// webservice_call
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Varname string `yaml:"varname,omitempty" json:"varname,omitempty"`

	// set-backoffice-fields
	Fields []FieldAssignment `yaml:"fields,omitempty" json:"fields,omitempty"`

	// modify_criticality
	CriticalityMode  string `yaml:"criticality_mode,omitempty" json:"criticality_mode,omitempty"`
	CriticalityLevel int    `yaml:"criticality_level,omitempty" json:"criticality_level,omitempty"`

	// create-formdata, create-carddata, edit-carddata
	TargetSlug string            `yaml:"target_slug,omitempty" json:"target_slug,omitempty"`
	Mappings   []FieldAssignment `yaml:"mappings,omitempty" json:"mappings,omitempty"`

	// form
	FormFields []string `yaml:"form_fields,omitempty" json:"form_fields,omitempty"`
}

// FieldAssignment sets one record field from an expression or template.
type FieldAssignment struct {
	FieldID string `yaml:"field_id" json:"field_id"`
	Value   string `yaml:"value" json:"value"`
}

// GlobalAction is a status-independent action set fired by its triggers.
type GlobalAction struct {
	ID       string          `yaml:"id" json:"id"`
	Name     string          `yaml:"name" json:"name"`
	Items    []Item          `yaml:"items,omitempty" json:"items,omitempty"`
	Triggers []GlobalTrigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// GlobalTrigger fires a global action: a named webservice trigger, a manual
// button, or an elapsed-time timeout anchored on a record date.
type GlobalTrigger struct {
	ID         string   `yaml:"id" json:"id"`
	Kind       string   `yaml:"kind" json:"kind"`
	Identifier string   `yaml:"identifier,omitempty" json:"identifier,omitempty"`
	By         []string `yaml:"by,omitempty" json:"by,omitempty"`
	Condition  string   `yaml:"condition,omitempty" json:"condition,omitempty"`

	// timeout triggers
	Anchor         string `yaml:"anchor,omitempty" json:"anchor,omitempty"`
	AnchorStatusID string `yaml:"anchor_status_id,omitempty" json:"anchor_status_id,omitempty"`
	TimeoutDays    int    `yaml:"timeout_days,omitempty" json:"timeout_days,omitempty"`
}

// CriticalityLevel is one rung on the workflow's criticality ladder.
type CriticalityLevel struct {
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// Status returns the status with the given ID.
func (w *Workflow) Status(id string) (*Status, bool) {
	for i := range w.Statuses {
		if w.Statuses[i].ID == id {
			return &w.Statuses[i], true
		}
	}
	return nil, false
}

// StatusByName returns the status with the given name.
func (w *Workflow) StatusByName(name string) (*Status, bool) {
	for i := range w.Statuses {
		if w.Statuses[i].Name == name {
			return &w.Statuses[i], true
		}
	}
	return nil, false
}

// GlobalAction returns the global action with the given ID.
func (w *Workflow) GlobalAction(id string) (*GlobalAction, bool) {
	for i := range w.GlobalActions {
		if w.GlobalActions[i].ID == id {
			return &w.GlobalActions[i], true
		}
	}
	return nil, false
}

// GlobalActionByName returns the global action with the given name.
func (w *Workflow) GlobalActionByName(name string) (*GlobalAction, bool) {
	for i := range w.GlobalActions {
		if w.GlobalActions[i].Name == name {
			return &w.GlobalActions[i], true
		}
	}
	return nil, false
}

// WebserviceTrigger returns the unique global action and trigger pair
// addressed by the given webservice trigger identifier.
func (w *Workflow) WebserviceTrigger(identifier string) (*GlobalAction, *GlobalTrigger, bool) {
	for i := range w.GlobalActions {
		ga := &w.GlobalActions[i]
		for j := range ga.Triggers {
			tr := &ga.Triggers[j]
			if tr.Kind == TriggerWebservice && tr.Identifier == identifier {
				return ga, tr, true
			}
		}
	}
	return nil, nil, false
}

// Item returns the item with the given ID within the status.
func (s *Status) Item(id string) (*Item, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// FindItem returns the item with the given ID anywhere in the workflow,
// searching statuses first, then global actions.
func (w *Workflow) FindItem(id string) (*Item, *Status, bool) {
	for i := range w.Statuses {
		if it, ok := w.Statuses[i].Item(id); ok {
			return it, &w.Statuses[i], true
		}
	}
	for i := range w.GlobalActions {
		ga := &w.GlobalActions[i]
		for j := range ga.Items {
			if ga.Items[j].ID == id {
				return &ga.Items[j], nil, true
			}
		}
	}
	return nil, nil, false
}
