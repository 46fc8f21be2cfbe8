package definition

import (
	"fmt"

	"github.com/casevia/flowtrace/model"
)

// VError describes a single validation error in a workflow definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates workflow definitions structurally and referentially:
// required fields, enum membership, and graph edges that point at statuses
// which exist.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions.
func (v *Validator) Validate(defs []Definition) []VError {
	var errs []VError
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateWorkflow(prefix, def.Workflow)...)
	}
	return errs
}

var validJumpModes = map[string]bool{
	"":                      true, // defaults to immediate
	model.JumpModeImmediate: true,
	model.JumpModeTimeout:   true,
	model.JumpModeTrigger:   true,
}

var validAnchors = map[string]bool{
	"":                        true, // defaults to creation
	model.AnchorCreation:      true,
	model.AnchorFirstArrival:  true,
	model.AnchorLatestArrival: true,
}

var validTriggerKinds = map[string]bool{
	model.TriggerWebservice: true,
	model.TriggerTimeout:    true,
	model.TriggerManual:     true,
}

func (v *Validator) validateWorkflow(prefix string, wf *model.Workflow) []VError {
	var errs []VError

	if wf.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if wf.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(wf.Statuses) == 0 {
		errs = append(errs, VError{Path: prefix + ".statuses", Code: "REQUIRED", Message: "at least one status is required"})
	}

	statusIDs := make(map[string]bool, len(wf.Statuses))
	for i, st := range wf.Statuses {
		sp := fmt.Sprintf("%s.statuses[%d]", prefix, i)
		if st.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "status id is required"})
			continue
		}
		if statusIDs[st.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("status id %q is not unique", st.ID)})
		}
		statusIDs[st.ID] = true
	}

	for i, st := range wf.Statuses {
		for j := range st.Items {
			ip := fmt.Sprintf("%s.statuses[%d].items[%d]", prefix, i, j)
			errs = append(errs, v.validateItem(ip, &st.Items[j], wf, statusIDs)...)
		}
	}

	webserviceIdents := make(map[string]bool)
	for i, ga := range wf.GlobalActions {
		gp := fmt.Sprintf("%s.global_actions[%d]", prefix, i)
		if ga.ID == "" {
			errs = append(errs, VError{Path: gp + ".id", Code: "REQUIRED", Message: "global action id is required"})
		}
		if ga.Name == "" {
			errs = append(errs, VError{Path: gp + ".name", Code: "REQUIRED", Message: "global action name is required"})
		}
		for j := range ga.Triggers {
			tp := fmt.Sprintf("%s.triggers[%d]", gp, j)
			errs = append(errs, v.validateTrigger(tp, &ga.Triggers[j], statusIDs, webserviceIdents)...)
		}
		for j := range ga.Items {
			ip := fmt.Sprintf("%s.items[%d]", gp, j)
			errs = append(errs, v.validateItem(ip, &ga.Items[j], wf, statusIDs)...)
		}
	}

	return errs
}

func (v *Validator) validateItem(prefix string, item *model.Item, wf *model.Workflow, statusIDs map[string]bool) []VError {
	var errs []VError

	if item.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "item id is required"})
	}

	switch item.Kind {
	case model.ItemJump:
		if !validJumpModes[item.Mode] {
			errs = append(errs, VError{Path: prefix + ".mode", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid jump mode %q", item.Mode)})
		}
		if item.TargetStatusID == "" {
			errs = append(errs, VError{Path: prefix + ".target_status_id", Code: "REQUIRED", Message: "jump target is required"})
		} else if !statusIDs[item.TargetStatusID] {
			errs = append(errs, VError{Path: prefix + ".target_status_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not found", item.TargetStatusID)})
		}
		if item.Mode == model.JumpModeTimeout && item.TimeoutSeconds <= 0 {
			errs = append(errs, VError{Path: prefix + ".timeout_seconds", Code: "RANGE", Message: "timeout jumps need a positive timeout"})
		}
		if item.Mode == model.JumpModeTrigger && item.Trigger == "" {
			errs = append(errs, VError{Path: prefix + ".trigger", Code: "REQUIRED", Message: "trigger jumps need a trigger identifier"})
		}

	case model.ItemChoice:
		if item.Label == "" {
			errs = append(errs, VError{Path: prefix + ".label", Code: "REQUIRED", Message: "choice label is required"})
		}
		if item.TargetStatusID == "" {
			errs = append(errs, VError{Path: prefix + ".target_status_id", Code: "REQUIRED", Message: "choice target is required"})
		} else if !statusIDs[item.TargetStatusID] {
			errs = append(errs, VError{Path: prefix + ".target_status_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not found", item.TargetStatusID)})
		}

	case model.ItemEditable:
		if item.TargetStatusID != "" && !statusIDs[item.TargetStatusID] {
			errs = append(errs, VError{Path: prefix + ".target_status_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not found", item.TargetStatusID)})
		}

	case model.ItemSendmail:
		if len(item.To) == 0 {
			errs = append(errs, VError{Path: prefix + ".to", Code: "REQUIRED", Message: "sendmail needs at least one recipient"})
		}

	case model.ItemSendSMS:
		if len(item.PhoneNumbers) == 0 {
			errs = append(errs, VError{Path: prefix + ".phone_numbers", Code: "REQUIRED", Message: "sendsms needs at least one phone number"})
		}

	case model.ItemWebserviceCall:
		if item.URL == "" {
			errs = append(errs, VError{Path: prefix + ".url", Code: "REQUIRED", Message: "webservice_call needs a url"})
		}

	case model.ItemSetBackofficeFields:
		if len(item.Fields) == 0 {
			errs = append(errs, VError{Path: prefix + ".fields", Code: "REQUIRED", Message: "set-backoffice-fields needs at least one field"})
		}

	case model.ItemModifyCriticality:
		if item.CriticalityMode == model.CriticalitySet {
			if item.CriticalityLevel < 0 || item.CriticalityLevel >= len(wf.CriticalityLevels) {
				errs = append(errs, VError{Path: prefix + ".criticality_level", Code: "RANGE", Message: fmt.Sprintf("criticality level %d is out of range", item.CriticalityLevel)})
			}
		}

	case model.ItemCreateFormdata, model.ItemCreateCarddata, model.ItemEditCarddata:
		if item.TargetSlug == "" {
			errs = append(errs, VError{Path: prefix + ".target_slug", Code: "REQUIRED", Message: item.Kind + " needs a target slug"})
		}

	case model.ItemAnonymise, model.ItemRedirect, model.ItemRegisterComment,
		model.ItemForm, model.ItemDisplayMessage:
		// no structural requirements beyond the id

	case "":
		errs = append(errs, VError{Path: prefix + ".kind", Code: "REQUIRED", Message: "item kind is required"})

	default:
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown item kind %q", item.Kind)})
	}

	return errs
}

func (v *Validator) validateTrigger(prefix string, tr *model.GlobalTrigger, statusIDs, webserviceIdents map[string]bool) []VError {
	var errs []VError

	if tr.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "trigger id is required"})
	}
	if !validTriggerKinds[tr.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid trigger kind %q", tr.Kind)})
		return errs
	}

	switch tr.Kind {
	case model.TriggerWebservice:
		if tr.Identifier == "" {
			errs = append(errs, VError{Path: prefix + ".identifier", Code: "REQUIRED", Message: "webservice triggers need an identifier"})
		} else if webserviceIdents[tr.Identifier] {
			errs = append(errs, VError{Path: prefix + ".identifier", Code: "DUPLICATE", Message: fmt.Sprintf("webservice trigger identifier %q is not unique", tr.Identifier)})
		} else {
			webserviceIdents[tr.Identifier] = true
		}

	case model.TriggerTimeout:
		if tr.TimeoutDays <= 0 {
			errs = append(errs, VError{Path: prefix + ".timeout_days", Code: "RANGE", Message: "timeout triggers need a positive day count"})
		}
		if !validAnchors[tr.Anchor] {
			errs = append(errs, VError{Path: prefix + ".anchor", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid anchor %q", tr.Anchor)})
		}
		switch tr.Anchor {
		case model.AnchorFirstArrival, model.AnchorLatestArrival:
			if tr.AnchorStatusID == "" {
				errs = append(errs, VError{Path: prefix + ".anchor_status_id", Code: "REQUIRED", Message: "arrival anchors need a status"})
			} else if !statusIDs[tr.AnchorStatusID] {
				errs = append(errs, VError{Path: prefix + ".anchor_status_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("status %q not found", tr.AnchorStatusID)})
			}
		}
	}

	return errs
}
