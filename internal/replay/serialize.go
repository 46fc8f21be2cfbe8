package replay

import (
	"encoding/json"
	"fmt"
)

type suiteJSON struct {
	Actions []json.RawMessage `json:"actions"`
}

// MarshalJSON encodes the suite as an ordered action list. The document
// round-trips: deserializing and replaying it is behavior-preserving.
func (s *Suite) MarshalJSON() ([]byte, error) {
	out := suiteJSON{Actions: make([]json.RawMessage, 0, len(s.Actions))}
	for _, a := range s.Actions {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out.Actions = append(out.Actions, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an action list, dispatching each entry on its key.
// An unknown key is an error: a suite referencing unsupported actions must
// not silently lose steps.
func (s *Suite) UnmarshalJSON(data []byte) error {
	var in suiteJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Actions = nil
	for i, raw := range in.Actions {
		var disc struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &disc); err != nil {
			return err
		}
		action, ok := NewAction(disc.Key)
		if !ok {
			return fmt.Errorf("action %d: unknown key %q", i+1, disc.Key)
		}
		if err := json.Unmarshal(raw, action); err != nil {
			return err
		}
		s.Actions = append(s.Actions, action)
	}
	s.renumber()
	return nil
}
