package overkiz

import "encoding/json"

// RawEvent is one entry from the gateway event feed. Only the fields
// needed for routing are decoded, the rest rides along as raw JSON.
type RawEvent struct {
	Name      string          `json:"name"`
	DeviceURL string          `json:"deviceURL"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

func (e *RawEvent) UnmarshalJSON(b []byte) error {
	type alias RawEvent
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*e = RawEvent(a)
	e.Raw = append(json.RawMessage(nil), b...)
	return nil
}
