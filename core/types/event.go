package types

// Event is the flattened, transport-ready form of a domain event. Amounts are
// rendered as base-10 strings so consumers never lose precision.
type Event struct {
	Type       string            `json:"type"`
	Timestamp  uint64            `json:"timestamp,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Timestamp: e.Timestamp, Attributes: attrs}
}
