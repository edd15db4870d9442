package bus

import "encoding/json"

// Source identifies the channel an inbound frame arrived on. It is appended
// to every routed envelope so subscribers can filter without knowing about
// the connection layer.
type Source struct {
	Category string `json:"category"`
	Endpoint string `json:"endpoint"`
}

// Envelope is the structured message wrapper exchanged over duplex channels
// and republished on the bus. On the wire the payload fields sit alongside
// the fixed fields rather than nested under a key.
type Envelope struct {
	ID        string
	Timestamp string
	Type      string
	Source    *Source
	Fields    map[string]any
}

// Field returns a payload field as a string, or "" when absent.
func (e Envelope) Field(key string) string {
	if v, ok := e.Fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MarshalJSON flattens payload fields into the top-level object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		m[k] = v
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	if e.Timestamp != "" {
		m["timestamp"] = e.Timestamp
	}
	if e.Type != "" {
		m["type"] = e.Type
	}
	if e.Source != nil {
		m["_source"] = e.Source
	}
	return json.Marshal(m)
}

// UnmarshalJSON lifts the fixed fields out and keeps the rest as payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["id"].(string); ok {
		e.ID = v
	}
	if v, ok := m["timestamp"].(string); ok {
		e.Timestamp = v
	}
	if v, ok := m["type"].(string); ok {
		e.Type = v
	}
	if raw, ok := m["_source"]; ok {
		if b, err := json.Marshal(raw); err == nil {
			var src Source
			if err := json.Unmarshal(b, &src); err == nil {
				e.Source = &src
			}
		}
	}
	delete(m, "id")
	delete(m, "timestamp")
	delete(m, "type")
	delete(m, "_source")
	e.Fields = m
	return nil
}
