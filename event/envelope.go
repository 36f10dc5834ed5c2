package event

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire payload delivered to the collector: an ordered
// collection of events plus the application identity.
type Envelope struct {
	AppID  string   `json:"appId"`
	AppKey string   `json:"appKey,omitempty"`
	Events []*Event `json:"events"`
}

// Marshal serializes the envelope to its JSON wire form.
func (env *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope: %w", err)
	}
	return data, nil
}
