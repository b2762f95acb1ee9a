package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"onboardvoice/internal/model"
)

// ErrMalformedEvent is returned for frames that cannot be decoded into a known event.
var ErrMalformedEvent = errors.New("malformed agent event")

// Kind discriminates agent events
type Kind string

const (
	KindSystemTurn           Kind = "system_turn"
	KindUserTurn             Kind = "user_turn"
	KindFieldValue           Kind = "field_value"
	KindStepComplete         Kind = "step_complete"
	KindExternalActionNeeded Kind = "external_action_needed"
	KindConversationFinished Kind = "conversation_finished"
	KindComplete             Kind = "complete"
	KindAgentTurnFinished    Kind = "agent_turn_finished"
)

// Event is one typed message from the remote agent.
type Event struct {
	Type  Kind            `json:"type"`
	Text  string          `json:"text,omitempty"`
	Field model.FieldName `json:"field,omitempty"`
	Value any             `json:"value,omitempty"`
	Step  model.Step      `json:"step,omitempty"`
	// Action is the external action kind, e.g. "google_calendar".
	Action  string         `json:"action,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Decode parses a binary data-channel frame. Frames are UTF-8 JSON objects
// carrying a "type" discriminant.
func Decode(frame []byte) (Event, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Event{}, fmt.Errorf("%w: empty frame", ErrMalformedEvent)
	}

	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) validate() error {
	switch e.Type {
	case KindSystemTurn, KindUserTurn:
		if e.Text == "" {
			return fmt.Errorf("%w: %s without text", ErrMalformedEvent, e.Type)
		}
	case KindFieldValue:
		if e.Field == "" || e.Value == nil {
			return fmt.Errorf("%w: field_value needs field and value", ErrMalformedEvent)
		}
	case KindStepComplete:
		if e.Step <= 0 {
			return fmt.Errorf("%w: step_complete needs a positive step", ErrMalformedEvent)
		}
	case KindExternalActionNeeded:
		if e.Action == "" {
			return fmt.Errorf("%w: external_action_needed without action", ErrMalformedEvent)
		}
	case KindConversationFinished, KindComplete, KindAgentTurnFinished:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Encode renders an event as a frame. Used by agent simulators and tests.
func Encode(ev Event) ([]byte, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
