// Package protocol defines the transport-agnostic message envelope and the
// request/response correlation used over every connection mode.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind classifies an envelope.
type Kind string

const (
	// KindEvent is a client-initiated request. It carries a RequestID when a reply is expected.
	KindEvent Kind = "event"
	// KindResponse answers an event and carries the same RequestID.
	KindResponse Kind = "response"
	// KindBroadcast is a host-initiated notification with no RequestID.
	KindBroadcast Kind = "broadcast"
)

// Canonical event names.
const (
	EventRoomCreate = "room:create"
	EventRoomJoin   = "room:join"
	EventRoomLeave  = "room:leave"
	EventRoomList   = "room:list"
	EventRoomUpdate = "room:update"
	EventRoomClosed = "room:closed"

	EventGameStart          = "game:start"
	EventGameAction         = "game:action"
	EventGameDice           = "game:dice"
	EventGameTask           = "game:task"
	EventGameTaskCompleted  = "game:task_completed"
	EventGamePositionUpdate = "game:position_update"
	EventGameNext           = "game:next"
	EventGameVictory        = "game:victory"

	EventPeerSignal = "peer:signal"
)

// ErrInvalidEnvelope is returned by Validate for structurally invalid envelopes.
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// PlayerID is the canonical player identifier. Numeric identifiers on the wire
// are accepted and converted to their decimal string form.
type PlayerID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (p *PlayerID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = PlayerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("player id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*p = PlayerID(strconv.FormatInt(i, 10))
		return nil
	}
	*p = PlayerID(n.String())
	return nil
}

// String returns the identifier as a plain string.
func (p PlayerID) String() string { return string(p) }

// Envelope is the unit carried by every transport.
type Envelope struct {
	Type      Kind            `json:"type"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	PlayerID  PlayerID        `json:"playerId,omitempty"`
	// Session proves ownership of PlayerID when a new connection claims an id
	// that is still bound to a live one. Hosts stamp it on responses.
	Session   string          `json:"session,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Validate checks the structural rules for each envelope kind.
//
// Postcondition: Returns nil, or an error wrapping ErrInvalidEnvelope.
func (e Envelope) Validate() error {
	switch e.Type {
	case KindEvent:
		if e.Event == "" {
			return fmt.Errorf("%w: event envelope without event name", ErrInvalidEnvelope)
		}
	case KindResponse:
		if e.RequestID == "" {
			return fmt.Errorf("%w: response envelope without requestId", ErrInvalidEnvelope)
		}
	case KindBroadcast:
		if e.Event == "" {
			return fmt.Errorf("%w: broadcast envelope without event name", ErrInvalidEnvelope)
		}
		if e.RequestID != "" {
			return fmt.Errorf("%w: broadcast envelope must not carry a requestId", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decoding data: %w", e.Event, err)
	}
	return nil
}

// NewEvent builds an event envelope with the payload marshalled from data.
//
// Postcondition: RequestID is empty; callers expecting a reply use Call.
func NewEvent(event string, data any) (Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", event, err)
	}
	return Envelope{Type: KindEvent, Event: event, Data: raw}, nil
}

// NewBroadcast builds a broadcast envelope.
func NewBroadcast(event string, data any) (Envelope, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", event, err)
	}
	return Envelope{Type: KindBroadcast, Event: event, Data: raw}, nil
}

// NewResponse answers req. A non-nil cause is carried in the Error field and
// data is ignored.
//
// Precondition: req.RequestID should be non-empty; fire-and-forget events need no response.
func NewResponse(req Envelope, data any, cause error) Envelope {
	resp := Envelope{
		Type:      KindResponse,
		Event:     req.Event,
		RequestID: req.RequestID,
		PlayerID:  req.PlayerID,
	}
	if cause != nil {
		resp.Error = cause.Error()
		return resp
	}
	raw, err := marshalData(data)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Data = raw
	return resp
}

func marshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling data: %w", err)
	}
	return raw, nil
}

// RemoteError is a validation error reported by the remote side in a response envelope.
type RemoteError struct {
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}
