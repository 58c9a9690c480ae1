package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// message.go = the single JSON frame shape shared by requests, responses and events.
// a frame with a status is a response, a frame with a type but no id is an event,
// everything else is a request (no id => fire-and-forget)

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// reserved event types emitted by the broker itself
const (
	EventReconnect = "proto-reconnect"
	EventToast     = "toast"
)

type Message struct {
	Type   string          `json:"type,omitempty"`   // routing key for requests and events
	ID     string          `json:"id,omitempty"`     // correlation id, local or composite
	Data   json.RawMessage `json:"data,omitempty"`   // opaque payload
	Status Status          `json:"status,omitempty"` // set on responses only
	Error  string          `json:"error,omitempty"`  // server message when status == error
	TTL    *float64        `json:"ttl,omitempty"`    // seconds the response may be cached for
}

// IsResponse reports whether the frame carries a status
func (m Message) IsResponse() bool {
	return m.Status != ""
}

// IsEvent reports whether the frame is an unsolicited typed message
func (m Message) IsEvent() bool {
	return m.ID == "" && m.Type != ""
}

// Cacheable reports whether the response carries a usable ttl
func (m Message) Cacheable() bool {
	return m.TTL != nil && *m.TTL > 0
}

// WithID returns a copy of the frame carrying id
func (m Message) WithID(id string) Message {
	m.ID = id
	return m
}

// Encode marshals the frame for the wire
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one wire frame
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	return msg, nil
}

// NewEvent builds an event frame, payload may be nil
func NewEvent(eventType string, payload any) (Message, error) {
	msg := Message{Type: eventType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	msg.Data = raw
	return msg, nil
}

// NewErrorResponse builds an error response for a local id
func NewErrorResponse(id, text string) Message {
	return Message{ID: id, Status: StatusError, Error: text}
}

// composite ids are "<channelId>:<localId>", channel ids never contain ':'
const compositeSep = ":"

// CompositeID stamps a local id with the owning channel id
func CompositeID(channelID, localID string) string {
	return channelID + compositeSep + localID
}

// SplitCompositeID undoes CompositeID, ok is false when id has no channel part
func SplitCompositeID(id string) (channelID, localID string, ok bool) {
	channelID, localID, ok = strings.Cut(id, compositeSep)
	if !ok || channelID == "" {
		return "", id, false
	}
	return channelID, localID, true
}

// Toast is the user facing notification payload carried by EventToast
type Toast struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Details string `json:"details,omitempty"`
	Life    int    `json:"life,omitempty"` // milliseconds on screen
}
