package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names on the wire.
const (
	EventJoinRoom   = "joinRoom"
	EventSync       = "sync"
	EventUserJoined = "user-joined"
	EventDocUpdate  = "doc-update"
	EventLeaveRoom  = "leaveRoom"
	EventUserLeft   = "user-left"
	EventError      = "error"
)

// DocUpdateEvent names the rebroadcast of a peer's delta for path.
func DocUpdateEvent(path string) string {
	return EventDocUpdate + "-" + path
}

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownEvent     = errors.New("unknown event")
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded client message: one of JoinRoom, DocUpdate or
// LeaveRoom.
type Inbound interface {
	inbound()
}

type JoinRoom struct {
	WorkspaceID string `json:"workspaceId"`
	Path        string `json:"path"`
}

type DocUpdate struct {
	WorkspaceID string `json:"workspaceId"`
	Path        string `json:"path"`
	// Update is a base64 delta.
	Update string `json:"update"`
}

type LeaveRoom struct {
	Path string `json:"path"`
}

func (JoinRoom) inbound()  {}
func (DocUpdate) inbound() {}
func (LeaveRoom) inbound() {}

// Decode parses one client frame.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var (
		msg Inbound
		err error
	)
	switch env.Event {
	case EventJoinRoom:
		var m JoinRoom
		err = unmarshalData(env.Data, &m)
		if err == nil && (m.WorkspaceID == "" || m.Path == "") {
			err = fmt.Errorf("%w: joinRoom needs workspaceId and path", ErrMalformedMessage)
		}
		msg = m
	case EventDocUpdate:
		var m DocUpdate
		err = unmarshalData(env.Data, &m)
		if err == nil && (m.Path == "" || m.Update == "") {
			err = fmt.Errorf("%w: doc-update needs path and update", ErrMalformedMessage)
		}
		msg = m
	case EventLeaveRoom:
		var m LeaveRoom
		err = unmarshalData(env.Data, &m)
		if err == nil && m.Path == "" {
			err = fmt.Errorf("%w: leaveRoom needs path", ErrMalformedMessage)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Sync carries the full state of a document to a joining client.
type Sync struct {
	Path   string `json:"path"`
	Update string `json:"update"`
}

// Presence announces a user entering or leaving a document.
type Presence struct {
	UserID string `json:"userId"`
	Path   string `json:"path"`
}

// Encode builds a server frame.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func mustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		// Only plain structs and strings are encoded here.
		panic(err)
	}
	return b
}
