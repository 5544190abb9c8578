// Package message defines the supported types of messages exchanged
// on a juggler connection, and the functions to create and read them.
// Messages are JSON objects discriminated by a "type" field, one of
// "request", "response", "state" and "notify".
package message

import (
	"encoding/json"
	"fmt"
)

// Type indicates the type of a message.
type Type int

// The list of supported message types.
const (
	startMsg Type = iota
	RequestMsg
	ResponseMsg
	StateMsg
	NotifyMsg
	endMsg
)

var lookupType = []string{
	RequestMsg:  "request",
	ResponseMsg: "response",
	StateMsg:    "state",
	NotifyMsg:   "notify",
}

// String returns the wire name of the message type.
func (t Type) String() string {
	if t.IsValid() {
		return lookupType[t]
	}
	return fmt.Sprintf("<unknown: %d>", int(t))
}

// IsValid returns true if the message type is one of the supported
// protocol types.
func (t Type) IsValid() bool {
	return startMsg < t && t < endMsg
}

// TypeFromString returns the Type corresponding to the wire name s,
// or an invalid Type if s is not a known message type.
func TypeFromString(s string) Type {
	for t := startMsg + 1; t < endMsg; t++ {
		if lookupType[t] == s {
			return t
		}
	}
	return startMsg
}

// Msg defines the methods implemented by all messages.
type Msg interface {
	// Type returns the message type.
	Type() Type
}

// Request is sent by the peer that initiates a call. The receiving
// peer must answer it with a Response carrying the same ID. A Request
// with an empty Name is a liveness probe: the receiver replies with a
// successful Response echoing Data, without further processing.
type Request struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewRequest creates a Request message with the provided id and name.
// The data value is marshaled as JSON and used as request payload.
func NewRequest(id int64, name string, data interface{}) (*Request, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Name: name, Data: b}, nil
}

// Type returns the message type, RequestMsg.
func (m *Request) Type() Type { return RequestMsg }

// MarshalJSON marshals the request with its type tag.
func (m *Request) MarshalJSON() ([]byte, error) {
	type alias Request
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{RequestMsg.String(), (*alias)(m)})
}

// Response answers a Request. ID echoes the originating request, and
// Success indicates whether Data is a result or an error payload.
type Response struct {
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// NewResponse creates a successful Response to the request identified
// by id. The data value is marshaled as JSON and used as result.
func NewResponse(id int64, data interface{}) (*Response, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Success: true, Data: b}, nil
}

// NewErrResponse creates an unsuccessful Response to the request
// identified by id. The data value is marshaled as JSON and used as
// error payload.
func NewErrResponse(id int64, data interface{}) (*Response, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Success: false, Data: b}, nil
}

// Type returns the message type, ResponseMsg.
func (m *Response) Type() Type { return ResponseMsg }

// MarshalJSON marshals the response with its type tag.
func (m *Response) MarshalJSON() ([]byte, error) {
	type alias Response
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{ResponseMsg.String(), (*alias)(m)})
}

// State carries a JSON Patch (RFC 6902) describing a delta of the
// authoritative state. It is only sent by the authoritative peer.
type State struct {
	Diff json.RawMessage `json:"diff"`
}

// NewState creates a State message carrying the provided JSON Patch
// document.
func NewState(diff json.RawMessage) *State {
	return &State{Diff: diff}
}

// Type returns the message type, StateMsg.
func (m *State) Type() Type { return StateMsg }

// MarshalJSON marshals the state patch with its type tag.
func (m *State) MarshalJSON() ([]byte, error) {
	type alias State
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{StateMsg.String(), (*alias)(m)})
}

// Notify is a fire-and-forget notification. It expects no reply.
type Notify struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// NewNotify creates a Notify message with the provided name. The data
// value is marshaled as JSON and used as payload.
func NewNotify(name string, data interface{}) (*Notify, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Notify{Name: name, Data: b}, nil
}

// Type returns the message type, NotifyMsg.
func (m *Notify) Type() Type { return NotifyMsg }

// MarshalJSON marshals the notification with its type tag.
func (m *Notify) MarshalJSON() ([]byte, error) {
	type alias Notify
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{NotifyMsg.String(), (*alias)(m)})
}

// UnmarshalBytes unmarshals the JSON message in b and returns the
// typed message. If allowed is not empty, the decoded message must be
// one of the allowed types, otherwise an error is returned.
func UnmarshalBytes(b []byte, allowed ...Type) (Msg, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return nil, err
	}

	t := TypeFromString(tag.Type)
	if !t.IsValid() {
		return nil, fmt.Errorf("message: unknown message type %q", tag.Type)
	}
	if len(allowed) > 0 && !isIn(allowed, t) {
		return nil, fmt.Errorf("message: message type not allowed: %s", t)
	}

	var m Msg
	switch t {
	case RequestMsg:
		m = &Request{}
	case ResponseMsg:
		m = &Response{}
	case StateMsg:
		m = &State{}
	case NotifyMsg:
		m = &Notify{}
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

func isIn(list []Type, v Type) bool {
	for _, vv := range list {
		if vv == v {
			return true
		}
	}
	return false
}
