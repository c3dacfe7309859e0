// Package message defines the envelopes exchanged over the message bus.
//
// A Packet is what the bus carries between two addresses. Its Body holds one or
// more Messages; each Message carries a ThreadTrace that the client uses as the
// request id when correlating replies:
//
//	Packet{Recipient: "router@example.org/foo", Thread: "...", Body: [
//	    Message{ThreadTrace: 0, Type: REQUEST, Payload: Method{...}},
//	]}
package message

import (
	"encoding/json"
	"fmt"
)

// Type is the kind of a Message.
type Type string

const (
	TypeConnect    Type = "CONNECT"
	TypeRequest    Type = "REQUEST"
	TypeResult     Type = "RESULT"
	TypeStatus     Type = "STATUS"
	TypeDisconnect Type = "DISCONNECT"
)

// Status codes carried in RESULT and STATUS payloads.
const (
	StatusContinue            = 100
	StatusOK                  = 200
	StatusComplete            = 205
	StatusRedirected          = 307
	StatusBadRequest          = 400
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusTimeout             = 408
	StatusExpectationFailed   = 417
	StatusInternalServerError = 500
	StatusNotImplemented      = 501
)

// Packet is the transport envelope routed by the bus.
type Packet struct {
	Recipient   string    `json:"to"`
	Sender      string    `json:"from"`
	Thread      string    `json:"thread"`
	Locale      string    `json:"locale,omitempty"`
	RouterClass string    `json:"router_class,omitempty"`
	Body        []Message `json:"body"`
}

// Message is one unit of conversation inside a Packet.
//
//   - On request:  Type is REQUEST and Payload is a Method.
//   - On response: Type is RESULT or STATUS, Payload is a ResultPayload.
type Message struct {
	ThreadTrace int             `json:"threadTrace"`
	Type        Type            `json:"type"`
	Locale      string          `json:"locale,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Method is the payload of a REQUEST message.
type Method struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// ResultPayload is the payload of RESULT and STATUS messages. STATUS messages
// leave Content empty.
type ResultPayload struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"statusCode"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// NewRequest builds a REQUEST message for the given id.
func NewRequest(id int, locale, method string, params []any) (*Message, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(Method{Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal method %s: %w", method, err)
	}
	return &Message{ThreadTrace: id, Type: TypeRequest, Locale: locale, Payload: payload}, nil
}

// NewConnect builds a CONNECT message. Connection messages always use thread trace 0.
func NewConnect() *Message {
	return &Message{Type: TypeConnect}
}

// NewDisconnect builds a DISCONNECT message.
func NewDisconnect() *Message {
	return &Message{Type: TypeDisconnect}
}

// NewResult builds a RESULT message carrying content with status 200.
func NewResult(id int, content any) (*Message, error) {
	return NewResultStatus(id, StatusOK, "OK", content)
}

// NewResultStatus builds a RESULT message carrying content with an explicit
// status line.
func NewResultStatus(id int, code int, status string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal result content: %w", err)
	}
	payload, err := json.Marshal(ResultPayload{Status: status, StatusCode: code, Content: raw})
	if err != nil {
		return nil, err
	}
	return &Message{ThreadTrace: id, Type: TypeResult, Payload: payload}, nil
}

// NewStatus builds a STATUS message.
func NewStatus(id int, code int, status string) *Message {
	// ResultPayload without content cannot fail to marshal.
	payload, _ := json.Marshal(ResultPayload{Status: status, StatusCode: code})
	return &Message{ThreadTrace: id, Type: TypeStatus, Payload: payload}
}

// Result decodes the payload of a RESULT or STATUS message.
func (m *Message) Result() (*ResultPayload, error) {
	if len(m.Payload) == 0 {
		return nil, fmt.Errorf("message %d has no payload", m.ThreadTrace)
	}
	var p ResultPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload of message %d: %w", m.ThreadTrace, err)
	}
	return &p, nil
}

// Method decodes the payload of a REQUEST message.
func (m *Message) Method() (*Method, error) {
	var p Method
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode method of message %d: %w", m.ThreadTrace, err)
	}
	return &p, nil
}
