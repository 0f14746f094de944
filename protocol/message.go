package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType identifies the concrete schema of a message.
type MessageType string

const (
	TypeHandshakeRequest  MessageType = "handshakeRequest"
	TypeHandshakeResponse MessageType = "handshakeResponse"
	TypeRequest           MessageType = "request"
	TypeResponse          MessageType = "response"
	TypeEvent             MessageType = "event"
	TypeCancelRequest     MessageType = "cancelRequest"
	TypeHeartbeatPing     MessageType = "heartbeatPing"
	TypeHeartbeatPong     MessageType = "heartbeatPong"
)

var knownTypes = []MessageType{
	TypeHandshakeRequest,
	TypeHandshakeResponse,
	TypeRequest,
	TypeResponse,
	TypeEvent,
	TypeCancelRequest,
	TypeHeartbeatPing,
	TypeHeartbeatPong,
}

// ParseMessageType matches s against the known message types, ignoring case.
// The second return value is false for unknown types.
func ParseMessageType(s string) (MessageType, bool) {
	for _, t := range knownTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return MessageType(s), false
}

// EventType classifies an out-of-band event.
type EventType string

const (
	EventLog           EventType = "log"
	EventProgress      EventType = "progress"
	EventPartialOutput EventType = "partialOutput"
)

// Envelope is implemented by every message.
type Envelope interface {
	MessageType() MessageType
}

// Message is the envelope embedded in every concrete message.
// Type is set by the constructors and must not be changed afterwards.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m Message) MessageType() MessageType { return m.Type }

func newMessage(t MessageType) Message {
	return Message{Type: t, Timestamp: time.Now().UTC()}
}

type HandshakeRequest struct {
	Message
	ProtocolVersion string `json:"protocolVersion"`
	ClientID        string `json:"clientId"`
	ClientPID       int    `json:"clientPid,omitempty"`
}

func NewHandshakeRequest(version, clientID string, pid int) *HandshakeRequest {
	return &HandshakeRequest{
		Message:         newMessage(TypeHandshakeRequest),
		ProtocolVersion: version,
		ClientID:        clientID,
		ClientPID:       pid,
	}
}

// HandshakeResponse answers a HandshakeRequest.
// EngineAvailable and RuntimeAvailable are diagnostics only; they do not decide Success.
type HandshakeResponse struct {
	Message
	Success          bool   `json:"success"`
	ProtocolVersion  string `json:"protocolVersion"`
	ClientID         string `json:"clientId"`
	EngineAvailable  bool   `json:"engineAvailable"`
	EngineVersion    string `json:"engineVersion,omitempty"`
	RuntimeAvailable bool   `json:"runtimeAvailable"`
	RuntimeVersion   string `json:"runtimeVersion,omitempty"`
	WorkerPID        int    `json:"workerPid,omitempty"`
	Error            string `json:"error,omitempty"`
}

func NewHandshakeResponse(version, clientID string) *HandshakeResponse {
	return &HandshakeResponse{
		Message:         newMessage(TypeHandshakeResponse),
		ProtocolVersion: version,
		ClientID:        clientID,
	}
}

type Request struct {
	Message
	CorrelationID string          `json:"correlationId"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	TimeoutMs     int64           `json:"timeoutMs,omitempty"`
}

func NewRequest(correlationID, operation string, payload json.RawMessage, timeout time.Duration) *Request {
	return &Request{
		Message:       newMessage(TypeRequest),
		CorrelationID: correlationID,
		Operation:     operation,
		Payload:       payload,
		TimeoutMs:     timeout.Milliseconds(),
	}
}

// Timeout returns the requested timeout, or zero if none was given.
func (r *Request) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Response is the single terminal reply to a Request.
//
// Payload is present only when Success is true. Error is present only when Success
// and WasCancelled are both false. EventCount is the number of events the worker
// wrote on the event channel for this correlation ID before writing the response.
type Response struct {
	Message
	CorrelationID string          `json:"correlationId"`
	Success       bool            `json:"success"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *Error          `json:"error,omitempty"`
	WasCancelled  bool            `json:"wasCancelled,omitempty"`
	EventCount    int64           `json:"eventCount,omitempty"`
}

// NewSuccessResponse builds a successful response. An empty payload is sent as null so a
// successful response always carries one.
func NewSuccessResponse(correlationID string, payload json.RawMessage) *Response {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return &Response{
		Message:       newMessage(TypeResponse),
		CorrelationID: correlationID,
		Success:       true,
		Payload:       payload,
	}
}

func NewErrorResponse(correlationID string, err *Error) *Response {
	if err == nil {
		err = &Error{Code: CodeUnknown, Message: "unknown error"}
	}
	return &Response{
		Message:       newMessage(TypeResponse),
		CorrelationID: correlationID,
		Error:         err,
	}
}

func NewCancelledResponse(correlationID string) *Response {
	return &Response{
		Message:       newMessage(TypeResponse),
		CorrelationID: correlationID,
		WasCancelled:  true,
	}
}

// Validate checks the mutual-exclusion rules between Success, Error and WasCancelled.
func (r *Response) Validate() error {
	switch {
	case r.Success && r.Error != nil:
		return errInvalid("successful response carries an error")
	case r.Success && r.WasCancelled:
		return errInvalid("successful response is marked cancelled")
	case r.WasCancelled && r.Error != nil:
		return errInvalid("cancelled response carries an error")
	case !r.Success && len(r.Payload) > 0:
		return errInvalid("failed response carries a payload")
	case !r.Success && !r.WasCancelled && r.Error == nil:
		return errInvalid("failed response has no error")
	}
	return nil
}

// Err returns the response's failure as an error, or nil when it succeeded or was cancelled.
func (r *Response) Err() error {
	if r.Success || r.WasCancelled || r.Error == nil {
		return nil
	}
	return r.Error
}

type Event struct {
	Message
	CorrelationID string          `json:"correlationId"`
	EventType     EventType       `json:"eventType"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(correlationID string, eventType EventType, payload json.RawMessage) *Event {
	return &Event{
		Message:       newMessage(TypeEvent),
		CorrelationID: correlationID,
		EventType:     eventType,
		Payload:       payload,
	}
}

// LogPayload is the conventional payload of a log event.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ProgressPayload is the conventional payload of a progress event.
type ProgressPayload struct {
	Percent float64 `json:"percent"`
	Status  string  `json:"status,omitempty"`
}

type CancelRequest struct {
	Message
	CorrelationID string `json:"correlationId"`
}

func NewCancelRequest(correlationID string) *CancelRequest {
	return &CancelRequest{Message: newMessage(TypeCancelRequest), CorrelationID: correlationID}
}

type HeartbeatPing struct {
	Message
	Sequence int64 `json:"sequence"`
}

func NewHeartbeatPing(seq int64) *HeartbeatPing {
	return &HeartbeatPing{Message: newMessage(TypeHeartbeatPing), Sequence: seq}
}

type HeartbeatPong struct {
	Message
	Sequence         int64 `json:"sequence"`
	WorkerUptimeMs   int64 `json:"workerUptimeMs"`
	ActiveOperations int   `json:"activeOperations"`
}

func NewHeartbeatPong(seq int64, uptime time.Duration, active int) *HeartbeatPong {
	return &HeartbeatPong{
		Message:          newMessage(TypeHeartbeatPong),
		Sequence:         seq,
		WorkerUptimeMs:   uptime.Milliseconds(),
		ActiveOperations: active,
	}
}

func (p *HeartbeatPong) WorkerUptime() time.Duration {
	return time.Duration(p.WorkerUptimeMs) * time.Millisecond
}
