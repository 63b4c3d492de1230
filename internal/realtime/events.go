package realtime

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/Rrens/codex-chat/internal/call"
	"github.com/Rrens/codex-chat/internal/llm"
	"github.com/go-playground/validator/v10"
)

// Inbound events
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventChatPrompt        = "chat:prompt"
	EventRegister          = "register"
	EventPing              = "ping"
	EventCallInitiate      = "call:initiate"
	EventCallAccept        = "call:accept"
	EventCallReject        = "call:reject"
	EventCallCancel        = "call:cancel"
	EventCallHangup        = "call:hangup"
	EventCallOffer         = "call:offer"
	EventCallAnswer        = "call:answer"
	EventCallICECandidate  = "call:ice-candidate"
)

// Outbound events
const (
	EventChatChunk     = "chat:chunk"
	EventChatDone      = "chat:done"
	EventChatError     = "chat:error"
	EventRegistered    = "registered"
	EventPong          = "pong"
	EventError         = "error"
	EventCallRinging   = "call:ringing"
	EventCallBusy      = "call:busy"
	EventCallFailed    = "call:failed"
	EventCallIncoming  = "call:incoming"
	EventCallTimeout   = "call:timeout"
	EventCallAccepted  = "call:accepted"
	EventCallRejected  = "call:rejected"
	EventCallCancelled = "call:cancelled"
	EventCallEnded     = "call:ended"
)

// Envelope is the wire frame in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is an event waiting to be serialized to a connection
type Outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Encode serializes an outbound event
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// Inbound payloads

type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// ChatPromptPayload asks for an AI reply in a conversation
type ChatPromptPayload struct {
	RequestID      string  `json:"requestId"`
	ConversationID string  `json:"conversationId"`
	UserID         string  `json:"userId"`
	UserName       string  `json:"userName"`
	Message        string  `json:"message"`
	History        History `json:"history"`
}

// History is client-sent conversation history. Entries that are not turns
// with string fields are dropped, and a non-array value decodes as empty.
type History []llm.Turn

func (h *History) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		*h = nil
		return nil
	}

	turns := make(History, 0, len(items))
	for _, item := range items {
		if string(item) == "null" {
			continue
		}
		var turn llm.Turn
		if err := json.Unmarshal(item, &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	*h = turns
	return nil
}

// RegisterPayload binds a connection to a user within a team
type RegisterPayload struct {
	Username string `json:"username" validate:"required,max=60"`
	Team     string `json:"team" validate:"required,max=100"`
}

// CallInitiatePayload starts a call to one or more receivers
type CallInitiatePayload struct {
	CallID    string          `json:"callId" validate:"omitempty,max=100"`
	Receiver  string          `json:"receiver" validate:"max=60"`
	Receivers []string        `json:"receivers" validate:"max=32,dive,max=60"`
	Type      call.Type       `json:"type" validate:"required,oneof=audio video"`
	Offer     json.RawMessage `json:"offer"`
}

// Targets merges receiver and receivers in request order
func (p CallInitiatePayload) Targets() []string {
	if len(p.Receivers) > 0 {
		return p.Receivers
	}
	if p.Receiver != "" {
		return []string{p.Receiver}
	}
	return nil
}

// CallAcceptPayload answers a ringing call
type CallAcceptPayload struct {
	CallID string          `json:"callId" validate:"required"`
	Answer json.RawMessage `json:"answer"`
}

// CallRefPayload rejects, cancels or hangs up a call
type CallRefPayload struct {
	CallID string `json:"callId" validate:"required"`
}

// RelayPayload is a signaling message addressed to another participant
type RelayPayload struct {
	To        string          `json:"to" validate:"required"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// InboundEvent is a decoded and validated client event. Payload holds one of
// the *Payload types above, or nil for events without data.
type InboundEvent struct {
	Name    string
	Payload any
}

// DecodeError is the single error shape for unreadable client frames
type DecodeError struct {
	Event   string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeEvent parses a raw frame into a typed event. Unknown events,
// malformed JSON and payloads failing validation all return a *DecodeError.
// Unrecognized payload fields are ignored.
func DecodeEvent(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundEvent{}, &DecodeError{Message: "malformed event frame"}
	}
	if env.Event == "" {
		return InboundEvent{}, &DecodeError{Message: "event name is required"}
	}

	var payload any
	switch env.Event {
	case EventJoinConversation, EventLeaveConversation:
		payload = &ConversationPayload{}
	case EventChatPrompt:
		payload = &ChatPromptPayload{}
	case EventRegister:
		payload = &RegisterPayload{}
	case EventCallInitiate:
		payload = &CallInitiatePayload{}
	case EventCallAccept:
		payload = &CallAcceptPayload{}
	case EventCallReject, EventCallCancel, EventCallHangup:
		payload = &CallRefPayload{}
	case EventCallOffer, EventCallAnswer, EventCallICECandidate:
		payload = &RelayPayload{}
	case EventPing:
		return InboundEvent{Name: env.Event}, nil
	default:
		return InboundEvent{}, &DecodeError{Event: env.Event, Message: "unknown event"}
	}

	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return InboundEvent{}, &DecodeError{Event: env.Event, Message: "malformed payload"}
	}
	if err := validate.Struct(payload); err != nil {
		return InboundEvent{}, &DecodeError{Event: env.Event, Message: validationMessage(err)}
	}

	return InboundEvent{Name: env.Event, Payload: payload}, nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "invalid payload"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s is too long", fe.Field())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
