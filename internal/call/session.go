package call

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the overall state of a call
type Status string

const (
	StatusCalling    Status = "CALLING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusEnded      Status = "ENDED"
	StatusFailed     Status = "FAILED"
	StatusRejected   Status = "REJECTED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transition may happen from s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ReceiverState is the state of one ringing target
type ReceiverState string

const (
	ReceiverRinging   ReceiverState = "RINGING"
	ReceiverAccepted  ReceiverState = "ACCEPTED"
	ReceiverRejected  ReceiverState = "REJECTED"
	ReceiverCancelled ReceiverState = "CANCELLED"
)

// IsTerminal reports whether the receiver has left the call
func (s ReceiverState) IsTerminal() bool {
	return s == ReceiverRejected || s == ReceiverCancelled
}

// Type is the media type of a call
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// Valid reports whether t is a known media type
func (t Type) Valid() bool {
	return t == TypeAudio || t == TypeVideo
}

// Session is one call attempt. Values handed out by the Registry are copies.
type Session struct {
	ID             string                   `json:"callId"`
	Caller         string                   `json:"caller"`
	Receivers      []string                 `json:"receivers"`
	ReceiverStates map[string]ReceiverState `json:"receiverStates"`
	AcceptedBy     string                   `json:"acceptedBy,omitempty"`
	Type           Type                     `json:"type"`
	Team           string                   `json:"team"`
	CallerConnID   string                   `json:"-"`
	Offer          json.RawMessage          `json:"offer,omitempty"`
	Answer         json.RawMessage          `json:"answer,omitempty"`
	Status         Status                   `json:"status"`
	EndReason      string                   `json:"endReason,omitempty"`
	EndedBy        string                   `json:"endedBy,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
	UpdatedAt      time.Time                `json:"updatedAt"`
	StartedAt      time.Time                `json:"startedAt"`
	AnsweredAt     *time.Time               `json:"answeredAt,omitempty"`
	EndedAt        *time.Time               `json:"endedAt,omitempty"`

	timer    *time.Timer
	timerGen uint64
}

// IsReceiver reports whether user was rung for this call
func (s *Session) IsReceiver(user string) bool {
	_, ok := s.ReceiverStates[user]
	return ok
}

// IsParticipant reports whether user is the caller or a receiver still in the call
func (s *Session) IsParticipant(user string) bool {
	if user == s.Caller {
		return true
	}
	state, ok := s.ReceiverStates[user]
	return ok && !state.IsTerminal()
}

// ReceiversIn returns the receivers currently in state, in ring order
func (s *Session) ReceiversIn(state ReceiverState) []string {
	var out []string
	for _, user := range s.Receivers {
		if s.ReceiverStates[user] == state {
			out = append(out, user)
		}
	}
	return out
}

// Participants returns the caller and every receiver still in the call
func (s *Session) Participants() []string {
	out := []string{s.Caller}
	for _, user := range s.Receivers {
		if !s.ReceiverStates[user].IsTerminal() {
			out = append(out, user)
		}
	}
	return out
}

func (s *Session) clone() *Session {
	c := *s
	c.timer = nil
	c.Receivers = slices.Clone(s.Receivers)
	c.ReceiverStates = make(map[string]ReceiverState, len(s.ReceiverStates))
	for k, v := range s.ReceiverStates {
		c.ReceiverStates[k] = v
	}
	c.Offer = slices.Clone(s.Offer)
	c.Answer = slices.Clone(s.Answer)
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		c.AnsweredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
