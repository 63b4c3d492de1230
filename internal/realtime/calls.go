package realtime

import (
	"encoding/json"
	"errors"

	"github.com/Rrens/codex-chat/internal/call"
	"github.com/rs/zerolog/log"
)

// CallRingingPayload tells the caller who is being rung
type CallRingingPayload struct {
	CallID    string   `json:"callId"`
	Receivers []string `json:"receivers"`
	Skipped   []string `json:"skipped"`
	Offline   []string `json:"offline,omitempty"`
}

// CallStatusPayload reports a busy or failed call attempt
type CallStatusPayload struct {
	CallID  string   `json:"callId,omitempty"`
	Reason  string   `json:"reason"`
	Skipped []string `json:"skipped,omitempty"`
}

// CallIncomingPayload notifies a receiver of a ringing call
type CallIncomingPayload struct {
	CallID    string          `json:"callId"`
	Caller    string          `json:"caller"`
	Type      call.Type       `json:"type"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Receivers []string        `json:"receivers"`
	Team      string          `json:"team"`
}

// CallAcceptedPayload carries the answering receiver and their answer
type CallAcceptedPayload struct {
	CallID string          `json:"callId"`
	By     string          `json:"by"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// CallByPayload names the user who acted on a call
type CallByPayload struct {
	CallID string `json:"callId"`
	By     string `json:"by"`
}

// CallEndedPayload announces the end of a call
type CallEndedPayload struct {
	CallID string `json:"callId"`
	By     string `json:"by,omitempty"`
	Reason string `json:"reason"`
}

// CallRefOut references a call by id
type CallRefOut struct {
	CallID string `json:"callId"`
}

// RelayOut is a signaling message forwarded between call participants
type RelayOut struct {
	From      string          `json:"from"`
	CallID    string          `json:"callId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

const (
	reasonAnsweredElsewhere  = "answered-elsewhere"
	reasonCancelled          = "cancelled"
	reasonCallerDisconnected = "caller-disconnected"
	reasonDisconnected       = "disconnected"
	reasonHangup             = "hangup"
	reasonRejected           = "rejected"
	reasonTimeout            = "timeout"
)

func (g *Gateway) requireRegistered(c *Client, event string) (Identity, bool) {
	id := c.Identity()
	if !id.Registered() {
		sendError(c, event, "register with a username and team first")
		return id, false
	}
	return id, true
}

// lookupCall returns a call in the sender's team or reports it as missing
func (g *Gateway) lookupCall(c *Client, id Identity, callID string) (*call.Session, bool) {
	s, ok := g.calls.Get(callID)
	if !ok || s.Team != id.Team {
		g.callFailed(c, callID, "Call not found")
		return nil, false
	}
	return s, true
}

func (g *Gateway) callFailed(c *Client, callID, reason string) {
	c.Send(Outbound{Event: EventCallFailed, Data: CallStatusPayload{CallID: callID, Reason: reason}})
}

func (g *Gateway) handleCallInitiate(c *Client, p *CallInitiatePayload) {
	id, ok := g.requireRegistered(c, EventCallInitiate)
	if !ok {
		return
	}
	if g.calls.IsBusy(id.Team, id.Username) {
		c.Send(Outbound{Event: EventCallBusy, Data: CallStatusPayload{CallID: p.CallID, Reason: "You are already in a call"}})
		return
	}

	var online, offline []string
	for _, user := range p.Targets() {
		if user == "" || user == id.Username {
			continue
		}
		if g.isOnline(id.Team, user) {
			online = append(online, user)
		} else {
			offline = append(offline, user)
		}
	}
	if len(online) == 0 && len(offline) > 0 {
		g.callFailed(c, p.CallID, "User is offline")
		return
	}

	s, skipped, err := g.calls.CreateCall(call.CreateParams{
		CallID:       p.CallID,
		Caller:       id.Username,
		Receivers:    online,
		Type:         p.Type,
		Team:         id.Team,
		CallerConnID: c.id,
		Offer:        p.Offer,
	})
	if err != nil {
		switch {
		case errors.Is(err, call.ErrCallerBusy):
			c.Send(Outbound{Event: EventCallBusy, Data: CallStatusPayload{CallID: p.CallID, Reason: "You are already in a call"}})
		case errors.Is(err, call.ErrBusy):
			c.Send(Outbound{Event: EventCallBusy, Data: CallStatusPayload{CallID: p.CallID, Reason: "User is busy", Skipped: skipped}})
		case errors.Is(err, call.ErrNoTargets):
			g.callFailed(c, p.CallID, "No receivers specified")
		case errors.Is(err, call.ErrDuplicate):
			g.callFailed(c, p.CallID, "Call already exists")
		default:
			g.callFailed(c, p.CallID, "Failed to start call")
		}
		return
	}

	logger := log.With().Str("call_id", s.ID).Str("team", s.Team).Str("user", s.Caller).Logger()

	c.Send(Outbound{Event: EventCallRinging, Data: CallRingingPayload{
		CallID:    s.ID,
		Receivers: s.Receivers,
		Skipped:   skipped,
		Offline:   offline,
	}})

	incoming := Outbound{Event: EventCallIncoming, Data: CallIncomingPayload{
		CallID:    s.ID,
		Caller:    s.Caller,
		Type:      s.Type,
		Offer:     s.Offer,
		Receivers: s.Receivers,
		Team:      s.Team,
	}}
	for _, user := range s.Receivers {
		g.sendToUser(s.Team, user, incoming)
	}

	g.calls.StartTimeout(s.ID, g.onCallTimeout)
	logger.Info().Strs("receivers", s.Receivers).Strs("skipped", skipped).Msg("call ringing")
}

func (g *Gateway) onCallTimeout(callID string) {
	s, err := g.calls.Transition(callID, call.StatusCalling, call.StatusCancelled, call.Update{EndReason: reasonTimeout})
	if err != nil {
		return
	}

	ev := Outbound{Event: EventCallTimeout, Data: CallRefOut{CallID: s.ID}}
	g.sendToUser(s.Team, s.Caller, ev)
	for _, user := range s.ReceiversIn(call.ReceiverCancelled) {
		g.sendToUser(s.Team, user, ev)
	}
	log.Info().Str("call_id", s.ID).Str("team", s.Team).Msg("call timed out")
}

func (g *Gateway) handleCallAccept(c *Client, p *CallAcceptPayload) {
	id, ok := g.requireRegistered(c, EventCallAccept)
	if !ok {
		return
	}
	if _, ok := g.lookupCall(c, id, p.CallID); !ok {
		return
	}

	s, cancelled, err := g.calls.Accept(p.CallID, id.Username, p.Answer)
	if err != nil {
		g.callFailed(c, p.CallID, callErrorReason(err))
		return
	}

	g.sendToUser(s.Team, s.Caller, Outbound{Event: EventCallAccepted, Data: CallAcceptedPayload{
		CallID: s.ID,
		By:     id.Username,
		Answer: p.Answer,
	}})

	ev := Outbound{Event: EventCallCancelled, Data: CallStatusPayload{CallID: s.ID, Reason: reasonAnsweredElsewhere}}
	for _, user := range cancelled {
		g.sendToUser(s.Team, user, ev)
	}

	// Other tabs of the accepting user stop ringing too.
	g.mu.RLock()
	var others []*Client
	for _, other := range g.byUser[userKey{s.Team, id.Username}] {
		if other.id != c.id {
			others = append(others, other)
		}
	}
	g.mu.RUnlock()
	for _, other := range others {
		other.Send(ev)
	}

	log.Info().Str("call_id", s.ID).Str("team", s.Team).Str("user", id.Username).Msg("call accepted")
}

func (g *Gateway) handleCallReject(c *Client, p *CallRefPayload) {
	id, ok := g.requireRegistered(c, EventCallReject)
	if !ok {
		return
	}
	if _, ok := g.lookupCall(c, id, p.CallID); !ok {
		return
	}

	g.rejectCall(id, p.CallID, func(reason string) { g.callFailed(c, p.CallID, reason) })
}

func (g *Gateway) rejectCall(id Identity, callID string, onError func(reason string)) {
	s, ended, err := g.calls.Reject(callID, id.Username)
	if err != nil {
		if onError != nil {
			onError(callErrorReason(err))
		}
		return
	}

	g.sendToUser(s.Team, s.Caller, Outbound{Event: EventCallRejected, Data: CallByPayload{CallID: s.ID, By: id.Username}})
	if ended {
		g.sendToUser(s.Team, s.Caller, Outbound{Event: EventCallEnded, Data: CallEndedPayload{
			CallID: s.ID,
			By:     id.Username,
			Reason: reasonRejected,
		}})
	}
	log.Info().Str("call_id", s.ID).Str("team", s.Team).Str("user", id.Username).Bool("ended", ended).Msg("call rejected")
}

func (g *Gateway) handleCallCancel(c *Client, p *CallRefPayload) {
	id, ok := g.requireRegistered(c, EventCallCancel)
	if !ok {
		return
	}

	current, found := g.lookupCall(c, id, p.CallID)
	if !found {
		return
	}
	if current.Caller != id.Username {
		g.callFailed(c, p.CallID, "Only the caller can cancel a call")
		return
	}

	g.cancelCall(id, p.CallID, reasonCancelled, func(reason string) { g.callFailed(c, p.CallID, reason) })
}

func (g *Gateway) cancelCall(id Identity, callID, reason string, onError func(reason string)) {
	s, err := g.calls.Transition(callID, call.StatusCalling, call.StatusCancelled, call.Update{
		EndReason: reason,
		EndedBy:   id.Username,
	})
	if err != nil {
		if onError != nil {
			onError(callErrorReason(err))
		}
		return
	}

	ev := Outbound{Event: EventCallCancelled, Data: CallStatusPayload{CallID: s.ID, Reason: reason}}
	for _, user := range s.ReceiversIn(call.ReceiverCancelled) {
		g.sendToUser(s.Team, user, ev)
	}
	log.Info().Str("call_id", s.ID).Str("team", s.Team).Str("reason", reason).Msg("call cancelled")
}

func (g *Gateway) handleCallHangup(c *Client, p *CallRefPayload) {
	id, ok := g.requireRegistered(c, EventCallHangup)
	if !ok {
		return
	}

	current, found := g.lookupCall(c, id, p.CallID)
	if !found {
		return
	}
	if !current.IsParticipant(id.Username) {
		g.callFailed(c, p.CallID, "Call not found")
		return
	}

	onError := func(reason string) { g.callFailed(c, p.CallID, reason) }
	switch {
	case current.Status == call.StatusCalling && current.Caller == id.Username:
		g.cancelCall(id, p.CallID, reasonCancelled, onError)
	case current.Status == call.StatusCalling:
		g.rejectCall(id, p.CallID, onError)
	default:
		g.endCall(id, current, reasonHangup, onError)
	}
}

func (g *Gateway) endCall(id Identity, current *call.Session, reason string, onError func(reason string)) {
	s, err := g.calls.Transition(current.ID, call.StatusInProgress, call.StatusEnded, call.Update{
		EndReason: reason,
		EndedBy:   id.Username,
	})
	if err != nil {
		if onError != nil {
			onError(callErrorReason(err))
		}
		return
	}

	ev := Outbound{Event: EventCallEnded, Data: CallEndedPayload{CallID: s.ID, By: id.Username, Reason: reason}}
	for _, user := range current.Participants() {
		if user != id.Username {
			g.sendToUser(s.Team, user, ev)
		}
	}
	log.Info().Str("call_id", s.ID).Str("team", s.Team).Str("user", id.Username).Str("reason", reason).Msg("call ended")
}

// releaseCalls settles the call of a user whose last connection in a team
// went away, as if they had hung up, cancelled or rejected it.
func (g *Gateway) releaseCalls(id Identity) {
	if !id.Registered() {
		return
	}

	s, ok := g.calls.ActiveCallOf(id.Team, id.Username)
	if !ok {
		return
	}

	switch {
	case s.Status == call.StatusCalling && s.Caller == id.Username:
		g.cancelCall(id, s.ID, reasonCallerDisconnected, nil)
	case s.Status == call.StatusCalling:
		g.rejectCall(id, s.ID, nil)
	case s.Status == call.StatusInProgress:
		g.endCall(id, s, reasonDisconnected, nil)
	default:
		g.calls.Cleanup(s.ID)
	}
}

func (g *Gateway) handleRelay(c *Client, event string, p *RelayPayload) {
	id, ok := g.requireRegistered(c, event)
	if !ok {
		return
	}

	s, found := g.calls.FindActiveCallBetween(id.Team, id.Username, p.To)
	if !found {
		sendError(c, event, "no active call with "+p.To)
		return
	}

	out := RelayOut{From: id.Username, CallID: s.ID}
	switch event {
	case EventCallOffer:
		out.Offer = p.Offer
	case EventCallAnswer:
		out.Answer = p.Answer
	case EventCallICECandidate:
		out.Candidate = p.Candidate
	}

	if g.sendToUser(id.Team, p.To, Outbound{Event: event, Data: out}) == 0 {
		sendError(c, event, p.To+" is not connected")
	}
}

func callErrorReason(err error) string {
	switch {
	case errors.Is(err, call.ErrNotFound):
		return "Call not found"
	case errors.Is(err, call.ErrInvalidState):
		return "Call is no longer available"
	}
	return "Call operation failed"
}
