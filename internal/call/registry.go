package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a call may ring before it is cancelled
const DefaultTimeout = 30 * time.Second

var (
	ErrBusy         = errors.New("busy")
	ErrCallerBusy   = fmt.Errorf("caller already has an active call: %w", ErrBusy)
	ErrTargetsBusy  = fmt.Errorf("every receiver is in another call: %w", ErrBusy)
	ErrNoTargets    = errors.New("no receivers to call")
	ErrDuplicate    = errors.New("call id already exists")
	ErrNotFound     = errors.New("call not found")
	ErrInvalidState = errors.New("invalid call state")
)

type userKey struct {
	team string
	user string
}

// CreateParams describes a call to place
type CreateParams struct {
	CallID       string
	Caller       string
	Receivers    []string
	Type         Type
	Team         string
	CallerConnID string
	Offer        json.RawMessage
}

// Update holds optional fields merged into a session on a status change.
// Zero values are left untouched.
type Update struct {
	AcceptedBy string
	Answer     json.RawMessage
	EndReason  string
	EndedBy    string
}

// Registry tracks live call sessions and which users are busy in each team.
// Every method applies its change under one lock, so the availability index
// and the session set always agree.
type Registry struct {
	mu           sync.Mutex
	calls        map[string]*Session
	activeByUser map[userKey]string

	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// Option configures a Registry
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides call id generation
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		calls:        make(map[string]*Session),
		activeByUser: make(map[userKey]string),
		timeout:      DefaultTimeout,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the ringing timeout
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// CreateCall places a call. Receivers that are already busy are skipped and
// returned; the call fails with ErrTargetsBusy only if none is free.
func (r *Registry) CreateCall(p CreateParams) (*Session, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.activeByUser[userKey{p.Team, p.Caller}]; busy {
		return nil, nil, ErrCallerBusy
	}

	targets := make([]string, 0, len(p.Receivers))
	seen := make(map[string]struct{}, len(p.Receivers))
	for _, user := range p.Receivers {
		if user == "" || user == p.Caller {
			continue
		}
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}
		targets = append(targets, user)
	}
	if len(targets) == 0 {
		return nil, nil, ErrNoTargets
	}

	var available, skipped []string
	for _, user := range targets {
		if _, busy := r.activeByUser[userKey{p.Team, user}]; busy {
			skipped = append(skipped, user)
			continue
		}
		available = append(available, user)
	}
	if len(available) == 0 {
		return nil, skipped, ErrTargetsBusy
	}

	id := p.CallID
	if id == "" {
		id = r.newID()
	}
	if _, exists := r.calls[id]; exists {
		return nil, nil, ErrDuplicate
	}

	now := r.now()
	states := make(map[string]ReceiverState, len(available))
	for _, user := range available {
		states[user] = ReceiverRinging
	}

	s := &Session{
		ID:             id,
		Caller:         p.Caller,
		Receivers:      available,
		ReceiverStates: states,
		Type:           p.Type,
		Team:           p.Team,
		CallerConnID:   p.CallerConnID,
		Offer:          p.Offer,
		Status:         StatusCalling,
		CreatedAt:      now,
		UpdatedAt:      now,
		StartedAt:      now,
	}

	r.calls[id] = s
	r.activeByUser[userKey{p.Team, p.Caller}] = id
	for _, user := range available {
		r.activeByUser[userKey{p.Team, user}] = id
	}

	if skipped == nil {
		skipped = []string{}
	}
	return s.clone(), skipped, nil
}

// Get returns a copy of a call
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ActiveCallOf returns the call a user is currently part of in a team
func (r *Registry) ActiveCallOf(team, user string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.activeLocked(team, user)
	if s == nil {
		return nil, false
	}
	return s.clone(), true
}

// IsBusy reports whether a user has an active call in a team
func (r *Registry) IsBusy(team, user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.activeByUser[userKey{team, user}]
	return ok
}

// Len returns the number of live calls
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) activeLocked(team, user string) *Session {
	id, ok := r.activeByUser[userKey{team, user}]
	if !ok {
		return nil
	}
	return r.calls[id]
}

// FindActiveCallBetween returns the live call linking a and b in a team
func (r *Registry) FindActiveCallBetween(team, a, b string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.activeLocked(team, a)
	if s == nil || s.Status.IsTerminal() {
		return nil, false
	}
	if a == b || !s.IsParticipant(a) || !s.IsParticipant(b) {
		return nil, false
	}
	return s.clone(), true
}

// SetStatus sets a call's status and merges upd. A terminal status ends the
// call and releases everyone in it. Unknown ids are ignored.
func (r *Registry) SetStatus(callID string, status Status, upd Update) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	r.setStatusLocked(s, status, upd)
	return s.clone(), true
}

// Transition moves a call from one status to another, failing with
// ErrInvalidState if it is no longer in from.
func (r *Registry) Transition(callID string, from, to Status, upd Update) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != from {
		return nil, fmt.Errorf("%w: call %s is %s, not %s", ErrInvalidState, callID, s.Status, from)
	}
	r.setStatusLocked(s, to, upd)
	return s.clone(), nil
}

func (r *Registry) setStatusLocked(s *Session, status Status, upd Update) {
	now := r.now()
	s.Status = status
	s.UpdatedAt = now
	if upd.AcceptedBy != "" {
		s.AcceptedBy = upd.AcceptedBy
	}
	if upd.Answer != nil {
		s.Answer = upd.Answer
	}
	if upd.EndReason != "" {
		s.EndReason = upd.EndReason
	}
	if upd.EndedBy != "" {
		s.EndedBy = upd.EndedBy
	}
	if status.IsTerminal() {
		s.EndedAt = &now
		for _, user := range s.Receivers {
			if s.ReceiverStates[user] == ReceiverRinging {
				s.ReceiverStates[user] = ReceiverCancelled
			}
		}
		r.cleanupLocked(s)
	}
}

// Accept answers a ringing call for user. Receivers still ringing are
// cancelled and released; their names are returned.
func (r *Registry) Accept(callID, user string, answer json.RawMessage) (*Session, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if s.Status != StatusCalling {
		return nil, nil, fmt.Errorf("%w: call %s is %s", ErrInvalidState, callID, s.Status)
	}
	if s.ReceiverStates[user] != ReceiverRinging {
		return nil, nil, fmt.Errorf("%w: %s is not ringing for call %s", ErrInvalidState, user, callID)
	}

	now := r.now()
	s.stopTimer()
	s.ReceiverStates[user] = ReceiverAccepted
	s.AcceptedBy = user
	s.Answer = answer
	s.Status = StatusInProgress
	s.AnsweredAt = &now
	s.UpdatedAt = now

	var cancelled []string
	for _, other := range s.Receivers {
		if s.ReceiverStates[other] == ReceiverRinging {
			s.ReceiverStates[other] = ReceiverCancelled
			r.releaseLocked(s, other)
			cancelled = append(cancelled, other)
		}
	}

	return s.clone(), cancelled, nil
}

// Reject declines a ringing call for user. When nobody is left ringing or
// connected, the call ends as REJECTED and ended is true.
func (r *Registry) Reject(callID, user string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if s.Status.IsTerminal() || s.ReceiverStates[user] != ReceiverRinging {
		return nil, false, fmt.Errorf("%w: %s is not ringing for call %s", ErrInvalidState, user, callID)
	}

	s.ReceiverStates[user] = ReceiverRejected
	s.UpdatedAt = r.now()
	r.releaseLocked(s, user)

	if s.remainingReceivers() > 0 {
		return s.clone(), false, nil
	}

	r.setStatusLocked(s, StatusRejected, Update{EndReason: "rejected", EndedBy: user})
	return s.clone(), true, nil
}

func (s *Session) remainingReceivers() int {
	n := 0
	for _, user := range s.Receivers {
		if !s.ReceiverStates[user].IsTerminal() {
			n++
		}
	}
	return n
}

// ReleaseReceiver marks one receiver as having left with a terminal state and
// frees them, without ending the call. It is a no-op for non-receivers and
// for non-terminal states.
func (r *Registry) ReleaseReceiver(callID, user string, state ReceiverState) bool {
	if !state.IsTerminal() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok || !s.IsReceiver(user) {
		return false
	}
	s.ReceiverStates[user] = state
	s.UpdatedAt = r.now()
	r.releaseLocked(s, user)
	return true
}

// releaseLocked frees user only if their entry still points at s
func (r *Registry) releaseLocked(s *Session, user string) {
	key := userKey{s.Team, user}
	if r.activeByUser[key] == s.ID {
		delete(r.activeByUser, key)
	}
}

// StartTimeout arms the ringing timeout for a call, replacing any pending
// one. onTimeout runs on its own goroutine without the registry lock held.
func (r *Registry) StartTimeout(callID string, onTimeout func(callID string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return false
	}

	s.stopTimer()
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		current, ok := r.calls[callID]
		if !ok || current != s || current.timerGen != gen {
			r.mu.Unlock()
			return
		}
		current.timer = nil
		r.mu.Unlock()

		onTimeout(callID)
	})
	return true
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Invalidates a callback that already fired and is waiting on the lock.
	s.timerGen++
}

// Cleanup removes a call and frees everyone tied to it. Unknown ids are ignored.
func (r *Registry) Cleanup(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.calls[callID]
	if !ok {
		return false
	}
	r.cleanupLocked(s)
	return true
}

func (r *Registry) cleanupLocked(s *Session) {
	s.stopTimer()
	delete(r.calls, s.ID)
	r.releaseLocked(s, s.Caller)
	for _, user := range s.Receivers {
		r.releaseLocked(s, user)
	}
}
