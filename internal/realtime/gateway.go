package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rrens/codex-chat/internal/call"
	"github.com/Rrens/codex-chat/internal/security"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// TokenValidator resolves a session token into claims
type TokenValidator interface {
	ValidateToken(token string) (*security.Claims, error)
}

// RateLimiter throttles chat prompts per user
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, int, time.Time, error)
}

// GatewayOptions configures a Gateway
type GatewayOptions struct {
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	Tokens         TokenValidator
	Limiter        RateLimiter
}

// ErrorPayload reports an event the gateway could not handle
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// PongPayload answers a ping with the server time in milliseconds
type PongPayload struct {
	Time int64 `json:"time"`
}

// RegisteredPayload confirms the identity bound to a connection
type RegisteredPayload struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username"`
	Team     string `json:"team"`
}

type userKey struct {
	team string
	user string
}

// Gateway accepts websocket connections and routes their events to the room
// registry, the chat coordinator and the call registry.
type Gateway struct {
	rooms       *RoomRegistry
	coordinator *Coordinator
	calls       *call.Registry
	opts        GatewayOptions
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[userKey]map[string]*Client

	ctx          context.Context
	cancel       context.CancelFunc
	prompts      sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewGateway creates a gateway
func NewGateway(rooms *RoomRegistry, coordinator *Coordinator, calls *call.Registry, opts GatewayOptions) *Gateway {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		rooms:       rooms,
		coordinator: coordinator,
		calls:       calls,
		opts:        opts,
		clients:     make(map[string]*Client),
		byUser:      make(map[userKey]map[string]*Client),
		ctx:         ctx,
		cancel:      cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	if origin == "" {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// ServeHTTP upgrades the request to a websocket. An optional token query
// parameter binds the connection to a user before any event is sent.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	var identity Identity
	if token := r.URL.Query().Get("token"); token != "" && g.opts.Tokens != nil {
		claims, err := g.opts.Tokens.ValidateToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("websocket token rejected")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity.UserID = claims.UserID()
		identity.Username = claims.Name
		identity.Team = strings.TrimSpace(r.URL.Query().Get("team"))
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(g.ctx, uuid.NewString(), conn, g.opts.SendBuffer)
	c.setIdentity(identity)
	g.register(c)

	log.Info().Str("conn_id", c.id).Str("user", identity.Username).Msg("websocket connected")

	go c.writePump()
	go c.readPump(g, g.opts.MaxMessageSize)
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clients[c.id] = c
	g.indexLocked(c, c.Identity())
}

func (g *Gateway) indexLocked(c *Client, id Identity) {
	if !id.Registered() {
		return
	}
	key := userKey{id.Team, id.Username}
	conns, ok := g.byUser[key]
	if !ok {
		conns = make(map[string]*Client)
		g.byUser[key] = conns
	}
	conns[c.id] = c
}

// unindexLocked removes c from its user's connection set and reports whether
// that was the user's last connection in the team.
func (g *Gateway) unindexLocked(c *Client, id Identity) bool {
	if !id.Registered() {
		return false
	}
	key := userKey{id.Team, id.Username}
	conns, ok := g.byUser[key]
	if !ok {
		return false
	}
	if _, member := conns[c.id]; !member {
		return false
	}
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(g.byUser, key)
		return true
	}
	return false
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	id := c.Identity()
	last := g.unindexLocked(c, id)
	g.mu.Unlock()

	g.rooms.LeaveAll(c)
	c.Close()

	if last {
		g.releaseCalls(id)
	}

	log.Info().Str("conn_id", c.id).Str("user", id.Username).Msg("websocket disconnected")
}

// isOnline reports whether a user has at least one connection in a team
func (g *Gateway) isOnline(team, user string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byUser[userKey{team, user}]) > 0
}

// sendToUser delivers ev to every connection of a user in a team
func (g *Gateway) sendToUser(team, user string, ev Outbound) int {
	g.mu.RLock()
	conns := make([]*Client, 0, len(g.byUser[userKey{team, user}]))
	for _, c := range g.byUser[userKey{team, user}] {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.Send(ev) {
			delivered++
		}
	}
	return delivered
}

// ConnectionCount returns the number of live connections
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

func sendError(c *Client, event, message string) {
	c.Send(Outbound{Event: EventError, Data: ErrorPayload{Event: event, Message: message}})
}

// dispatch handles one inbound frame. Failures are reported to the sender
// and never escape.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	event := ""
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn_id", c.id).Str("event", event).Msg("event handler panicked")
			sendError(c, event, "internal error")
		}
	}()

	ev, err := DecodeEvent(raw)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) && de.Event == EventChatPrompt {
			requestID, conversationID := promptRefs(raw)
			c.Send(Outbound{Event: EventChatError, Data: ChatErrorPayload{
				RequestID:      requestID,
				ConversationID: conversationID,
				Message:        de.Message,
			}})
		} else if de != nil {
			sendError(c, de.Event, de.Message)
		} else {
			sendError(c, "", err.Error())
		}
		return
	}
	event = ev.Name

	switch p := ev.Payload.(type) {
	case *ConversationPayload:
		if ev.Name == EventJoinConversation {
			if g.rooms.Join(c, p.ConversationID) == "" {
				sendError(c, ev.Name, "conversationId is required")
			}
		} else {
			g.rooms.Leave(c, p.ConversationID)
		}
	case *ChatPromptPayload:
		g.handlePrompt(c, p)
	case *RegisterPayload:
		g.handleRegister(c, p)
	case *CallInitiatePayload:
		g.handleCallInitiate(c, p)
	case *CallAcceptPayload:
		g.handleCallAccept(c, p)
	case *CallRefPayload:
		switch ev.Name {
		case EventCallReject:
			g.handleCallReject(c, p)
		case EventCallCancel:
			g.handleCallCancel(c, p)
		case EventCallHangup:
			g.handleCallHangup(c, p)
		}
	case *RelayPayload:
		g.handleRelay(c, ev.Name, p)
	case nil:
		if ev.Name == EventPing {
			c.Send(Outbound{Event: EventPong, Data: PongPayload{Time: time.Now().UnixMilli()}})
		}
	}
}

// promptRefs recovers whatever string ids an undecodable chat:prompt frame
// carries so the chat:error can be matched to its request.
func promptRefs(raw []byte) (requestID, conversationID string) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return "", ""
	}
	_ = json.Unmarshal(fields["requestId"], &requestID)
	_ = json.Unmarshal(fields["conversationId"], &conversationID)
	return requestID, conversationID
}

func (g *Gateway) handlePrompt(c *Client, p *ChatPromptPayload) {
	req := ChatRequest{
		RequestID:      p.RequestID,
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		UserName:       p.UserName,
		Message:        p.Message,
		History:        p.History,
	}
	if req.UserID == "" {
		req.UserID = c.Identity().UserID
	}

	if g.opts.Limiter != nil && req.UserID != "" {
		allowed, _, _, err := g.opts.Limiter.Allow(c.ctx, "prompt:"+req.UserID)
		if err != nil {
			log.Warn().Err(err).Str("conn_id", c.id).Msg("prompt rate limiter unavailable")
		} else if !allowed {
			c.Send(Outbound{Event: EventChatError, Data: ChatErrorPayload{
				RequestID:      req.RequestID,
				ConversationID: req.ConversationID,
				Message:        "Too many requests. Please slow down.",
			}})
			return
		}
	}

	g.prompts.Add(1)
	go func() {
		defer g.prompts.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("conn_id", c.id).Msg("chat handler panicked")
				c.Send(Outbound{Event: EventChatError, Data: ChatErrorPayload{
					RequestID:      req.RequestID,
					ConversationID: req.ConversationID,
					Message:        "Failed to generate a response.",
				}})
			}
		}()
		g.coordinator.Handle(c.ctx, c, req)
	}()
}

func (g *Gateway) handleRegister(c *Client, p *RegisterPayload) {
	username := strings.TrimSpace(p.Username)
	team := strings.TrimSpace(p.Team)
	if username == "" || team == "" {
		sendError(c, EventRegister, "username and team are required")
		return
	}

	current := c.Identity()
	if current.UserID != "" && current.Username != "" && current.Username != username {
		sendError(c, EventRegister, "username does not match the session token")
		return
	}

	next := Identity{UserID: current.UserID, Username: username, Team: team}

	g.mu.Lock()
	last := false
	if current != next {
		last = g.unindexLocked(c, current)
		c.setIdentity(next)
		g.indexLocked(c, next)
	}
	g.mu.Unlock()

	if last {
		g.releaseCalls(current)
	}

	c.Send(Outbound{Event: EventRegistered, Data: RegisteredPayload{
		UserID:   next.UserID,
		Username: next.Username,
		Team:     next.Team,
	}})
}

// Shutdown stops accepting connections, closes every open connection and
// waits for in-flight chat turns to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shuttingDown.Store(true)

	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.prompts.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("connections", len(clients)).Msg("realtime gateway drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("realtime gateway drain: %w", ctx.Err())
	}
}
