package realtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/Rrens/codex-chat/internal/llm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of one chat turn
type State string

const (
	StateReceived   State = "RECEIVED"
	StateValidating State = "VALIDATING"
	StateStreaming  State = "STREAMING"
	StateCompleted  State = "COMPLETED"
	StateRejected   State = "REJECTED"
	StateFailed     State = "FAILED"
)

// ChatRequest is one prompt submitted by a connection
type ChatRequest struct {
	RequestID      string
	ConversationID string
	UserID         string
	UserName       string
	Message        string
	History        []llm.Turn
}

// MessageStore persists conversation messages
type MessageStore interface {
	PersistMessage(ctx context.Context, conversationID, userID string, role domain.MessageRole, content string) (*domain.Message, error)
}

// ReplyStreamer produces a fragment stream for a prompt
type ReplyStreamer interface {
	StreamReply(ctx context.Context, req llm.Request) (llm.Stream, error)
}

// ChunkPayload is one streamed fragment of a reply
type ChunkPayload struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	Chunk          string `json:"chunk"`
}

// DonePayload carries the complete reply text
type DonePayload struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	FullText       string `json:"fullText"`
}

// ChatErrorPayload reports a failed chat turn to the requester
type ChatErrorPayload struct {
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// Coordinator runs the prompt, stream and persist cycle of chat turns.
// Handle may be called concurrently; each call owns its own accumulator.
type Coordinator struct {
	rooms          *RoomRegistry
	streamer       ReplyStreamer
	store          MessageStore
	persistTimeout time.Duration
	newID          func() string
}

// NewCoordinator creates a coordinator. store may be nil to skip persistence.
func NewCoordinator(rooms *RoomRegistry, streamer ReplyStreamer, store MessageStore, persistTimeout time.Duration) *Coordinator {
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	return &Coordinator{
		rooms:          rooms,
		streamer:       streamer,
		store:          store,
		persistTimeout: persistTimeout,
		newID:          uuid.NewString,
	}
}

// Handle runs one chat turn for conn and returns the state it ended in.
// ctx is the requesting connection's lifetime: once it is done the stream is
// abandoned without further events.
func (c *Coordinator) Handle(ctx context.Context, conn Member, req ChatRequest) State {
	if req.RequestID == "" {
		req.RequestID = c.newID()
	}

	conversationID := domain.SanitizeConversationID(req.ConversationID)
	logger := log.With().
		Str("conn_id", conn.ID()).
		Str("request_id", req.RequestID).
		Str("conversation_id", conversationID).
		Logger()

	message := strings.TrimSpace(req.Message)
	userID := strings.TrimSpace(req.UserID)

	if reason := validateRequest(conversationID, userID, message); reason != "" {
		reported := conversationID
		if reported == "" {
			reported = req.ConversationID
		}
		conn.Send(Outbound{Event: EventChatError, Data: ChatErrorPayload{
			RequestID:      req.RequestID,
			ConversationID: reported,
			Message:        reason,
		}})
		logger.Debug().Str("reason", reason).Msg("chat prompt rejected")
		return StateRejected
	}

	c.rooms.Join(conn, conversationID)
	c.persist(ctx, logger, conversationID, userID, domain.RoleUser, message)

	stream, err := c.streamer.StreamReply(ctx, llm.Request{
		History:  llm.NormalizeHistory(req.History),
		Message:  message,
		UserName: req.UserName,
	})
	if err != nil {
		return c.fail(ctx, logger, conn, req.RequestID, conversationID, err)
	}
	defer stream.Close()

	logger.Debug().Msg("chat stream started")

	var full strings.Builder
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.fail(ctx, logger, conn, req.RequestID, conversationID, err)
		}
		if ctx.Err() != nil {
			logger.Debug().Msg("requester disconnected, abandoning stream")
			return StateFailed
		}
		if chunk == "" {
			continue
		}

		full.WriteString(chunk)
		c.rooms.Broadcast(conversationID, Outbound{Event: EventChatChunk, Data: ChunkPayload{
			RequestID:      req.RequestID,
			ConversationID: conversationID,
			Chunk:          chunk,
		}})
	}

	if ctx.Err() != nil {
		logger.Debug().Msg("requester disconnected, abandoning stream")
		return StateFailed
	}

	fullText := full.String()
	c.rooms.Broadcast(conversationID, Outbound{Event: EventChatDone, Data: DonePayload{
		RequestID:      req.RequestID,
		ConversationID: conversationID,
		FullText:       fullText,
	}})

	c.persist(ctx, logger, conversationID, userID, domain.RoleModel, fullText)

	logger.Info().Int("length", len(fullText)).Msg("chat stream completed")
	return StateCompleted
}

func validateRequest(conversationID, userID, message string) string {
	switch {
	case conversationID == "":
		return "conversationId is required"
	case userID == "":
		return "userId is required"
	case message == "":
		return "message is required"
	}
	return ""
}

func (c *Coordinator) fail(ctx context.Context, logger zerolog.Logger, conn Member, requestID, conversationID string, err error) State {
	if ctx.Err() != nil {
		logger.Debug().Err(err).Msg("requester disconnected, abandoning stream")
		return StateFailed
	}

	logger.Error().Err(err).Msg("chat stream failed")
	conn.Send(Outbound{Event: EventChatError, Data: ChatErrorPayload{
		RequestID:      requestID,
		ConversationID: conversationID,
		Message:        llm.UserMessage(err),
	}})
	return StateFailed
}

// persist stores a message; failures are logged only. It survives the
// requester disconnecting but is bounded by persistTimeout.
func (c *Coordinator) persist(ctx context.Context, logger zerolog.Logger, conversationID, userID string, role domain.MessageRole, content string) {
	if c.store == nil || strings.TrimSpace(content) == "" {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.persistTimeout)
	defer cancel()

	if _, err := c.store.PersistMessage(pctx, conversationID, userID, role, content); err != nil {
		logger.Warn().Err(err).Str("role", string(role)).Msg("failed to persist chat message")
	}
}
