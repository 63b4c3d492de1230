package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/Rrens/codex-chat/internal/call"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("chat prompt with extra history fields", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"chat:prompt","data":{"conversationId":"c1","userId":"u1","message":"hi","history":[{"id":"x","role":"user","content":"earlier","timestamp":1}]}}`))
		require.NoError(t, err)

		p, ok := ev.Payload.(*ChatPromptPayload)
		require.True(t, ok)
		assert.Equal(t, "c1", p.ConversationID)
		require.Len(t, p.History, 1)
		assert.Equal(t, "earlier", p.History[0].Content)
	})

	t.Run("chat prompt drops unreadable history entries", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"chat:prompt","data":{"conversationId":"c1","userId":"u1","message":"hi","history":[{"role":"user","content":5},"oops",null,{"role":"model","content":"kept"}]}}`))
		require.NoError(t, err)

		p := ev.Payload.(*ChatPromptPayload)
		require.Len(t, p.History, 1)
		assert.Equal(t, "model", p.History[0].Role)
		assert.Equal(t, "kept", p.History[0].Content)
	})

	t.Run("chat prompt with non-array history", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"chat:prompt","data":{"conversationId":"c1","userId":"u1","message":"hi","history":"none"}}`))
		require.NoError(t, err)
		assert.Empty(t, ev.Payload.(*ChatPromptPayload).History)
	})

	t.Run("call initiate", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"call:initiate","data":{"receivers":["bob","carol"],"type":"video","offer":{"sdp":"v=0"}}}`))
		require.NoError(t, err)

		p := ev.Payload.(*CallInitiatePayload)
		assert.Equal(t, call.TypeVideo, p.Type)
		assert.Equal(t, []string{"bob", "carol"}, p.Targets())
		assert.JSONEq(t, `{"sdp":"v=0"}`, string(p.Offer))
	})

	t.Run("single receiver", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"call:initiate","data":{"receiver":"bob","type":"audio"}}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, ev.Payload.(*CallInitiatePayload).Targets())
	})

	t.Run("ping without data", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"ping"}`))
		require.NoError(t, err)
		assert.Equal(t, EventPing, ev.Name)
		assert.Nil(t, ev.Payload)
	})

	t.Run("relay", func(t *testing.T) {
		ev, err := DecodeEvent([]byte(`{"event":"call:ice-candidate","data":{"to":"bob","candidate":{"candidate":"a=1"}}}`))
		require.NoError(t, err)
		assert.Equal(t, "bob", ev.Payload.(*RelayPayload).To)
	})
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		event   string
		message string
	}{
		{"not json", `{event`, "", "malformed event frame"},
		{"missing name", `{"data":{}}`, "", "event name is required"},
		{"unknown event", `{"event":"chat:delete","data":{}}`, "chat:delete", "unknown event"},
		{"wrong payload type", `{"event":"join-conversation","data":"c1"}`, "join-conversation", "malformed payload"},
		{"missing register team", `{"event":"register","data":{"username":"alice"}}`, "register", "team is required"},
		{"bad call type", `{"event":"call:initiate","data":{"receiver":"bob","type":"hologram"}}`, "call:initiate", "type must be one of: audio video"},
		{"missing call id", `{"event":"call:accept","data":{}}`, "call:accept", "callId is required"},
		{"missing relay target", `{"event":"call:offer","data":{"offer":{}}}`, "call:offer", "to is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.raw))
			require.Error(t, err)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.event, de.Event)
			assert.Equal(t, tt.message, de.Message)
		})
	}
}

func TestOutbound_Encode(t *testing.T) {
	data, err := Outbound{Event: EventChatChunk, Data: ChunkPayload{RequestID: "r1", ConversationID: "c1", Chunk: "Hi"}}.Encode()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, EventChatChunk, env.Event)
	assert.JSONEq(t, `{"requestId":"r1","conversationId":"c1","chunk":"Hi"}`, string(env.Data))
}
