package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Rrens/codex-chat/internal/api"
	"github.com/Rrens/codex-chat/internal/config"
	"github.com/Rrens/codex-chat/internal/llm"
	"github.com/Rrens/codex-chat/internal/realtime"
	"github.com/Rrens/codex-chat/internal/repository/sqlite"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Env: "test",
		Server: config.ServerConfig{
			MiddlewareTimeout: 5 * time.Second,
			AllowedOrigins:    []string{"http://localhost:5173"},
		},
		Auth: config.AuthConfig{JWTSecret: "router-test-secret", TokenTTL: time.Hour},
		LLM: config.LLMConfig{
			DefaultProvider: "gemini",
			Temperature:     0.7,
			Gemini:          config.GeminiConfig{Model: "gemini-2.5-flash"},
		},
		Realtime: config.RealtimeConfig{
			CallTimeout:    30 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     32,
			PersistTimeout: time.Second,
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *api.App) {
	t.Helper()

	store, err := sqlite.NewDB(context.Background(), filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)

	app := api.NewRouter(testConfig(), store, nil)
	server := httptest.NewServer(app.Handler)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.Gateway.Shutdown(ctx)
		server.Close()
		_ = app.LLM.Close()
		_ = store.Close(ctx)
	})
	return server, app
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func TestRouter_RESTFlow(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/users", map[string]string{"name": "Meera"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created struct {
		Data struct {
			User struct {
				ID   string `json:"_id"`
				Name string `json:"name"`
			} `json:"user"`
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	userID := created.Data.User.ID
	require.NotEmpty(t, userID)
	assert.NotEmpty(t, created.Data.Token)

	// same name, different case
	resp = postJSON(t, server.URL+"/api/users", map[string]string{"name": "MEERA"})
	var again struct {
		Data struct {
			User struct {
				ID string `json:"_id"`
			} `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	resp.Body.Close()
	assert.Equal(t, userID, again.Data.User.ID)

	for _, content := range []string{"first", "second"} {
		resp = postJSON(t, server.URL+"/api/messages", map[string]string{
			"conversationId": "conv-1",
			"userId":         userID,
			"content":        content,
		})
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/api/messages/conversation/conv-1")
	require.NoError(t, err)
	var history struct {
		Data []struct {
			Content string `json:"content"`
		} `json:"data"`
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	resp.Body.Close()
	require.Equal(t, 2, history.Count)
	assert.Equal(t, "first", history.Data[0].Content)
	assert.Equal(t, "second", history.Data[1].Content)

	resp, err = http.Get(server.URL + "/api/users/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_LLMProviders(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/llm-providers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Data struct {
			Providers       []llm.ProviderInfo `json:"providers"`
			DefaultProvider string             `json:"default_provider"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "gemini", body.Data.DefaultProvider)
	require.Len(t, body.Data.Providers, 1)
	assert.False(t, body.Data.Providers[0].Configured)
}

func TestRouter_CORS(t *testing.T) {
	server, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/users", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouter_WebSocketReportsUnconfiguredProvider(t *testing.T) {
	server, app := newTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(realtime.Outbound{Event: realtime.EventChatPrompt, Data: realtime.ChatPromptPayload{
		RequestID:      "r1",
		ConversationID: "conv-ws",
		UserID:         "anonymous",
		Message:        "Is turmeric good for me?",
	}}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env realtime.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, realtime.EventChatError, env.Event)

	var payload realtime.ChatErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "r1", payload.RequestID)
	assert.Equal(t, llm.MessageNotConfigured, payload.Message)
	assert.Equal(t, 1, app.Gateway.ConnectionCount())
}
