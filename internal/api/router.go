package api

import (
	"net/http"

	"github.com/Rrens/codex-chat/internal/api/handler"
	customMiddleware "github.com/Rrens/codex-chat/internal/api/middleware"
	"github.com/Rrens/codex-chat/internal/call"
	"github.com/Rrens/codex-chat/internal/config"
	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/Rrens/codex-chat/internal/llm"
	"github.com/Rrens/codex-chat/internal/llm/gemini"
	"github.com/Rrens/codex-chat/internal/llm/ollama"
	"github.com/Rrens/codex-chat/internal/llm/openai"
	"github.com/Rrens/codex-chat/internal/realtime"
	"github.com/Rrens/codex-chat/internal/repository/redis"
	"github.com/Rrens/codex-chat/internal/security"
	"github.com/Rrens/codex-chat/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// App is the HTTP handler together with the long-lived components the
// server has to stop on shutdown.
type App struct {
	Handler http.Handler
	Gateway *realtime.Gateway
	LLM     *llm.Router
}

// NewRouter creates and configures the HTTP router. redisClient may be nil,
// which disables rate limiting and the user cache.
func NewRouter(cfg *config.Config, store domain.Store, redisClient *redis.Client) *App {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Initialize security components
	jwtManager := security.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// Initialize rate limiter and user cache
	var (
		userCache   service.UserCache
		restLimiter customMiddleware.Limiter
		chatLimiter realtime.RateLimiter
	)
	if redisClient != nil {
		limiter := redis.NewRateLimiter(
			redisClient,
			cfg.Security.RateLimit.RequestsPerMinute,
			cfg.Security.RateLimit.Burst,
		)
		restLimiter = limiter
		chatLimiter = limiter
		userCache = redis.NewUserCache(redisClient)
	} else {
		log.Warn().Msg("Redis disabled, rate limiting and user cache are off")
	}

	llmRouter := newLLMRouter(cfg.LLM)

	// Initialize services
	userService := service.NewUserService(store.Users(), userCache)
	messageService := service.NewMessageService(store.Messages(), userService)

	// Realtime core
	rooms := realtime.NewRoomRegistry()
	coordinator := realtime.NewCoordinator(rooms, llmRouter, messageService, cfg.Realtime.PersistTimeout)
	calls := call.NewRegistry(call.WithTimeout(cfg.Realtime.CallTimeout))
	gateway := realtime.NewGateway(rooms, coordinator, calls, realtime.GatewayOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxMessageSize: cfg.Realtime.MaxMessageSize,
		SendBuffer:     cfg.Realtime.SendBuffer,
		Tokens:         jwtManager,
		Limiter:        chatLimiter,
	})

	// The websocket outlives any request timeout.
	r.Get("/ws", gateway.ServeHTTP)

	// Initialize handlers
	detail := !cfg.IsProduction()
	userHandler := handler.NewUserHandler(userService, jwtManager, detail)
	messageHandler := handler.NewMessageHandler(messageService, detail)

	readiness := map[string]handler.Pinger{"store": store}
	if redisClient != nil {
		readiness["redis"] = redisClient
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.MiddlewareTimeout))

		r.Get("/", handler.Root)

		r.Route("/api", func(r chi.Router) {
			// Health check
			r.Get("/health", handler.HealthCheck)
			r.Get("/ready", handler.ReadyCheck(readiness))

			r.Group(func(r chi.Router) {
				if restLimiter != nil {
					r.Use(customMiddleware.NewRateLimitMiddleware(restLimiter).Limit)
				}

				r.Get("/llm-providers", handler.ListLLMProviders(llmRouter))

				r.Route("/users", func(r chi.Router) {
					r.Post("/", userHandler.CreateOrGet)
					r.Get("/{id}", userHandler.Get)
				})

				r.Route("/messages", func(r chi.Router) {
					r.Post("/", messageHandler.Create)
					r.Get("/conversation/{conversationId}", messageHandler.ListByConversation)
				})
			})
		})
	})

	return &App{Handler: r, Gateway: gateway, LLM: llmRouter}
}

func newLLMRouter(cfg config.LLMConfig) *llm.Router {
	llmRouter := llm.NewRouter(cfg.DefaultProvider)

	log.Info().Msgf("Initializing LLM providers. Default: %s", cfg.DefaultProvider)

	// Gemini is always registered so a missing key surfaces per request.
	if cfg.Gemini.APIKey == "" {
		log.Warn().Msg("Gemini API Key is empty, replies will fail until it is set")
	}
	llmRouter.RegisterProvider(gemini.NewProvider(cfg.Gemini, cfg.Temperature))

	if cfg.OpenAI.APIKey != "" {
		llmRouter.RegisterProvider(openai.NewProvider(openai.Options{
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			Temperature: cfg.Temperature,
		}))
	}
	if cfg.DeepSeek.APIKey != "" {
		llmRouter.RegisterProvider(openai.NewDeepSeekProvider(cfg.DeepSeek.APIKey, cfg.DeepSeek.Model, cfg.Temperature))
	}
	if cfg.Ollama.Host != "" {
		log.Info().Str("host", cfg.Ollama.Host).Msg("Registering Ollama provider")
		llmRouter.RegisterProvider(ollama.NewProvider(cfg.Ollama.Host, cfg.Ollama.DefaultModel, cfg.Temperature))
	}

	return llmRouter
}
