package delivery

import (
	"context"
	"net"

	"supportchat-ws/internal/auth"
	"supportchat-ws/internal/config"
	"supportchat-ws/internal/coordinator"
	"supportchat-ws/internal/domain"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

// ClusterView reads the state every instance mirrors: presence, admin statuses
// and typing.
type ClusterView interface {
	ReadRoster(ctx context.Context) ([]domain.PresenceEntry, error)
	ReadAdminStatuses(ctx context.Context) ([]domain.AdminStatus, error)
	ReadTyping(ctx context.Context, roomID string) ([]domain.TypingState, error)
}

type Server struct {
	config    *config.Config
	coord     *coordinator.Coordinator
	auth      *auth.Provider
	cluster   ClusterView
	wsManager *WSManager
	app       *fiber.App
}

// NewServer builds the HTTP app. cluster may be nil, in which case presence,
// admin statuses and typing are served from this instance only.
func NewServer(cfg *config.Config, coord *coordinator.Coordinator, provider *auth.Provider, cluster ClusterView) *Server {
	s := &Server{
		config:    cfg,
		coord:     coord,
		auth:      provider,
		cluster:   cluster,
		wsManager: NewWSManager(coord, cfg.EventRatePerSecond, cfg.EventBurst),
	}
	s.app = s.routes()
	return s
}

func (s *Server) routes() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "SupportChat WebSocket & REST Server",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}
	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		log.Info().Str("origins", corsConfig.AllowOrigins).Msg("CORS configured for production")
	} else {
		corsConfig.AllowOrigins = "*"
		// Credentials are never allowed with a wildcard origin.
		corsConfig.AllowCredentials = false
		log.Info().Msg("CORS configured with wildcard origin")
	}
	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"message":      "SupportChat server is running",
			"instance":     s.config.InstanceID,
			"environment":  s.config.Environment,
			"connections":  s.coord.ConnectionCount(),
			"pollInterval": s.config.PollInterval.String(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api", s.authenticate)
	api.Get("/conversations", s.handleListConversations)
	api.Get("/conversation/:id", s.handleGetConversation)
	api.Get("/conversation/:id/typing", s.handleGetTyping)
	api.Post("/conversation", s.handleSendMessage)
	api.Post("/conversation/:id", s.handleSendMessage)
	api.Post("/message/:id/read", s.handleMarkRead)
	api.Get("/presence", s.handleGetPresence)
	api.Get("/admin/status", s.handleGetAdminStatus)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, s.authenticate)
	app.Get("/ws", websocket.New(s.wsManager.HandleConnection))

	return app
}

// authenticate resolves the bearer token (or the token query parameter, for
// browsers that cannot set headers on a websocket upgrade) into an identity.
func (s *Server) authenticate(c *fiber.Ctx) error {
	token := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	ident, err := s.auth.Resolve(token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Unauthenticated",
			"error":   domain.ErrorCode(err),
		})
	}
	c.Locals(identityKey, ident)
	return c.Next()
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Start() error {
	log.Info().Str("port", s.config.Port).Msg("SupportChat server (WebSocket + REST) starting")
	return s.app.Listen(":" + s.config.Port)
}

// Serve runs the app on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
