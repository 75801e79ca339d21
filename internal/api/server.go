package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/lumavoz/conecta/internal/domain"
	"github.com/lumavoz/conecta/internal/whatsapp"
	"github.com/lumavoz/conecta/internal/ws"
	"github.com/lumavoz/conecta/pkg/config"
)

type Server struct {
	app        *fiber.App
	cfg        *config.Config
	supervisor *whatsapp.Supervisor
	hub        *ws.Hub
}

func NewServer(cfg *config.Config, supervisor *whatsapp.Supervisor, hub *ws.Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Conecta CRM",
		DisableStartupMessage: cfg.IsProduction(),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	// Rate limiting - 300 requests per minute per IP
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "too many requests, please slow down",
			})
		},
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/ws")
		},
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,Upgrade,Connection",
	}))

	server := &Server{
		app:        app,
		cfg:        cfg,
		supervisor: supervisor,
		hub:        hub,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now(),
		})
	})

	api := s.app.Group("/api", s.authMiddleware)

	api.Post("/instances", s.handleCreateInstance)
	api.Get("/instances", s.handleGetInstances)
	api.Get("/instances/:id", s.handleGetInstance)
	api.Get("/instances/:id/qr", s.handleGetQRCode)
	api.Delete("/instances/:id", s.handleDeleteInstance)
	api.Post("/instances/:id/messages", s.handleSendMessage)
	api.Get("/stats", s.handleGetStats)

	// WebSocket
	s.app.Use("/ws", s.wsUpgrade)
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// authMiddleware validates the shared service token
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.cfg.APIToken == "" {
		return c.Next()
	}

	token := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if token != s.cfg.APIToken {
		return c.Status(401).JSON(fiber.Map{
			"success": false,
			"error":   "Unauthorized",
		})
	}
	return c.Next()
}

// WebSocket upgrade middleware
func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		if s.cfg.APIToken != "" && c.Query("token") != s.cfg.APIToken {
			return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
		}
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// --- Instance Handlers ---

func (s *Server) handleCreateInstance(c *fiber.Ctx) error {
	var req struct {
		InstanceID string `json:"instance_id"`
		UserID     string `json:"user_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}
	if req.InstanceID == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "instance_id is required"})
	}

	instance, err := s.supervisor.CreateInstance(c.Context(), req.InstanceID, req.UserID, false)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return c.Status(409).JSON(fiber.Map{"success": false, "error": "Instance already exists"})
		}
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}

	return c.Status(201).JSON(fiber.Map{"success": true, "instance": instance})
}

func (s *Server) handleGetInstances(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"success": true, "instances": s.supervisor.ListInstances()})
}

func (s *Server) handleGetInstance(c *fiber.Ctx) error {
	instance, err := s.supervisor.GetInstance(c.Params("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"success": false, "error": "Instance not found"})
		}
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "instance": instance})
}

func (s *Server) handleGetQRCode(c *fiber.Ctx) error {
	qr, err := s.supervisor.GetQRCode(c.Params("id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"success": false, "error": "Instance not found"})
		}
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	if qr == "" {
		return c.JSON(fiber.Map{"success": true, "qr_code": nil, "message": "No QR code pending"})
	}
	return c.JSON(fiber.Map{"success": true, "qr_code": qr})
}

func (s *Server) handleDeleteInstance(c *fiber.Ctx) error {
	if err := s.supervisor.DeleteInstance(c.Context(), c.Params("id")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.Status(404).JSON(fiber.Map{"success": false, "error": "Instance not found"})
		}
		return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "message": "Instance deleted"})
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}
	if req.To == "" || req.Body == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "to and body are required"})
	}

	msg, err := s.supervisor.SendText(c.Context(), c.Params("id"), req.To, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return c.Status(404).JSON(fiber.Map{"success": false, "error": "Instance not found"})
		case errors.Is(err, domain.ErrNotConnected):
			return c.Status(409).JSON(fiber.Map{"success": false, "error": "Instance not connected"})
		default:
			return c.Status(500).JSON(fiber.Map{"success": false, "error": err.Error()})
		}
	}

	return c.Status(201).JSON(fiber.Map{"success": true, "message": msg})
}

func (s *Server) handleGetStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"success": true, "stats": s.supervisor.Stats()})
}

// --- WebSocket Handler ---

func (s *Server) handleWebSocket(c *websocket.Conn) {
	client := &ws.Client{
		ID:   uuid.New().String(),
		Conn: c,
		Send: make(chan []byte, 256),
		Hub:  s.hub,
	}

	s.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
