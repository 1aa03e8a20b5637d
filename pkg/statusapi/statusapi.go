// Package statusapi exposes a minimal read-only fiber HTTP surface over
// the control plane's durable state: cache stats, rate-budget status,
// trust ledger, and circuit-breaker state. This is ambient
// observability, not a presentation layer —
// every handler only reads state other components already own.
package statusapi

import (
	"log"

	"github.com/gofiber/fiber/v3"

	"github.com/relayguard/aegis/pkg/cache"
	"github.com/relayguard/aegis/pkg/ratebudget"
	"github.com/relayguard/aegis/pkg/trust"
)

// Server wires the read-only handlers over the components it reports on.
// Every field is optional; a nil component's route answers 503 rather
// than panicking.
type Server struct {
	Cache   *cache.Cache
	Budget  *ratebudget.Manager
	Trust   *trust.Manager
	App     *fiber.App
}

// New builds the fiber app and registers routes. Call Listen to serve.
func New(c *cache.Cache, budget *ratebudget.Manager, tm *trust.Manager) *Server {
	s := &Server{Cache: c, Budget: budget, Trust: tm}
	app := fiber.New(fiber.Config{
		AppName: "aegis-status",
	})
	app.Get("/healthz", s.handleHealthz)
	app.Get("/cache/stats", s.handleCacheStats)
	app.Get("/budget/status", s.handleBudgetStatus)
	app.Get("/trust/ledger", s.handleTrustLedger)
	s.App = app
	return s
}

// Listen starts the status server on addr, blocking until it exits.
func (s *Server) Listen(addr string) error {
	log.Printf("[StatusAPI] listening on %s", addr)
	return s.App.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

func (s *Server) handleHealthz(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleCacheStats(c fiber.Ctx) error {
	if s.Cache == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache not configured"})
	}
	return c.JSON(s.Cache.StatsSnapshot())
}

func (s *Server) handleBudgetStatus(c fiber.Ctx) error {
	if s.Budget == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "budget not configured"})
	}
	snap, err := s.Budget.Snapshot()
	if err != nil {
		log.Printf("[StatusAPI] budget snapshot failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "snapshot unavailable"})
	}
	return c.JSON(snap)
}

func (s *Server) handleTrustLedger(c fiber.Ctx) error {
	if s.Trust == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "trust manager not configured"})
	}
	statuses, err := s.Trust.StatusAll()
	if err != nil {
		log.Printf("[StatusAPI] trust ledger read failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger unavailable"})
	}
	return c.JSON(statuses)
}
