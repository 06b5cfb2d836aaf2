package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-User-ID",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	crash := api.Group("/crash")
	crash.Get("/round", s.getCurrentRoundHandler)
	crash.Post("/round", s.createRoundHandler)
	crash.Patch("/round/:id", s.transitionRoundHandler)
	crash.Post("/bet", s.placeBetHandler)
	crash.Patch("/bet/:id/cashout", s.cashoutHandler)
	crash.Get("/history", s.historyHandler)
	crash.Get("/user/:userId/bets", s.userBetsHandler)
	crash.Get("/odds", s.oddsHandler)

	api.Get("/user/:userId/balance", s.getBalanceHandler)
	api.Post("/user/:userId/deposit", s.depositHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}
