package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"tigrinho/internal/game"
	"tigrinho/internal/wallet"
)

// userIDFromRequest trusts the caller-supplied identity per the engine's
// contract; authentication happens upstream of this service.
func userIDFromRequest(c *fiber.Ctx) string {
	return c.Get("X-User-ID")
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, game.ErrRoundNotFound),
		errors.Is(err, game.ErrBetNotFound),
		errors.Is(err, game.ErrUserNotFound),
		errors.Is(err, wallet.ErrUserNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, game.ErrNotOwner):
		return fiber.StatusForbidden
	case errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrInsufficientBalance),
		errors.Is(err, game.ErrRoundNotOpen),
		errors.Is(err, game.ErrRoundNotRunning),
		errors.Is(err, game.ErrActiveRoundExists),
		errors.Is(err, game.ErrDuplicateBet),
		errors.Is(err, game.ErrBetNotActive),
		errors.Is(err, game.ErrInvalidMultiplier),
		errors.Is(err, game.ErrInvalidTransition),
		errors.Is(err, wallet.ErrInvalidAmount):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func fail(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		log.Printf("[SERVER] %s %s failed: %v", c.Method(), c.Path(), err)
		return c.Status(status).JSON(fiber.Map{"error": "internal error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// Crash round handlers

func (s *FiberServer) getCurrentRoundHandler(c *fiber.Ctx) error {
	snap, err := s.engine.GetOrCreateCurrentRound(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(snap)
}

func (s *FiberServer) createRoundHandler(c *fiber.Ctx) error {
	// Round creation is normally implicit; the explicit endpoint is admin
	// only, mirroring the operator tooling.
	if userIDFromRequest(c) != "admin" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "not authorized",
		})
	}

	round, err := s.engine.CreateRound(c.Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"round": round.Public()})
}

func (s *FiberServer) transitionRoundHandler(c *fiber.Ctx) error {
	roundID := c.Params("id")

	var body struct {
		Status game.RoundStatus `json:"status"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	switch body.Status {
	case game.RoundPending, game.RoundRunning, game.RoundCrashed:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid status",
		})
	}

	round, err := s.engine.TransitionRound(c.Context(), roundID, body.Status)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"round": round.Public()})
}

// Bet handlers

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	userID := userIDFromRequest(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user ID is required",
		})
	}

	var body struct {
		GameID         string   `json:"game_id"`
		Amount         float64  `json:"amount"`
		AutoWithdrawAt *float64 `json:"auto_withdraw_at"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if body.GameID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "game ID is required",
		})
	}

	bet, balance, err := s.engine.PlaceBet(c.Context(), body.GameID, userID, body.Amount, body.AutoWithdrawAt)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"bet":     bet,
		"balance": balance,
	})
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	userID := userIDFromRequest(c)
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user ID is required",
		})
	}

	betID := c.Params("id")

	var body struct {
		Multiplier float64 `json:"multiplier"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	bet, balance, err := s.engine.Cashout(c.Context(), betID, userID, body.Multiplier)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"bet":     bet,
		"balance": balance,
	})
}

// Query handlers

func (s *FiberServer) historyHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", game.DefaultHistoryLimit)
	history, err := s.engine.History(c.Context(), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"history": history})
}

func (s *FiberServer) userBetsHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	limit := c.QueryInt("limit", game.DefaultHistoryLimit)

	bets, err := s.engine.UserBets(c.Context(), userID, limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"bets": bets})
}

func (s *FiberServer) oddsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"odds": game.CrashOdds()})
}

// Wallet handlers

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	balance, err := s.wallet.GetBalance(c.Context(), userID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var body struct {
		Amount float64 `json:"amount"`
		Name   string  `json:"name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if body.Name != "" {
		if err := s.wallet.CreateUser(c.Context(), userID, body.Name); err != nil {
			return fail(c, err)
		}
	}

	balance, err := s.wallet.Deposit(c.Context(), userID, body.Amount)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance,
	})
}

// gameWebSocketHandler streams round events and accepts bet commands over
// one connection. Everything it can do is also reachable over REST.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	ctx := context.Background()
	userID := conn.Query("user_id", "anonymous")

	log.Printf("[WS] New connection from user: %s", userID)

	client := s.hub.RegisterClient(conn, userID)

	if snap, err := s.engine.GetOrCreateCurrentRound(ctx); err == nil {
		client.SendEvent(game.Event{Type: "initial_state", Data: snap})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for user %s: %v", userID, err)
			s.hub.UnregisterClient(conn)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg struct {
			Type           string   `json:"type"`
			GameID         string   `json:"game_id"`
			BetID          string   `json:"bet_id"`
			Amount         float64  `json:"amount"`
			AutoWithdrawAt *float64 `json:"auto_withdraw_at"`
			Multiplier     float64  `json:"multiplier"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "place_bet":
			bet, balance, err := s.engine.PlaceBet(ctx, msg.GameID, userID, msg.Amount, msg.AutoWithdrawAt)
			client.SendEvent(wsResult("bet_result", fiber.Map{"bet": bet, "balance": balance}, err))

		case "cashout":
			bet, balance, err := s.engine.Cashout(ctx, msg.BetID, userID, msg.Multiplier)
			client.SendEvent(wsResult("cashout_result", fiber.Map{"bet": bet, "balance": balance}, err))

		case "ping":
			client.SendEvent(game.Event{Type: "pong"})
		}
	}
}

// wsResult mirrors fail for the websocket path: sentinel errors pass through,
// anything else is logged and masked.
func wsResult(eventType string, data fiber.Map, err error) game.Event {
	if err != nil {
		msg := err.Error()
		if errorStatus(err) == fiber.StatusInternalServerError {
			log.Printf("[WS] %s failed: %v", eventType, err)
			msg = "internal error"
		}
		return game.Event{Type: eventType, Data: fiber.Map{"error": msg}}
	}
	return game.Event{Type: eventType, Data: data}
}
