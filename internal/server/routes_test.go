package server

import (
	"errors"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"tigrinho/internal/game"
	"tigrinho/internal/wallet"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"round not found", game.ErrRoundNotFound, http.StatusNotFound},
		{"bet not found", game.ErrBetNotFound, http.StatusNotFound},
		{"user not found", game.ErrUserNotFound, http.StatusNotFound},
		{"wallet user not found", wallet.ErrUserNotFound, http.StatusNotFound},
		{"not owner", game.ErrNotOwner, http.StatusForbidden},
		{"invalid amount", game.ErrInvalidAmount, http.StatusBadRequest},
		{"insufficient balance", game.ErrInsufficientBalance, http.StatusBadRequest},
		{"round not open", game.ErrRoundNotOpen, http.StatusBadRequest},
		{"duplicate bet", game.ErrDuplicateBet, http.StatusBadRequest},
		{"bet not active", game.ErrBetNotActive, http.StatusBadRequest},
		{"invalid multiplier", game.ErrInvalidMultiplier, http.StatusBadRequest},
		{"invalid transition", game.ErrInvalidTransition, http.StatusBadRequest},
		{"active round exists", game.ErrActiveRoundExists, http.StatusBadRequest},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorStatus(tt.err); got != tt.want {
				t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestWsResultMasksInternalErrors(t *testing.T) {
	event := wsResult("bet_result", nil, errors.New("place bet: connection reset"))
	data, ok := event.Data.(fiber.Map)
	if !ok {
		t.Fatalf("event data is %T, want fiber.Map", event.Data)
	}
	if data["error"] != "internal error" {
		t.Errorf("internal error leaked to client: %v", data["error"])
	}

	event = wsResult("bet_result", nil, game.ErrDuplicateBet)
	data = event.Data.(fiber.Map)
	if data["error"] != game.ErrDuplicateBet.Error() {
		t.Errorf("sentinel error rewritten: %v", data["error"])
	}

	event = wsResult("bet_result", fiber.Map{"ok": true}, nil)
	if event.Data.(fiber.Map)["ok"] != true {
		t.Error("success payload not passed through")
	}
}

func TestUserIDFromRequest(t *testing.T) {
	app := fiber.New()
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(userIDFromRequest(c))
	})

	req, err := http.NewRequest("GET", "/whoami", nil)
	if err != nil {
		t.Fatalf("could not create request: %v", err)
	}
	req.Header.Set("X-User-ID", "player-7")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status OK; got %v", resp.Status)
	}

	body := make([]byte, 32)
	n, _ := resp.Body.Read(body)
	if got := string(body[:n]); got != "player-7" {
		t.Errorf("user ID = %q, want %q", got, "player-7")
	}
}
