package game

import "errors"

// Failure reasons for the public operations. Messages are safe to show to
// players as-is; the transport layer maps them to status codes with errors.Is.
var (
	ErrInvalidAmount       = errors.New("bet amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRoundNotFound       = errors.New("round not found")
	ErrRoundNotOpen        = errors.New("round is not accepting bets")
	ErrRoundNotRunning     = errors.New("round is not running")
	ErrActiveRoundExists   = errors.New("an open round already exists")
	ErrDuplicateBet        = errors.New("user already has a bet in this round")
	ErrBetNotFound         = errors.New("bet not found")
	ErrBetNotActive        = errors.New("bet is not active")
	ErrNotOwner            = errors.New("bet belongs to another user")
	ErrInvalidMultiplier   = errors.New("invalid cashout multiplier")
	ErrInvalidTransition   = errors.New("invalid round state transition")
	ErrUserNotFound        = errors.New("user not found")
)
