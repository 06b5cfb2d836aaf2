package game

import (
	"time"
)

type RoundStatus string

const (
	RoundPending RoundStatus = "PENDING"
	RoundRunning RoundStatus = "RUNNING"
	RoundCrashed RoundStatus = "CRASHED"
)

type BetStatus string

const (
	BetActive    BetStatus = "ACTIVE"
	BetCashedOut BetStatus = "CASHED_OUT"
	BetLost      BetStatus = "LOST"
)

// validTransitions is the full lifecycle table. CRASHED is terminal for a
// round instance; a new round is created instead of reusing the old one.
var validTransitions = map[RoundStatus][]RoundStatus{
	RoundPending: {RoundRunning},
	RoundRunning: {RoundCrashed},
	RoundCrashed: {},
}

// CanTransition reports whether a round may move from one status to another.
func CanTransition(from, to RoundStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Round is one play of the crash game. Seed and CrashPoint are computed once
// at creation and never change; the crash transition only reveals them.
type Round struct {
	ID         string      `json:"id"`
	Hash       string      `json:"hash"`
	Seed       string      `json:"seed"`
	CrashPoint float64     `json:"crash_point"`
	Status     RoundStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	CrashedAt  *time.Time  `json:"crashed_at,omitempty"`
}

// PublicRound is the client-facing projection of a round. The hash is always
// visible (it is the fairness commitment); seed and crash point are withheld
// until the round has crashed.
type PublicRound struct {
	ID         string      `json:"id"`
	Hash       string      `json:"hash"`
	Seed       string      `json:"seed,omitempty"`
	CrashPoint float64     `json:"crash_point,omitempty"`
	Status     RoundStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	CrashedAt  *time.Time  `json:"crashed_at,omitempty"`
}

// Public hides the pre-committed outcome until it has been revealed.
func (r *Round) Public() PublicRound {
	p := PublicRound{
		ID:        r.ID,
		Hash:      r.Hash,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		StartedAt: r.StartedAt,
		CrashedAt: r.CrashedAt,
	}
	if r.Status == RoundCrashed {
		p.Seed = r.Seed
		p.CrashPoint = r.CrashPoint
	}
	return p
}

// Elapsed returns how long the round has been running at the given instant.
func (r *Round) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	return now.Sub(*r.StartedAt)
}

// Bet is one player's wager in exactly one round. Terminal once CASHED_OUT
// or LOST.
type Bet struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	GameID            string    `json:"game_id"`
	Amount            float64   `json:"amount"`
	Status            BetStatus `json:"status"`
	AutoWithdrawAt    *float64  `json:"auto_withdraw_at,omitempty"`
	CashoutMultiplier *float64  `json:"cashout_multiplier,omitempty"`
	Profit            *float64  `json:"profit,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UserName          string    `json:"user_name,omitempty"`
}

// RoundSummary is the history projection: id, crash point and when.
type RoundSummary struct {
	ID         string    `json:"id"`
	CrashPoint float64   `json:"crash_point"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserBet joins a bet with its round's outcome for personal history.
type UserBet struct {
	Bet
	Round RoundInfo `json:"round"`
}

// RoundInfo is the round projection attached to a user's bet history.
type RoundInfo struct {
	ID         string      `json:"id"`
	CrashPoint float64     `json:"crash_point"`
	Status     RoundStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RoundSnapshot is what clients polling the current round receive.
type RoundSnapshot struct {
	Round PublicRound `json:"round"`
	Bets  []Bet       `json:"bets"`
}
