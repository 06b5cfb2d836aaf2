package game

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// RecentWindow keeps a just-crashed round served as "current" so a burst
	// of polls right after a crash does not stampede round creation.
	RecentWindow = 10 * time.Second

	// BettingWindow is how long a round stays PENDING before the driver
	// starts it.
	BettingWindow = 5 * time.Second

	// DefaultHistoryLimit caps history and user-bet queries when the caller
	// does not ask for a specific size.
	DefaultHistoryLimit = 20

	// cashoutTolerance absorbs clock skew and 2-decimal rounding between the
	// client's observed multiplier and the server's recomputation.
	cashoutTolerance = 0.01

	redisKeyCurrentRound = "crash:round:current"
	snapshotTTL          = 1 * time.Second
)

// Engine owns the public operations of the crash game. It holds no round
// state of its own: every caller goes through the Store, whose atomic
// conditional writes arbitrate concurrent requests.
type Engine struct {
	store Store
	hub   *Hub
	cache *redis.Client

	now func() time.Time
}

func NewEngine(store Store, hub *Hub, cache *redis.Client) *Engine {
	return &Engine{
		store: store,
		hub:   hub,
		cache: cache,
		now:   time.Now,
	}
}

// GetOrCreateCurrentRound returns the round clients should be looking at:
// the open round, a recently crashed one, or a freshly created round when
// neither exists. The read path also performs crash detection, so any
// polling client can be the one that ends an overdue round.
func (e *Engine) GetOrCreateCurrentRound(ctx context.Context) (*RoundSnapshot, error) {
	if snap := e.cachedSnapshot(ctx); snap != nil {
		return snap, nil
	}

	round, err := e.store.CurrentRound(ctx, RecentWindow)
	if err != nil {
		return nil, err
	}

	if round != nil && round.Status == RoundRunning {
		if MultiplierAt(round.Elapsed(e.now())) >= round.CrashPoint {
			crashed, err := e.TransitionRound(ctx, round.ID, RoundCrashed)
			if err == nil {
				round = crashed
			} else {
				// A concurrent caller crashed it first; serve whatever won.
				round, err = e.store.CurrentRound(ctx, RecentWindow)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if round == nil {
		round, err = e.createRound(ctx)
		if err != nil {
			return nil, err
		}
	}

	bets, err := e.store.BetsForRound(ctx, round.ID)
	if err != nil {
		return nil, err
	}

	snap := &RoundSnapshot{Round: round.Public(), Bets: bets}
	e.cacheSnapshot(ctx, snap)
	return snap, nil
}

// CreateRound creates a new round explicitly. Fails when an open round
// exists; use GetOrCreateCurrentRound for the normal flow.
func (e *Engine) CreateRound(ctx context.Context) (*Round, error) {
	open, err := e.store.CurrentRound(ctx, 0)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, ErrActiveRoundExists
	}
	return e.createRound(ctx)
}

// createRound commits to an outcome before any bet can be taken: hash, seed
// and crash point are fixed here and only revealed at crash time. Losing the
// creation race returns the winner's round instead.
func (e *Engine) createRound(ctx context.Context) (*Round, error) {
	hash := NewGameHash()
	round := &Round{
		ID:         uuid.NewString(),
		Hash:       hash,
		Seed:       SeedFromHash(hash),
		CrashPoint: CrashPointFromHash(hash),
		Status:     RoundPending,
		CreatedAt:  e.now(),
	}

	round, created, err := e.store.CreateRound(ctx, round)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("[GAME] Round %s created, commitment %s...", round.ID, round.Hash[:16])
		e.invalidateSnapshot(ctx)
		e.broadcast("round_created", round.Public())
	}
	return round, nil
}

// TransitionRound applies a lifecycle transition. Requests already satisfied
// (round is in the target status) are no-ops returning the round, so
// concurrent crash triggers converge instead of erroring each other out.
func (e *Engine) TransitionRound(ctx context.Context, roundID string, target RoundStatus) (*Round, error) {
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Status == target {
		return round, nil
	}
	if !CanTransition(round.Status, target) {
		return nil, ErrInvalidTransition
	}

	switch target {
	case RoundRunning:
		round, err = e.store.StartRound(ctx, roundID, e.now())
		if err != nil {
			return nil, err
		}
		log.Printf("[GAME] Round %s running", round.ID)
		e.invalidateSnapshot(ctx)
		e.broadcast("round_started", round.Public())
		return round, nil

	case RoundCrashed:
		round, lost, err := e.store.CrashRound(ctx, roundID, e.now())
		if err != nil {
			return nil, err
		}
		log.Printf("[GAME] Round %s crashed at %.2fx, %d bets lost", round.ID, round.CrashPoint, lost)
		e.invalidateSnapshot(ctx)
		e.broadcast("crash", round.Public())
		return round, nil
	}
	return nil, ErrInvalidTransition
}

// PlaceBet wagers amount on a PENDING round. Debit, bet insert and audit row
// commit or roll back together. Returns the bet and the user's new balance.
func (e *Engine) PlaceBet(ctx context.Context, gameID, userID string, amount float64, autoWithdrawAt *float64) (*Bet, float64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	if autoWithdrawAt != nil && *autoWithdrawAt <= MinMultiplier {
		return nil, 0, ErrInvalidMultiplier
	}

	round, err := e.store.GetRound(ctx, gameID)
	if err != nil {
		return nil, 0, err
	}
	if round.Status != RoundPending {
		return nil, 0, ErrRoundNotOpen
	}

	bet := &Bet{
		ID:             uuid.NewString(),
		UserID:         userID,
		GameID:         gameID,
		Amount:         amount,
		Status:         BetActive,
		AutoWithdrawAt: autoWithdrawAt,
		CreatedAt:      e.now(),
	}

	bet, balance, err := e.store.PlaceBet(ctx, bet)
	if err != nil {
		return nil, balance, err
	}

	log.Printf("[GAME] User %s bet %.2f on round %s", userID, amount, gameID)
	e.invalidateSnapshot(ctx)
	e.broadcast("bet_placed", bet)
	return bet, balance, nil
}

// Cashout settles an ACTIVE bet as a win at the requested multiplier. The
// request is validated against the server's own clock: a multiplier above
// the live curve value or at the crash point is rejected no matter what the
// client claims to have seen.
func (e *Engine) Cashout(ctx context.Context, betID, userID string, multiplier float64) (*Bet, float64, error) {
	if multiplier <= MinMultiplier {
		return nil, 0, ErrInvalidMultiplier
	}

	bet, err := e.store.GetBet(ctx, betID)
	if err != nil {
		return nil, 0, err
	}
	if bet.UserID != userID {
		return nil, 0, ErrNotOwner
	}
	if bet.Status != BetActive {
		return nil, 0, ErrBetNotActive
	}

	round, err := e.store.GetRound(ctx, bet.GameID)
	if err != nil {
		return nil, 0, err
	}
	if round.Status != RoundRunning {
		return nil, 0, ErrRoundNotRunning
	}

	live := MultiplierAt(round.Elapsed(e.now()))
	if live >= round.CrashPoint {
		// The round is already past its crash point; this request lost the
		// race against the crash. End the round rather than paying out.
		e.TransitionRound(ctx, round.ID, RoundCrashed)
		return nil, 0, ErrRoundNotRunning
	}
	if multiplier > live+cashoutTolerance || multiplier >= round.CrashPoint {
		return nil, 0, ErrInvalidMultiplier
	}

	profit := bet.Amount*multiplier - bet.Amount
	payout := bet.Amount * multiplier

	bet, balance, err := e.store.CashoutBet(ctx, betID, multiplier, profit, payout)
	if err != nil {
		return nil, 0, err
	}

	log.Printf("[GAME] User %s cashed out bet %s at %.2fx (payout %.2f)", userID, betID, multiplier, payout)
	e.invalidateSnapshot(ctx)
	e.broadcast("cashout", bet)
	return bet, balance, nil
}

// History lists recently crashed rounds, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]RoundSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = DefaultHistoryLimit
	}
	return e.store.History(ctx, limit)
}

// UserBets lists a user's bets, newest first, with each round's outcome.
// Rounds that have not crashed yet keep their crash point withheld.
func (e *Engine) UserBets(ctx context.Context, userID string, limit int) ([]UserBet, error) {
	if limit <= 0 || limit > 100 {
		limit = DefaultHistoryLimit
	}
	bets, err := e.store.UserBets(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for i := range bets {
		if bets[i].Round.Status != RoundCrashed {
			bets[i].Round.CrashPoint = 0
		}
	}
	return bets, nil
}

func (e *Engine) broadcast(eventType string, data any) {
	if e.hub != nil {
		e.hub.Broadcast(Event{Type: eventType, Data: data})
	}
}

func (e *Engine) cachedSnapshot(ctx context.Context) *RoundSnapshot {
	if e.cache == nil {
		return nil
	}
	raw, err := e.cache.Get(ctx, redisKeyCurrentRound).Bytes()
	if err != nil {
		return nil
	}
	var snap RoundSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	return &snap
}

func (e *Engine) cacheSnapshot(ctx context.Context, snap *RoundSnapshot) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, redisKeyCurrentRound, raw, snapshotTTL).Err(); err != nil {
		log.Printf("[GAME] Snapshot cache write failed: %v", err)
	}
}

func (e *Engine) invalidateSnapshot(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Del(ctx, redisKeyCurrentRound).Err(); err != nil {
		log.Printf("[GAME] Snapshot cache invalidation failed: %v", err)
	}
}
