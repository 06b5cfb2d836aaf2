package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tigrinho/internal/wallet"
)

// Store is the engine's durable state. Every mutating call is atomic: the
// engine is invoked by many concurrent request handlers and correctness
// comes from here, not from in-process serialization.
type Store interface {
	// CreateRound inserts the round unless an open round already exists, in
	// which case the existing round is returned with created=false.
	CreateRound(ctx context.Context, round *Round) (r *Round, created bool, err error)
	// CurrentRound returns the open round, or a round that crashed within
	// the trailing window, or nil when neither exists.
	CurrentRound(ctx context.Context, recentWindow time.Duration) (*Round, error)
	GetRound(ctx context.Context, id string) (*Round, error)
	// StartRound applies PENDING -> RUNNING. ErrInvalidTransition if the
	// round is not PENDING.
	StartRound(ctx context.Context, id string, startedAt time.Time) (*Round, error)
	// CrashRound applies RUNNING -> CRASHED and settles every ACTIVE bet of
	// the round as LOST with zero profit, in one atomic unit. Returns the
	// number of bets settled. ErrInvalidTransition if the round is not
	// RUNNING, leaving bets untouched.
	CrashRound(ctx context.Context, id string, crashedAt time.Time) (*Round, int64, error)
	// PlaceBet debits the user, inserts the bet and appends the audit row
	// atomically. The (user, round) uniqueness and the round-is-PENDING
	// check are enforced inside the same unit. Returns the new balance.
	PlaceBet(ctx context.Context, bet *Bet) (*Bet, float64, error)
	// CashoutBet settles an ACTIVE bet of a RUNNING round as CASHED_OUT,
	// credits the payout and appends the audit row atomically. A concurrent
	// duplicate observes ErrBetNotActive. Returns the new balance.
	CashoutBet(ctx context.Context, betID string, multiplier, profit, payout float64) (*Bet, float64, error)
	GetBet(ctx context.Context, id string) (*Bet, error)
	BetsForRound(ctx context.Context, roundID string) ([]Bet, error)
	ActiveBetsForRound(ctx context.Context, roundID string) ([]Bet, error)
	History(ctx context.Context, limit int) ([]RoundSummary, error)
	UserBets(ctx context.Context, userID string, limit int) ([]UserBet, error)
}

// PGStore is the pgx-backed Store. Round uniqueness rides on the partial
// unique index crash_rounds_one_open; bet uniqueness on crash_bets_user_game.
type PGStore struct {
	pool   *pgxpool.Pool
	wallet *wallet.Store
}

func NewPGStore(pool *pgxpool.Pool, w *wallet.Store) *PGStore {
	return &PGStore{pool: pool, wallet: w}
}

const roundColumns = `id, hash, seed, crash_point, status, created_at, started_at, crashed_at`

func scanRound(row pgx.Row) (*Round, error) {
	var r Round
	err := row.Scan(&r.ID, &r.Hash, &r.Seed, &r.CrashPoint, &r.Status,
		&r.CreatedAt, &r.StartedAt, &r.CrashedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) CreateRound(ctx context.Context, round *Round) (*Round, bool, error) {
	// Losing a race on the one-open-round index is not an error: re-read and
	// return the winner. Two attempts cover the winner crashing in between.
	for attempt := 0; attempt < 2; attempt++ {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO crash_rounds (id, hash, seed, crash_point, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT DO NOTHING`,
			round.ID, round.Hash, round.Seed, round.CrashPoint, round.Status, round.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("create round: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return round, true, nil
		}

		existing, err := s.CurrentRound(ctx, 0)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, ErrActiveRoundExists
}

func (s *PGStore) CurrentRound(ctx context.Context, recentWindow time.Duration) (*Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM crash_rounds
		 WHERE status IN ('PENDING', 'RUNNING')
		    OR (status = 'CRASHED' AND crashed_at >= $1)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		time.Now().Add(-recentWindow))
	round, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current round: %w", err)
	}
	return round, nil
}

func (s *PGStore) GetRound(ctx context.Context, id string) (*Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM crash_rounds WHERE id = $1`, id)
	round, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	return round, nil
}

func (s *PGStore) StartRound(ctx context.Context, id string, startedAt time.Time) (*Round, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE crash_rounds SET status = 'RUNNING', started_at = $2
		 WHERE id = $1 AND status = 'PENDING'
		 RETURNING `+roundColumns,
		id, startedAt)
	round, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("start round: %w", err)
	}
	return round, nil
}

func (s *PGStore) CrashRound(ctx context.Context, id string, crashedAt time.Time) (*Round, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("crash round: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional update is what makes concurrent crash triggers safe:
	// only one caller flips the status, everyone else affects zero rows.
	row := tx.QueryRow(ctx,
		`UPDATE crash_rounds SET status = 'CRASHED', crashed_at = $2
		 WHERE id = $1 AND status = 'RUNNING'
		 RETURNING `+roundColumns,
		id, crashedAt)
	round, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrInvalidTransition
	}
	if err != nil {
		return nil, 0, fmt.Errorf("crash round: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE crash_bets SET status = 'LOST', profit = 0
		 WHERE game_id = $1 AND status = 'ACTIVE'`,
		id)
	if err != nil {
		return nil, 0, fmt.Errorf("settle losses: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("crash round: %w", err)
	}
	return round, tag.RowsAffected(), nil
}

func (s *PGStore) PlaceBet(ctx context.Context, bet *Bet) (*Bet, float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("place bet: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.wallet.Debit(ctx, tx, bet.UserID, bet.Amount)
	if errors.Is(err, wallet.ErrInsufficientFunds) {
		return nil, balance, ErrInsufficientBalance
	}
	if errors.Is(err, wallet.ErrUserNotFound) {
		return nil, 0, ErrUserNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	// Share-lock the round row for the rest of the transaction: a concurrent
	// PENDING -> RUNNING update must wait for in-flight bets to commit, so a
	// bet can never land in a round that has already started.
	var status RoundStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM crash_rounds WHERE id = $1 FOR SHARE`,
		bet.GameID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrRoundNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("place bet: %w", err)
	}
	if status != RoundPending {
		return nil, 0, ErrRoundNotOpen
	}

	// The (user_id, game_id) unique constraint rejects a concurrent duplicate.
	_, err = tx.Exec(ctx,
		`INSERT INTO crash_bets (id, user_id, game_id, amount, status, auto_withdraw_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		bet.ID, bet.UserID, bet.GameID, bet.Amount, bet.Status, bet.AutoWithdrawAt, bet.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, 0, ErrDuplicateBet
		}
		return nil, 0, fmt.Errorf("place bet: %w", err)
	}

	if err := s.wallet.Append(ctx, tx, bet.UserID, -bet.Amount, wallet.KindBetPlacement); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("place bet: %w", err)
	}

	if name, err := s.wallet.UserName(ctx, bet.UserID); err == nil {
		bet.UserName = name
	}
	return bet, balance, nil
}

const betColumns = `id, user_id, game_id, amount, status, auto_withdraw_at, cashout_multiplier, profit, created_at`

func scanBet(row pgx.Row) (*Bet, error) {
	var b Bet
	err := row.Scan(&b.ID, &b.UserID, &b.GameID, &b.Amount, &b.Status,
		&b.AutoWithdrawAt, &b.CashoutMultiplier, &b.Profit, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PGStore) CashoutBet(ctx context.Context, betID string, multiplier, profit, payout float64) (*Bet, float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("cashout: %w", err)
	}
	defer tx.Rollback(ctx)

	// Settle-once guarantee: the status check is part of the update itself,
	// so of two concurrent cashouts exactly one flips ACTIVE -> CASHED_OUT.
	row := tx.QueryRow(ctx,
		`UPDATE crash_bets SET status = 'CASHED_OUT', cashout_multiplier = $2, profit = $3
		 WHERE id = $1 AND status = 'ACTIVE'
		   AND EXISTS (SELECT 1 FROM crash_rounds r
		               WHERE r.id = crash_bets.game_id AND r.status = 'RUNNING')
		 RETURNING `+betColumns,
		betID, multiplier, profit)
	bet, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, s.cashoutFailure(ctx, betID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("cashout: %w", err)
	}

	balance, err := s.wallet.Credit(ctx, tx, bet.UserID, payout)
	if err != nil {
		return nil, 0, err
	}
	if err := s.wallet.Append(ctx, tx, bet.UserID, payout, wallet.KindBetSettlement); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("cashout: %w", err)
	}
	return bet, balance, nil
}

// cashoutFailure explains why the guarded cashout update matched nothing.
func (s *PGStore) cashoutFailure(ctx context.Context, betID string) error {
	bet, err := s.GetBet(ctx, betID)
	if err != nil {
		return err
	}
	if bet.Status != BetActive {
		return ErrBetNotActive
	}
	return ErrRoundNotRunning
}

func (s *PGStore) GetBet(ctx context.Context, id string) (*Bet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM crash_bets WHERE id = $1`, id)
	bet, err := scanBet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bet: %w", err)
	}
	return bet, nil
}

func (s *PGStore) BetsForRound(ctx context.Context, roundID string) ([]Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.user_id, b.game_id, b.amount, b.status, b.auto_withdraw_at,
		        b.cashout_multiplier, b.profit, b.created_at, u.name
		 FROM crash_bets b
		 JOIN users u ON u.id = b.user_id
		 WHERE b.game_id = $1
		 ORDER BY b.created_at`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("bets for round: %w", err)
	}
	defer rows.Close()

	var bets []Bet
	for rows.Next() {
		var b Bet
		if err := rows.Scan(&b.ID, &b.UserID, &b.GameID, &b.Amount, &b.Status,
			&b.AutoWithdrawAt, &b.CashoutMultiplier, &b.Profit, &b.CreatedAt, &b.UserName); err != nil {
			return nil, fmt.Errorf("bets for round: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PGStore) ActiveBetsForRound(ctx context.Context, roundID string) ([]Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM crash_bets
		 WHERE game_id = $1 AND status = 'ACTIVE'
		 ORDER BY created_at`,
		roundID)
	if err != nil {
		return nil, fmt.Errorf("active bets: %w", err)
	}
	defer rows.Close()

	var bets []Bet
	for rows.Next() {
		var b Bet
		if err := rows.Scan(&b.ID, &b.UserID, &b.GameID, &b.Amount, &b.Status,
			&b.AutoWithdrawAt, &b.CashoutMultiplier, &b.Profit, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("active bets: %w", err)
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PGStore) History(ctx context.Context, limit int) ([]RoundSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, crash_point, created_at FROM crash_rounds
		 WHERE status = 'CRASHED'
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var history []RoundSummary
	for rows.Next() {
		var r RoundSummary
		if err := rows.Scan(&r.ID, &r.CrashPoint, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		history = append(history, r)
	}
	return history, rows.Err()
}

func (s *PGStore) UserBets(ctx context.Context, userID string, limit int) ([]UserBet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT b.id, b.user_id, b.game_id, b.amount, b.status, b.auto_withdraw_at,
		        b.cashout_multiplier, b.profit, b.created_at,
		        r.id, r.crash_point, r.status, r.created_at
		 FROM crash_bets b
		 JOIN crash_rounds r ON r.id = b.game_id
		 WHERE b.user_id = $1
		 ORDER BY b.created_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("user bets: %w", err)
	}
	defer rows.Close()

	var bets []UserBet
	for rows.Next() {
		var ub UserBet
		if err := rows.Scan(&ub.ID, &ub.UserID, &ub.GameID, &ub.Amount, &ub.Status,
			&ub.AutoWithdrawAt, &ub.CashoutMultiplier, &ub.Profit, &ub.CreatedAt,
			&ub.Round.ID, &ub.Round.CrashPoint, &ub.Round.Status, &ub.Round.CreatedAt); err != nil {
			return nil, fmt.Errorf("user bets: %w", err)
		}
		bets = append(bets, ub)
	}
	return bets, rows.Err()
}
