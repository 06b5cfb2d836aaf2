package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind classifies an audit-log transaction.
type Kind string

const (
	KindDeposit       Kind = "DEPOSIT"
	KindBetPlacement  Kind = "BET_PLACEMENT"
	KindBetSettlement Kind = "BET_SETTLEMENT"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Store is the balance ledger. Debit, Credit and Append operate on a caller
// supplied pgx.Tx so the game engine can fold balance mutations into the same
// atomic unit as its own writes; a plain read-then-write is never exposed.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateUser registers a user with a zero balance. Existing users are left
// untouched.
func (s *Store) CreateUser(ctx context.Context, id, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		id, name)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) GetBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// Deposit credits a user outside any game flow and records a DEPOSIT
// transaction. Returns the new balance.
func (s *Store) Deposit(ctx context.Context, userID string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.Credit(ctx, tx, userID, amount)
	if err != nil {
		return 0, err
	}
	if err := s.Append(ctx, tx, userID, amount, KindDeposit); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("deposit: %w", err)
	}
	return balance, nil
}

// Debit locks the user row, checks funds and subtracts amount. Returns the
// new balance. The row lock serializes concurrent mutations of one balance.
func (s *Store) Debit(ctx context.Context, tx pgx.Tx, userID string, amount float64) (float64, error) {
	var balance float64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	if balance < amount {
		return balance, ErrInsufficientFunds
	}

	err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2 WHERE id = $1 RETURNING balance`,
		userID, amount).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}
	return balance, nil
}

// Credit adds amount to the user's balance. Returns the new balance.
func (s *Store) Credit(ctx context.Context, tx pgx.Tx, userID string, amount float64) (float64, error) {
	var balance float64
	err := tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}
	return balance, nil
}

// Append records an audit transaction. Negative amounts are debits.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, userID string, amount float64, kind Kind) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, kind) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), userID, amount, kind)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// UserName resolves a user's display name.
func (s *Store) UserName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("user name: %w", err)
	}
	return name, nil
}
