package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CreateUser inserts a new user with a zero credit balance.
func (s *Store) CreateUser(ctx context.Context, email string, isAdmin bool) (*User, error) {
	var u User
	var credits string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, is_admin)
		 VALUES ($1, $2)
		 RETURNING id, email, credits::text, is_admin, created_at`,
		email, isAdmin,
	).Scan(&u.ID, &u.Email, &credits, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating user %q: %w", email, err)
	}
	u.Credits, err = decimal.NewFromString(credits)
	if err != nil {
		return nil, fmt.Errorf("parsing credits for user %q: %w", email, err)
	}
	return &u, nil
}

// GetUser loads a user by id. Returns nil, nil when the user does not
// exist.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	var credits string
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, credits::text, is_admin, created_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &credits, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %d: %w", id, err)
	}
	u.Credits, err = decimal.NewFromString(credits)
	if err != nil {
		return nil, fmt.Errorf("parsing credits for user %d: %w", id, err)
	}
	return &u, nil
}

// AddCredits atomically increments the user's balance and appends the
// matching DEPOSIT transaction.
func (s *Store) AddCredits(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning deposit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row-level lock serialises against concurrent debits.
	var current string
	err = tx.QueryRow(ctx,
		`SELECT credits::text FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user %d not found", userID)
	}
	if err != nil {
		return fmt.Errorf("locking user %d: %w", userID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits = credits + $2::numeric WHERE id = $1`,
		userID, amount.String(),
	); err != nil {
		return fmt.Errorf("crediting user %d: %w", userID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (user_id, amount, type, description)
		 VALUES ($1, $2::numeric, $3, $4)`,
		userID, amount.String(), TransactionDeposit, description,
	); err != nil {
		return fmt.Errorf("recording deposit for user %d: %w", userID, err)
	}

	return tx.Commit(ctx)
}

// Charge atomically debits the user's balance and appends the matching
// HOURLY_CHARGE transaction with a negative amount. Returns
// ErrInsufficientCredits without mutation when the balance cannot cover
// the charge.
func (s *Store) Charge(ctx context.Context, userID int64, amount decimal.Decimal, description string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning charge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT credits::text FROM users WHERE id = $1 FOR UPDATE`, userID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("user %d not found", userID)
	}
	if err != nil {
		return fmt.Errorf("locking user %d: %w", userID, err)
	}

	balance, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("parsing credits for user %d: %w", userID, err)
	}
	if balance.LessThan(amount) {
		return ErrInsufficientCredits
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits = credits - $2::numeric WHERE id = $1`,
		userID, amount.String(),
	); err != nil {
		return fmt.Errorf("debiting user %d: %w", userID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (user_id, amount, type, description)
		 VALUES ($1, $2::numeric, $3, $4)`,
		userID, amount.Neg().String(), TransactionHourlyCharge, description,
	); err != nil {
		return fmt.Errorf("recording charge for user %d: %w", userID, err)
	}

	return tx.Commit(ctx)
}

// ListTransactions returns the user's ledger, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID int64) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::text, type, timestamp, COALESCE(description, '')
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying transactions for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var amount string
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &t.Type, &t.Timestamp, &t.Description); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parsing transaction amount: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
