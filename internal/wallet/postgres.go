package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists wallets in PostgreSQL using optimistic version
// checks for balance mutation.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a store backed by PostgreSQL.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, class, balance, pin_hash, failed_pin_attempts, pin_locked_until,
        frozen, daily_spent, daily_window_start, version, created_at`

// GetOrCreate inserts the wallet if absent and returns the stored row either way.
func (s *PostgresStore) GetOrCreate(ctx context.Context, id string, class Class) (Wallet, error) {
	_, err := s.db.Exec(ctx, `INSERT INTO wallets
        (id, class, balance, daily_spent, daily_window_start, version, created_at)
        VALUES ($1, $2, 0, 0, $3, 1, $4)
        ON CONFLICT (id) DO NOTHING`, id, string(class), startOfDay(time.Now()), time.Now().UTC())
	if err != nil {
		return Wallet{}, err
	}
	return s.Get(ctx, id)
}

// Get fetches a wallet by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

// Mutate applies a balance delta guarded by the version check. The UPDATE
// carries both the version predicate and the non-negative balance predicate,
// so the row either advances completely or is untouched.
func (s *PostgresStore) Mutate(ctx context.Context, id string, expectedVersion int64, delta int64) (Wallet, error) {
	row := s.db.QueryRow(ctx, `UPDATE wallets
        SET balance = balance + $3, version = version + 1
        WHERE id = $1 AND version = $2 AND balance + $3 >= 0
        RETURNING `+walletColumns, id, expectedVersion, delta)
	w, err := scanWallet(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, err
	}

	// The guarded UPDATE matched nothing; distinguish the three causes.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return Wallet{}, getErr
	}
	if current.Version != expectedVersion {
		return Wallet{}, ErrVersionConflict
	}
	return Wallet{}, ErrInsufficientFunds
}

// SetPinHash replaces the PIN hash and clears lockout state.
func (s *PostgresStore) SetPinHash(ctx context.Context, id string, hash []byte) error {
	return s.exec(ctx, `UPDATE wallets
        SET pin_hash = $2, failed_pin_attempts = 0, pin_locked_until = NULL, version = version + 1
        WHERE id = $1`, id, hash)
}

// RecordPinAttempts persists PIN failure counters durably.
func (s *PostgresStore) RecordPinAttempts(ctx context.Context, id string, failed int, lockedUntil time.Time) error {
	var until any
	if !lockedUntil.IsZero() {
		until = lockedUntil.UTC()
	}
	return s.exec(ctx, `UPDATE wallets
        SET failed_pin_attempts = $2, pin_locked_until = $3, version = version + 1
        WHERE id = $1`, id, failed, until)
}

// SetDailySpent persists the rolling spend window.
func (s *PostgresStore) SetDailySpent(ctx context.Context, id string, spent int64, windowStart time.Time) error {
	return s.exec(ctx, `UPDATE wallets
        SET daily_spent = $2, daily_window_start = $3, version = version + 1
        WHERE id = $1`, id, spent, windowStart)
}

// SetFrozen flips the wallet freeze flag.
func (s *PostgresStore) SetFrozen(ctx context.Context, id string, frozen bool) error {
	return s.exec(ctx, `UPDATE wallets SET frozen = $2, version = version + 1 WHERE id = $1`, id, frozen)
}

func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w           Wallet
		class       string
		lockedUntil *time.Time
		windowStart time.Time
		createdAt   time.Time
	)
	err := row.Scan(&w.ID, &class, &w.Balance, &w.PINHash, &w.FailedPinAttempts, &lockedUntil,
		&w.Frozen, &w.DailySpent, &windowStart, &w.Version, &createdAt)
	if err != nil {
		return Wallet{}, err
	}
	w.Class = Class(class)
	if lockedUntil != nil {
		w.PinLockedUntil = *lockedUntil
	}
	w.DailyWindowStart = windowStart
	w.CreatedAt = createdAt.UTC()
	return w, nil
}
