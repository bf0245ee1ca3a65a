package authz

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoPending indicates no in-flight authorization exists for the wallet.
var ErrNoPending = errors.New("no pending authorization")

// PendingAuthorization is the transient record for an OTP-gated operation.
// It holds only the hash of the code, never the code itself. The record is
// consumed on confirm or discarded on expiry; it is never reused.
type PendingAuthorization struct {
	WalletID  string
	OtpHash   []byte
	ExpiresAt time.Time
	Action    string
	Payload   []byte
	CreatedAt time.Time
}

// PendingStore persists in-flight authorizations durably, so a restart cannot
// drop a pending OTP before its expiry. One record per wallet at a time; a
// new issue replaces any previous one.
type PendingStore interface {
	Put(ctx context.Context, auth PendingAuthorization) error
	Get(ctx context.Context, walletID string) (PendingAuthorization, error)
	Delete(ctx context.Context, walletID string) error
}

// PostgresPendingStore stores pending authorizations in PostgreSQL.
type PostgresPendingStore struct {
	db *pgxpool.Pool
}

// NewPostgresPendingStore builds a Postgres-backed pending store.
func NewPostgresPendingStore(db *pgxpool.Pool) *PostgresPendingStore {
	return &PostgresPendingStore{db: db}
}

// Put upserts the single pending record for a wallet.
func (s *PostgresPendingStore) Put(ctx context.Context, auth PendingAuthorization) error {
	_, err := s.db.Exec(ctx, `INSERT INTO pending_authorizations
        (wallet_id, otp_hash, expires_at, action, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (wallet_id) DO UPDATE SET
            otp_hash = EXCLUDED.otp_hash,
            expires_at = EXCLUDED.expires_at,
            action = EXCLUDED.action,
            payload = EXCLUDED.payload,
            created_at = EXCLUDED.created_at`,
		auth.WalletID, auth.OtpHash, auth.ExpiresAt.UTC(), auth.Action, auth.Payload, auth.CreatedAt.UTC())
	return err
}

// Get fetches the pending record for a wallet.
func (s *PostgresPendingStore) Get(ctx context.Context, walletID string) (PendingAuthorization, error) {
	row := s.db.QueryRow(ctx, `SELECT wallet_id, otp_hash, expires_at, action, payload, created_at
        FROM pending_authorizations WHERE wallet_id = $1`, walletID)
	var auth PendingAuthorization
	err := row.Scan(&auth.WalletID, &auth.OtpHash, &auth.ExpiresAt, &auth.Action, &auth.Payload, &auth.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingAuthorization{}, ErrNoPending
	}
	if err != nil {
		return PendingAuthorization{}, err
	}
	return auth, nil
}

// Delete removes the pending record, consuming it.
func (s *PostgresPendingStore) Delete(ctx context.Context, walletID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM pending_authorizations WHERE wallet_id = $1`, walletID)
	return err
}

type memoryPendingStore struct {
	mu      sync.Mutex
	records map[string]PendingAuthorization
}

// NewMemoryPendingStore constructs an in-memory pending store for tests.
func NewMemoryPendingStore() PendingStore {
	return &memoryPendingStore{records: make(map[string]PendingAuthorization)}
}

func (s *memoryPendingStore) Put(_ context.Context, auth PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[auth.WalletID] = auth
	return nil
}

func (s *memoryPendingStore) Get(_ context.Context, walletID string) (PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.records[walletID]
	if !ok {
		return PendingAuthorization{}, ErrNoPending
	}
	return auth, nil
}

func (s *memoryPendingStore) Delete(_ context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, walletID)
	return nil
}
