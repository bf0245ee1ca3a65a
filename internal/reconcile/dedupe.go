package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record keys one processed external transaction. A second event carrying the
// same (gateway, externalRef) is a no-op, not an error.
type Record struct {
	Gateway     string
	ExternalRef string
	WalletID    string
	Amount      int64
	CreatedAt   time.Time
}

// DedupeStore is the single idempotency table consulted by every inbound
// event handler. Claim is an atomic insert-if-absent on the dedupe key, so
// concurrent duplicate deliveries race to exactly one winner.
type DedupeStore interface {
	// Claim records the key and reports true when this caller won it. A false
	// return means the transaction was already processed (or is being
	// processed by a concurrent winner).
	Claim(ctx context.Context, rec Record) (bool, error)

	// Release drops the key so a retry after a processing failure can claim
	// it again.
	Release(ctx context.Context, gateway, externalRef string) error

	// Find returns the claim record for the key, if any. Used to decide
	// whether a lost claim belongs to an in-flight winner or a crashed run.
	Find(ctx context.Context, gateway, externalRef string) (Record, bool, error)
}

// PostgresDedupeStore backs the dedupe table with PostgreSQL. The primary key
// on (gateway, external_ref) makes Claim atomic under concurrent delivery.
type PostgresDedupeStore struct {
	db *pgxpool.Pool
}

// NewPostgresDedupeStore builds a Postgres-backed dedupe store.
func NewPostgresDedupeStore(db *pgxpool.Pool) *PostgresDedupeStore {
	return &PostgresDedupeStore{db: db}
}

// Claim inserts the record if absent.
func (s *PostgresDedupeStore) Claim(ctx context.Context, rec Record) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `INSERT INTO external_transactions
        (gateway, external_ref, wallet_id, amount, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (gateway, external_ref) DO NOTHING`,
		rec.Gateway, rec.ExternalRef, rec.WalletID, rec.Amount, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release removes the record.
func (s *PostgresDedupeStore) Release(ctx context.Context, gateway, externalRef string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM external_transactions
        WHERE gateway = $1 AND external_ref = $2`, gateway, externalRef)
	return err
}

// Find fetches the record for the key.
func (s *PostgresDedupeStore) Find(ctx context.Context, gateway, externalRef string) (Record, bool, error) {
	var rec Record
	err := s.db.QueryRow(ctx, `SELECT gateway, external_ref, wallet_id, amount, created_at
        FROM external_transactions WHERE gateway = $1 AND external_ref = $2`,
		gateway, externalRef).
		Scan(&rec.Gateway, &rec.ExternalRef, &rec.WalletID, &rec.Amount, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

type memoryDedupeStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryDedupeStore constructs an in-memory dedupe store for tests.
func NewMemoryDedupeStore() DedupeStore {
	return &memoryDedupeStore{records: make(map[string]Record)}
}

func dedupeKey(gateway, externalRef string) string {
	return gateway + ":" + externalRef
}

func (s *memoryDedupeStore) Claim(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dedupeKey(rec.Gateway, rec.ExternalRef)
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records[key] = rec
	return true, nil
}

func (s *memoryDedupeStore) Release(_ context.Context, gateway, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, dedupeKey(gateway, externalRef))
	return nil
}

func (s *memoryDedupeStore) Find(_ context.Context, gateway, externalRef string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[dedupeKey(gateway, externalRef)]
	return rec, ok, nil
}
