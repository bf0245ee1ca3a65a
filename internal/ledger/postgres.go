package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEngine persists ledger entries in PostgreSQL. The table carries a
// unique index on (gateway, external_ref) where external_ref is present, which
// backs idempotency lookups.
type PostgresEngine struct {
	db *pgxpool.Pool
}

// NewPostgresEngine constructs a Postgres-backed ledger engine.
func NewPostgresEngine(db *pgxpool.Pool) *PostgresEngine {
	return &PostgresEngine{db: db}
}

const entryColumns = `id, wallet_id, kind, amount, reference, balance_before, balance_after,
        status, gateway, external_ref, created_at`

// Append inserts a new entry and returns its id.
func (e *PostgresEngine) Append(ctx context.Context, entry Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var gateway, externalRef any
	if entry.Gateway != "" {
		gateway = entry.Gateway
	}
	if entry.ExternalRef != "" {
		externalRef = entry.ExternalRef
	}
	_, err := e.db.Exec(ctx, `INSERT INTO ledger_entries
        (id, wallet_id, kind, amount, reference, balance_before, balance_after, status, gateway, external_ref, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.WalletID, string(entry.Kind), entry.Amount, entry.Reference,
		entry.BalanceBefore, entry.BalanceAfter, string(entry.Status), gateway, externalRef, entry.CreatedAt)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// MarkStatus flips a non-terminal entry to the given status.
func (e *PostgresEngine) MarkStatus(ctx context.Context, entryID string, status Status) error {
	tag, err := e.db.Exec(ctx, `UPDATE ledger_entries SET status = $2
        WHERE id = $1 AND status IN ('PENDING', 'QUEUED')`, entryID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := e.db.QueryRow(ctx, `SELECT status FROM ledger_entries WHERE id = $1`, entryID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// FindByReference returns the entry set written under one logical operation.
func (e *PostgresEngine) FindByReference(ctx context.Context, reference string) ([]Entry, error) {
	rows, err := e.db.Query(ctx, `SELECT `+entryColumns+`
        FROM ledger_entries WHERE reference = $1 ORDER BY created_at`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// FindByExternalRef looks up the entry recorded for a gateway transaction id.
func (e *PostgresEngine) FindByExternalRef(ctx context.Context, gateway, externalRef string) (Entry, error) {
	row := e.db.QueryRow(ctx, `SELECT `+entryColumns+`
        FROM ledger_entries WHERE gateway = $1 AND external_ref = $2`, gateway, externalRef)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// EntriesForWallet returns a wallet's entries newest first.
func (e *PostgresEngine) EntriesForWallet(ctx context.Context, walletID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.Query(ctx, `SELECT `+entryColumns+`
        FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		entry       Entry
		kind        string
		status      string
		gateway     *string
		externalRef *string
		createdAt   time.Time
	)
	err := row.Scan(&entry.ID, &entry.WalletID, &kind, &entry.Amount, &entry.Reference,
		&entry.BalanceBefore, &entry.BalanceAfter, &status, &gateway, &externalRef, &createdAt)
	if err != nil {
		return Entry{}, err
	}
	entry.Kind = Kind(kind)
	entry.Status = Status(status)
	if gateway != nil {
		entry.Gateway = *gateway
	}
	if externalRef != nil {
		entry.ExternalRef = *externalRef
	}
	entry.CreatedAt = createdAt.UTC()
	return entry, nil
}
