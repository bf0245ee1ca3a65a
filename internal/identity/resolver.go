package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownAlias indicates no wallet is bound to the external identifier.
var ErrUnknownAlias = errors.New("unknown alias")

// Resolver maps external identifiers (phone numbers, emails) to the one
// canonical wallet id. External ids are never stored on other schemas; every
// boundary resolves through this lookup.
type Resolver interface {
	Resolve(ctx context.Context, alias string) (string, error)
	Bind(ctx context.Context, alias, walletID string) error
}

// Normalize canonicalizes an external identifier before lookup.
func Normalize(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// PostgresResolver stores alias bindings in PostgreSQL.
type PostgresResolver struct {
	db *pgxpool.Pool
}

// NewPostgresResolver builds a resolver backed by PostgreSQL.
func NewPostgresResolver(db *pgxpool.Pool) *PostgresResolver {
	return &PostgresResolver{db: db}
}

// Resolve returns the wallet id bound to the alias.
func (r *PostgresResolver) Resolve(ctx context.Context, alias string) (string, error) {
	var walletID string
	err := r.db.QueryRow(ctx, `SELECT wallet_id FROM wallet_aliases WHERE alias = $1`,
		Normalize(alias)).Scan(&walletID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownAlias
	}
	if err != nil {
		return "", err
	}
	return walletID, nil
}

// Bind records an alias for a wallet. Rebinding an alias is rejected by the
// primary key; first write wins.
func (r *PostgresResolver) Bind(ctx context.Context, alias, walletID string) error {
	_, err := r.db.Exec(ctx, `INSERT INTO wallet_aliases (alias, wallet_id, created_at)
        VALUES ($1, $2, $3) ON CONFLICT (alias) DO NOTHING`,
		Normalize(alias), walletID, time.Now().UTC())
	return err
}

type memoryResolver struct {
	mu      sync.RWMutex
	aliases map[string]string
}

// NewMemoryResolver constructs an in-memory resolver for tests.
func NewMemoryResolver() Resolver {
	return &memoryResolver{aliases: make(map[string]string)}
}

func (r *memoryResolver) Resolve(_ context.Context, alias string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	walletID, ok := r.aliases[Normalize(alias)]
	if !ok {
		return "", ErrUnknownAlias
	}
	return walletID, nil
}

func (r *memoryResolver) Bind(_ context.Context, alias, walletID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Normalize(alias)
	if _, exists := r.aliases[key]; !exists {
		r.aliases[key] = walletID
	}
	return nil
}
