package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicatePrincipal signals that the id is already registered.
	ErrDuplicatePrincipal = errors.New("auth: principal already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreatePrincipal(ctx context.Context, p Principal) (Principal, error)
	GetPrincipal(ctx context.Context, id string) (Principal, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreatePrincipal(ctx context.Context, p Principal) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (id, secret_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, secret_hash, role, created_at
	`

	out, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, p.ID, p.SecretHash, p.Role))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Principal{}, ErrDuplicatePrincipal
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	const selectSQL = `
		SELECT id, secret_hash, role, created_at
		FROM principals
		WHERE id = $1
	`

	out, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal: %w", err)
	}
	return out, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	if err := row.Scan(&p.ID, &p.SecretHash, &p.Role, &p.CreatedAt); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// MemoryRepository keeps principals in process, for the memory backend.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]Principal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]Principal)}
}

func (r *MemoryRepository) CreatePrincipal(_ context.Context, p Principal) (Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; ok {
		return Principal{}, ErrDuplicatePrincipal
	}
	p.CreatedAt = time.Now().UTC()
	r.byID[p.ID] = p
	return p, nil
}

func (r *MemoryRepository) GetPrincipal(_ context.Context, id string) (Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}
