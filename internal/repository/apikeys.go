package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type APIKeysRepository interface {
	// GetByHash returns nil, nil when no key has the hash.
	GetByHash(ctx context.Context, keyHash string) (*model.APIKey, error)
	Upsert(ctx context.Context, k model.APIKey) error
}

type APIKeysRepositoryImpl struct {
	db *sqlx.DB
}

func NewAPIKeysRepository(db *sqlx.DB) *APIKeysRepositoryImpl {
	return &APIKeysRepositoryImpl{db: db}
}

var _ APIKeysRepository = (*APIKeysRepositoryImpl)(nil)

func (r *APIKeysRepositoryImpl) GetByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	var k model.APIKey
	err := r.db.GetContext(ctx, &k, `
		SELECT id, owner_id, name, key_hash, status, rate_limit_rps, expires_at, created_at, updated_at
		  FROM api_keys
		 WHERE key_hash = ? LIMIT 1
	`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Upsert is keyed by key_hash (UNIQUE).
func (r *APIKeysRepositoryImpl) Upsert(ctx context.Context, k model.APIKey) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO api_keys
		    (owner_id, name, key_hash, status, rate_limit_rps, expires_at, created_at, updated_at)
		VALUES
		    (:owner_id, :name, :key_hash, :status, :rate_limit_rps, :expires_at, :created_at, :updated_at)
		ON DUPLICATE KEY UPDATE
		    owner_id       = VALUES(owner_id),
		    name           = VALUES(name),
		    status         = VALUES(status),
		    rate_limit_rps = VALUES(rate_limit_rps),
		    expires_at     = VALUES(expires_at),
		    updated_at     = VALUES(updated_at)
	`, k)
	return err
}
