// Package postgres implements the identity record store on PostgreSQL with
// pgvector. Canonical embeddings live in a vector(128) column; embeddings
// written by older clients stay in a JSONB column in their original layout.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/faceenroll/pkg/embedding"
	"github.com/MrCodeEU/faceenroll/pkg/logging"
	"github.com/MrCodeEU/faceenroll/pkg/records"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is a pgxpool-backed records.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open ensures the vector extension exists, then creates a pool that
// registers the pgvector types on every connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := ensureExtension(ctx, databaseURL); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	config.AfterConnect = pgxvec.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.Component("records").Info("Connected to PostgreSQL identity store")
	return &Store{pool: pool}, nil
}

// ensureExtension creates the vector extension on a one-off connection.
// RegisterTypes fails on databases where the type does not exist yet.
func ensureExtension(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ListIdentities returns all identities ordered by id. A row whose legacy
// embeddings column cannot be decoded is returned with only its canonical
// embedding, if any.
func (s *Store) ListIdentities(ctx context.Context) ([]records.IdentityRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, role, embeddings, embedding, photo_url, attributes, activated_at
		FROM identities
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	log := logging.Component("records")
	var out []records.IdentityRecord
	for rows.Next() {
		var (
			rec        records.IdentityRecord
			legacy     []byte
			vec        *pgvector.Vector
			attributes []byte
			activated  *time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &rec.Role, &legacy, &vec, &rec.PhotoURL, &attributes, &activated); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}

		rec.Embeddings = []embedding.Stored{}
		if vec != nil {
			rec.Embeddings = append(rec.Embeddings, embedding.Stored{Shape: embedding.ShapeFlatVector, Values: vec.Slice()})
		}
		if len(legacy) > 0 {
			var stored []embedding.Stored
			if err := json.Unmarshal(legacy, &stored); err != nil {
				log.WithField("record_id", rec.ID).WithError(err).Warn("Ignoring undecodable legacy embeddings")
			} else {
				rec.Embeddings = append(rec.Embeddings, stored...)
			}
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &rec.Attributes); err != nil {
				log.WithField("record_id", rec.ID).WithError(err).Warn("Ignoring undecodable attributes")
			}
		}
		if activated != nil {
			rec.ActivatedAt = *activated
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// ActivateIdentity upserts the identity with its canonical embedding.
func (s *Store) ActivateIdentity(ctx context.Context, a records.Activation) error {
	if err := a.Validate(); err != nil {
		return err
	}

	var vec *pgvector.Vector
	if a.Embedding != nil {
		v := pgvector.NewVector(a.Embedding.Slice())
		vec = &v
	}
	attributes, err := json.Marshal(nonNilAttributes(a.Attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	var activatedAt any
	if !a.ActivatedAt.IsZero() {
		activatedAt = a.ActivatedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO identities (id, display_name, role, embeddings, embedding, photo_url, attributes, password_hash, activated_at, updated_at)
		VALUES ($1, $2, $3, '[]'::jsonb, $4, $5, $6, $7, COALESCE($8, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			embeddings = '[]'::jsonb,
			embedding = EXCLUDED.embedding,
			photo_url = EXCLUDED.photo_url,
			attributes = EXCLUDED.attributes,
			password_hash = EXCLUDED.password_hash,
			activated_at = EXCLUDED.activated_at,
			updated_at = NOW()
	`, a.IdentityID, a.DisplayName, a.Role, vec, a.PhotoURL, attributes, a.PasswordHash, activatedAt)
	if err != nil {
		return fmt.Errorf("activate identity %s: %w", a.IdentityID, err)
	}

	logging.Component("records").WithField("record_id", a.IdentityID).Info("Activated identity")
	return nil
}

// Put stores a record with its embeddings kept in their given layout.
func (s *Store) Put(ctx context.Context, rec records.IdentityRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: identity id is required", records.ErrInvalidActivation)
	}
	legacy, err := json.Marshal(rec.Embeddings)
	if err != nil {
		return fmt.Errorf("marshal embeddings: %w", err)
	}
	attributes, err := json.Marshal(nonNilAttributes(rec.Attributes))
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO identities (id, display_name, role, embeddings, photo_url, attributes, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			embeddings = EXCLUDED.embeddings,
			photo_url = EXCLUDED.photo_url,
			attributes = EXCLUDED.attributes,
			password_hash = EXCLUDED.password_hash,
			updated_at = NOW()
	`, rec.ID, rec.DisplayName, rec.Role, legacy, rec.PhotoURL, attributes, rec.PasswordHash)
	if err != nil {
		return fmt.Errorf("put identity %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes an identity.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM identities WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete identity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return records.ErrNotFound
	}
	return nil
}

// Count returns the number of identities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func nonNilAttributes(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
