package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maauso/videogen-api/internal/library"
)

// Compile-time check that MediaRepository implements library.Repository.
var _ library.Repository = (*MediaRepository)(nil)

// MediaRepository is the Postgres implementation of library.Repository.
type MediaRepository struct {
	pool *pgxpool.Pool
}

// NewMediaRepository creates a new MediaRepository.
func NewMediaRepository(pool *pgxpool.Pool) *MediaRepository {
	return &MediaRepository{pool: pool}
}

func (r *MediaRepository) Get(ctx context.Context, id string) (*library.Media, error) {
	var (
		m                     library.Media
		kind                  string
		secondary, generation []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, kind, primary_key, primary_url, primary_size_bytes, secondary, thumbnail_url,
		        generation, created_at, updated_at
		 FROM media WHERE id = $1`, id,
	).Scan(&m.ID, &m.UserID, &kind, &m.Primary.Key, &m.Primary.URL, &m.Primary.SizeBytes, &secondary,
		&m.ThumbnailURL, &generation, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, library.ErrMediaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}

	m.Kind = library.Kind(kind)
	if len(secondary) > 0 {
		if err := json.Unmarshal(secondary, &m.Secondary); err != nil {
			return nil, fmt.Errorf("decode secondary artifact: %w", err)
		}
	}
	if len(generation) > 0 {
		if err := json.Unmarshal(generation, &m.Generation); err != nil {
			return nil, fmt.Errorf("decode generation metadata: %w", err)
		}
	}
	return &m, nil
}

func (r *MediaRepository) Upsert(ctx context.Context, m *library.Media) error {
	secondary, err := jsonOrNil(m.Secondary != nil, m.Secondary)
	if err != nil {
		return err
	}
	generation, err := jsonOrNil(m.Generation != nil, m.Generation)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO media (id, user_id, kind, primary_key, primary_url, primary_size_bytes, secondary,
		                    thumbnail_url, generation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   kind = EXCLUDED.kind,
		   primary_key = EXCLUDED.primary_key,
		   primary_url = EXCLUDED.primary_url,
		   primary_size_bytes = EXCLUDED.primary_size_bytes,
		   secondary = EXCLUDED.secondary,
		   thumbnail_url = EXCLUDED.thumbnail_url,
		   generation = EXCLUDED.generation,
		   updated_at = NOW()`,
		m.ID, m.UserID, string(m.Kind), m.Primary.Key, m.Primary.URL, m.Primary.SizeBytes, secondary,
		m.ThumbnailURL, generation)
	if err != nil {
		return fmt.Errorf("upsert media: %w", err)
	}
	return nil
}

func (r *MediaRepository) IncrementGenerated(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_stats (user_id, generated_count) VALUES ($1, 1)
		 ON CONFLICT (user_id) DO UPDATE SET generated_count = user_stats.generated_count + 1`,
		userID)
	if err != nil {
		return fmt.Errorf("increment generated count: %w", err)
	}
	return nil
}

func (r *MediaRepository) GeneratedCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT generated_count FROM user_stats WHERE user_id = $1`, userID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get generated count: %w", err)
	}
	return n, nil
}

// jsonOrNil encodes v, or returns nil so the column is stored as NULL.
func jsonOrNil(present bool, v any) ([]byte, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}
