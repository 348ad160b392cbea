package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/matchrelay/internal/backend"
)

// RecordRepository persists leaderboard records.
type RecordRepository struct {
	db *pgxpool.Pool
}

// NewRecordRepository creates a RecordRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRecordRepository(db *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{db: db}
}

// Get implements backend.RecordStore.
func (r *RecordRepository) Get(ctx context.Context, board, owner string) (backend.Record, error) {
	rec := backend.Record{Board: board, OwnerID: owner}
	err := r.db.QueryRow(ctx,
		`SELECT username, score, updated_at
		 FROM leaderboard_records
		 WHERE leaderboard_id = $1 AND owner_id = $2`,
		board, owner,
	).Scan(&rec.Username, &rec.Score, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.Record{}, backend.ErrRecordNotFound
		}
		return backend.Record{}, fmt.Errorf("querying leaderboard record: %w", err)
	}
	return rec, nil
}

// Put implements backend.RecordStore.
func (r *RecordRepository) Put(ctx context.Context, rec backend.Record) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO leaderboard_records (leaderboard_id, owner_id, username, score, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (leaderboard_id, owner_id) DO UPDATE
		 SET username = EXCLUDED.username,
		     score = EXCLUDED.score,
		     updated_at = EXCLUDED.updated_at`,
		rec.Board, rec.OwnerID, rec.Username, rec.Score, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting leaderboard record: %w", err)
	}
	return nil
}

// List implements backend.RecordStore.
func (r *RecordRepository) List(ctx context.Context, board string, asc bool, offset, limit int) ([]backend.Record, error) {
	query := `SELECT owner_id, username, score, updated_at
		 FROM leaderboard_records
		 WHERE leaderboard_id = $1
		 ORDER BY score DESC, updated_at ASC, owner_id ASC
		 OFFSET $2 LIMIT $3`
	if asc {
		query = `SELECT owner_id, username, score, updated_at
		 FROM leaderboard_records
		 WHERE leaderboard_id = $1
		 ORDER BY score ASC, updated_at ASC, owner_id ASC
		 OFFSET $2 LIMIT $3`
	}
	rows, err := r.db.Query(ctx, query, board, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("listing leaderboard records: %w", err)
	}
	defer rows.Close()

	var recs []backend.Record
	for rows.Next() {
		rec := backend.Record{Board: board}
		if err := rows.Scan(&rec.OwnerID, &rec.Username, &rec.Score, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning leaderboard record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing leaderboard records: %w", err)
	}
	return recs, nil
}
