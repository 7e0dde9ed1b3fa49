package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deltad/pkg/db"
)

var (
	// ErrBuildInFlight reports that another build for the same stream has
	// not reached Finalized yet.
	ErrBuildInFlight = errors.New("updates: build already in flight for stream")
	// ErrNoUpdates reports that a stream has no finalized builds.
	ErrNoUpdates = errors.New("updates: no finalized updates for stream")
)

// Ledger is the durable record of build attempts. It is the sole
// coordination point for build serialization: Begin refuses to create a row
// while another row for the stream is non-Finalized.
type Ledger interface {
	Begin(ctx context.Context, stream string, timestamp int64) (int64, error)
	SetState(ctx context.Context, id int64, state UpdateState) error
	Finalize(ctx context.Context, id int64, hasPatches bool, version string, meta map[string]any) error
	LatestFinalized(ctx context.Context, stream string) (*Update, error)
	PatchesSince(ctx context.Context, stream string, since int64) ([]Update, error)
}

// PostgresLedger implements Ledger on the updates table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger wraps the provided pool.
func NewPostgresLedger(pool *pgxpool.Pool) (*PostgresLedger, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresLedger{pool: pool}, nil
}

type dbUpdate struct {
	ID             int64     `db:"id"`
	ArtifactStream string    `db:"artifact_stream"`
	State          int16     `db:"state"`
	HasPatches     bool      `db:"has_patches"`
	Timestamp      int64     `db:"timestamp"`
	Version        string    `db:"version"`
	Meta           []byte    `db:"meta"`
	CreatedAt      time.Time `db:"created_at"`
}

func (u dbUpdate) toUpdate() (Update, error) {
	out := Update{
		ID:         u.ID,
		Stream:     u.ArtifactStream,
		State:      UpdateState(u.State),
		HasPatches: u.HasPatches,
		Timestamp:  u.Timestamp,
		Version:    u.Version,
		CreatedAt:  u.CreatedAt,
	}
	if len(u.Meta) > 0 {
		if err := json.Unmarshal(u.Meta, &out.Meta); err != nil {
			return Update{}, fmt.Errorf("decode build meta: %w", err)
		}
	}
	return out, nil
}

// Begin inserts a Created row for stream, relying on the partial unique
// index over non-Finalized rows to make check-and-insert atomic. Two
// near-simultaneous uploads cannot both pass: the second insert hits the
// index predicate and returns no row.
func (l *PostgresLedger) Begin(ctx context.Context, stream string, timestamp int64) (int64, error) {
	query := `
        INSERT INTO updates (artifact_stream, state, has_patches, timestamp)
        VALUES ($1, $2, false, $3)
        ON CONFLICT (artifact_stream) WHERE state < 3 DO NOTHING
        RETURNING id;
    `

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var id int64
	err := l.pool.QueryRow(ctx, query, stream, int16(StateCreated), timestamp).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrBuildInFlight
		}
		return 0, err
	}
	return id, nil
}

// SetState advances the lifecycle state of a build row.
func (l *PostgresLedger) SetState(ctx context.Context, id int64, state UpdateState) error {
	tag, err := db.Exec(ctx, l.pool, `UPDATE updates SET state = $2 WHERE id = $1`, id, int16(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %d not found", id)
	}
	return nil
}

// Finalize marks the build terminal and records its outcome in one write.
func (l *PostgresLedger) Finalize(ctx context.Context, id int64, hasPatches bool, version string, meta map[string]any) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal build meta: %w", err)
	}

	query := `
        UPDATE updates
        SET state = $2, has_patches = $3, version = $4, meta = $5::jsonb
        WHERE id = $1
    `
	tag, err := db.Exec(ctx, l.pool, query, id, int16(StateFinalized), hasPatches, version, string(metaBytes))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %d not found", id)
	}
	return nil
}

// LatestFinalized returns the most recent Finalized build for stream.
func (l *PostgresLedger) LatestFinalized(ctx context.Context, stream string) (*Update, error) {
	query := `
        SELECT id, artifact_stream, state, has_patches, timestamp, version, meta, created_at
        FROM updates
        WHERE artifact_stream = $1 AND state = $2
        ORDER BY timestamp DESC
        LIMIT 1
    `

	var row dbUpdate
	if err := db.Get(ctx, l.pool, &row, query, stream, int16(StateFinalized)); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNoUpdates
		}
		return nil, err
	}

	u, err := row.toUpdate()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PatchesSince lists Finalized builds with patches strictly after since, in
// ascending timestamp order. Clients apply the archives in exactly this order.
func (l *PostgresLedger) PatchesSince(ctx context.Context, stream string, since int64) ([]Update, error) {
	query := `
        SELECT id, artifact_stream, state, has_patches, timestamp, version, meta, created_at
        FROM updates
        WHERE artifact_stream = $1 AND state = $2 AND has_patches AND timestamp > $3
        ORDER BY timestamp ASC
    `

	var rows []dbUpdate
	if err := db.Select(ctx, l.pool, &rows, query, stream, int16(StateFinalized), since); err != nil {
		return nil, err
	}

	out := make([]Update, 0, len(rows))
	for _, row := range rows {
		u, err := row.toUpdate()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
