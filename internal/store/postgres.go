package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the WaveShift tables. Execute it via
// [TranscriptStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS media_tasks (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'created',
    progress      INT  NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcriptions (
    id                 TEXT PRIMARY KEY,
    task_id            TEXT NOT NULL DEFAULT '',
    target_language    TEXT NOT NULL DEFAULT 'english',
    style              TEXT NOT NULL DEFAULT 'normal',
    total_segments     BIGINT NOT NULL DEFAULT 0,
    processing_time_ms BIGINT NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcript_segments (
    transcription_id TEXT   NOT NULL,
    sequence         BIGINT NOT NULL,
    start_ms         BIGINT NOT NULL,
    end_ms           BIGINT NOT NULL,
    content_type     TEXT   NOT NULL DEFAULT 'speech',
    speaker          TEXT   NOT NULL DEFAULT '',
    original         TEXT   NOT NULL DEFAULT '',
    translation      TEXT   NOT NULL DEFAULT '',
    audio_key        TEXT,
    is_first         SMALLINT NOT NULL DEFAULT 0,
    is_last          SMALLINT NOT NULL DEFAULT 0,
    PRIMARY KEY (transcription_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_transcript_segments_transcription
    ON transcript_segments(transcription_id);
`

// DB is the database interface used by [TranscriptStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TranscriptStore persists transcriptions, segments, and tasks in PostgreSQL.
// All operations are safe for concurrent use.
type TranscriptStore struct {
	db DB
}

// New creates a TranscriptStore over an existing database connection or pool.
// The caller is responsible for calling [TranscriptStore.Migrate] before
// issuing queries.
func New(db DB) *TranscriptStore {
	return &TranscriptStore{db: db}
}

// Connect establishes a pgx pool to dsn, verifies connectivity, and runs the
// migration. The returned pool should be closed by the caller on shutdown.
func Connect(ctx context.Context, dsn string) (*TranscriptStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *TranscriptStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// ── Transcriptions ────────────────────────────────────────────────────────────

// CreateTranscription inserts a new transcription row. Creating the same ID
// twice is an error.
func (s *TranscriptStore) CreateTranscription(ctx context.Context, tr *Transcription) error {
	const query = `
		INSERT INTO transcriptions (id, task_id, target_language, style)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query, tr.ID, tr.TaskID, tr.TargetLanguage, tr.Style).
		Scan(&tr.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: transcription %q already exists", tr.ID)
		}
		return fmt.Errorf("store: create transcription: %w", err)
	}
	return nil
}

// GetTranscription returns the transcription with the given ID, or
// [ErrNotFound].
func (s *TranscriptStore) GetTranscription(ctx context.Context, id string) (*Transcription, error) {
	const query = `
		SELECT id, task_id, target_language, style, total_segments, processing_time_ms, created_at
		FROM transcriptions
		WHERE id = $1`

	var tr Transcription
	err := s.db.QueryRow(ctx, query, id).Scan(
		&tr.ID, &tr.TaskID, &tr.TargetLanguage, &tr.Style,
		&tr.TotalSegments, &tr.ProcessingTimeMS, &tr.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: transcription %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get transcription %q: %w", id, err)
	}
	return &tr, nil
}

// FinishTranscription records the final segment count and processing time.
// Written once, when the producing stream terminates cleanly.
func (s *TranscriptStore) FinishTranscription(ctx context.Context, id string, totalSegments, processingTimeMS int64) error {
	const query = `
		UPDATE transcriptions
		SET total_segments = $2, processing_time_ms = $3
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, totalSegments, processingTimeMS)
	if err != nil {
		return fmt.Errorf("store: finish transcription %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: finish transcription %q: %w", id, ErrNotFound)
	}
	return nil
}

// ── Segments ──────────────────────────────────────────────────────────────────

// InsertSegment appends a merged segment row. The insert is idempotent on
// (transcription_id, sequence): re-inserting an existing row is a no-op.
func (s *TranscriptStore) InsertSegment(ctx context.Context, seg *Segment) error {
	const query = `
		INSERT INTO transcript_segments (
			transcription_id, sequence, start_ms, end_ms,
			content_type, speaker, original, translation, is_first, is_last
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (transcription_id, sequence) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		seg.TranscriptionID, seg.Sequence, seg.StartMS, seg.EndMS,
		seg.ContentType, seg.Speaker, seg.Original, seg.Translation,
		boolToFlag(seg.IsFirst), boolToFlag(seg.IsLast),
	)
	if err != nil {
		return fmt.Errorf("store: insert segment %s/%d: %w", seg.TranscriptionID, seg.Sequence, err)
	}
	return nil
}

// SelectAfter returns up to limit segments of the transcription with
// sequence > minSequence, ordered by sequence ascending. A successful insert
// of sequence k is visible to any later SelectAfter call with minSequence < k.
func (s *TranscriptStore) SelectAfter(ctx context.Context, transcriptionID string, minSequence int64, limit int) ([]Segment, error) {
	const query = `
		SELECT transcription_id, sequence, start_ms, end_ms,
		       content_type, speaker, original, translation,
		       COALESCE(audio_key, ''), is_first, is_last
		FROM transcript_segments
		WHERE transcription_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`

	rows, err := s.db.Query(ctx, query, transcriptionID, minSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("store: select after %s/%d: %w", transcriptionID, minSequence, err)
	}
	defer rows.Close()

	var segs []Segment
	for rows.Next() {
		var seg Segment
		var first, last int16
		if err := rows.Scan(
			&seg.TranscriptionID, &seg.Sequence, &seg.StartMS, &seg.EndMS,
			&seg.ContentType, &seg.Speaker, &seg.Original, &seg.Translation,
			&seg.AudioKey, &first, &last,
		); err != nil {
			return nil, fmt.Errorf("store: select after scan: %w", err)
		}
		seg.IsFirst = first == 1
		seg.IsLast = last == 1
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: select after: %w", err)
	}
	return segs, nil
}

// UpdateAudioKey sets the audio_key column on every listed sequence of the
// transcription. The write is idempotent; repeating it with the same key is
// safe. An empty sequence list is a no-op.
func (s *TranscriptStore) UpdateAudioKey(ctx context.Context, transcriptionID string, sequences []int64, key string) error {
	if len(sequences) == 0 {
		return nil
	}
	const query = `
		UPDATE transcript_segments
		SET audio_key = $3
		WHERE transcription_id = $1 AND sequence = ANY($2)`

	if _, err := s.db.Exec(ctx, query, transcriptionID, sequences, key); err != nil {
		return fmt.Errorf("store: update audio key %s: %w", transcriptionID, err)
	}
	return nil
}

// MarkLast sets is_last on the given sequence. Called once, after the final
// flush of the merge engine.
func (s *TranscriptStore) MarkLast(ctx context.Context, transcriptionID string, sequence int64) error {
	const query = `
		UPDATE transcript_segments
		SET is_last = 1
		WHERE transcription_id = $1 AND sequence = $2`

	tag, err := s.db.Exec(ctx, query, transcriptionID, sequence)
	if err != nil {
		return fmt.Errorf("store: mark last %s/%d: %w", transcriptionID, sequence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: mark last %s/%d: %w", transcriptionID, sequence, ErrNotFound)
	}
	return nil
}

// UpdateSegmentText overwrites a single text field of one segment. field must
// be "original" or "translation"; anything else is rejected. This is the only
// editing surface the transcript exposes.
func (s *TranscriptStore) UpdateSegmentText(ctx context.Context, transcriptionID string, sequence int64, field, value string) error {
	var query string
	switch field {
	case "original":
		query = `UPDATE transcript_segments SET original = $3 WHERE transcription_id = $1 AND sequence = $2`
	case "translation":
		query = `UPDATE transcript_segments SET translation = $3 WHERE transcription_id = $1 AND sequence = $2`
	default:
		return fmt.Errorf("store: update segment text: field %q is not editable", field)
	}

	tag, err := s.db.Exec(ctx, query, transcriptionID, sequence, value)
	if err != nil {
		return fmt.Errorf("store: update segment text %s/%d: %w", transcriptionID, sequence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update segment text %s/%d: %w", transcriptionID, sequence, ErrNotFound)
	}
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func boolToFlag(b bool) int16 {
	if b {
		return 1
	}
	return 0
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
