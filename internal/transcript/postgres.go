package transcript

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_transcripts (
			id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL UNIQUE,
			from_number TEXT NOT NULL DEFAULT '',
			to_number TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL,
			end_reason TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			metrics JSONB NOT NULL DEFAULT '{}'::jsonb,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS call_turns (
			call_sid TEXT NOT NULL REFERENCES call_transcripts (call_sid) ON DELETE CASCADE,
			seq INT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			language TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (call_sid, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_transcripts_from_ended ON call_transcripts (from_number, ended_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return errors.Wrapf(err, "init schema failed on %q", stmt)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTranscript(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return errors.Wrap(err, "marshal metrics")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transcript tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO call_transcripts (id, call_sid, from_number, to_number, language, end_reason, summary, metrics, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (call_sid) DO UPDATE SET
		   end_reason = EXCLUDED.end_reason,
		   summary = EXCLUDED.summary,
		   metrics = EXCLUDED.metrics,
		   ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.CallSid, rec.From, rec.To, rec.Language, rec.EndReason, rec.Summary, metrics, rec.StartedAt, rec.EndedAt,
	); err != nil {
		return errors.Wrap(err, "save transcript")
	}

	batch := &pgx.Batch{}
	for _, t := range rec.Turns {
		batch.Queue(
			`INSERT INTO call_turns (call_sid, seq, role, content, language, pii_redacted, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (call_sid, seq) DO NOTHING`,
			rec.CallSid, t.Seq, t.Role, t.Content, t.Language, t.PIIRedacted, t.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrap(err, "save transcript turns")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit transcript")
}

func (s *PostgresStore) GetTranscript(ctx context.Context, callSid string) (Record, error) {
	recs, err := s.query(ctx,
		`SELECT id, call_sid, from_number, to_number, language, end_reason, summary, metrics, started_at, ended_at
		 FROM call_transcripts WHERE call_sid=$1`, callSid)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	rec := recs[0]

	rows, err := s.pool.Query(ctx,
		`SELECT seq, role, content, language, pii_redacted, created_at
		 FROM call_turns WHERE call_sid=$1 ORDER BY seq`, callSid)
	if err != nil {
		return Record{}, errors.Wrap(err, "query transcript turns")
	}
	defer rows.Close()
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Seq, &t.Role, &t.Content, &t.Language, &t.PIIRedacted, &t.CreatedAt); err != nil {
			return Record{}, errors.Wrap(err, "scan transcript turn")
		}
		rec.Turns = append(rec.Turns, t)
	}
	return rec, errors.Wrap(rows.Err(), "iterate transcript turns")
}

// RecentByCaller returns summaries (without turns) of the caller's newest calls.
func (s *PostgresStore) RecentByCaller(ctx context.Context, from string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.query(ctx,
		`SELECT id, call_sid, from_number, to_number, language, end_reason, summary, metrics, started_at, ended_at
		 FROM call_transcripts WHERE from_number=$1 ORDER BY ended_at DESC LIMIT $2`, from, limit)
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query transcripts")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			metrics []byte
		)
		if err := rows.Scan(&r.ID, &r.CallSid, &r.From, &r.To, &r.Language, &r.EndReason, &r.Summary, &metrics, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, errors.Wrap(err, "scan transcript row")
		}
		if len(metrics) > 0 {
			if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
				return nil, errors.Wrap(err, "decode transcript metrics")
			}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate transcript rows")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
