package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/llm-factory/internal/db"
	"github.com/sells-group/llm-factory/internal/model"
	"github.com/sells-group/llm-factory/internal/resilience"
)

// PostgresSink implements Sink using pgxpool.
type PostgresSink struct {
	pool     db.Pool
	task     string
	keyField string

	mu sync.Mutex
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresSink with a connection pool.
func NewPostgres(ctx context.Context, connString, task, keyField string, poolCfg *PoolConfig) (*PostgresSink, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := resilience.Do(ctx, resilience.DefaultRetryConfig(), pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresSink(pool, task, keyField), nil
}

func newPostgresSink(pool db.Pool, task, keyField string) *PostgresSink {
	if keyField == "" {
		keyField = model.DefaultKeyField
	}
	return &PostgresSink{pool: pool, task: task, keyField: keyField}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS llmf_batches (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	records     INTEGER NOT NULL,
	written_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS llmf_outputs (
	seq         BIGSERIAL,
	task        TEXT NOT NULL,
	record_key  TEXT NOT NULL,
	batch_id    TEXT NOT NULL REFERENCES llmf_batches(id),
	row         JSONB NOT NULL,
	has_errors  BOOLEAN NOT NULL DEFAULT false,
	written_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (task, record_key)
);

CREATE INDEX IF NOT EXISTS idx_llmf_outputs_seq ON llmf_outputs(task, seq);
CREATE INDEX IF NOT EXISTS idx_llmf_outputs_errors ON llmf_outputs(task) WHERE has_errors;
`

var outputColumns = []string{"task", "record_key", "batch_id", "row", "has_errors"}

// Migrate creates the schema.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// ProcessedKeys implements Sink.
func (s *PostgresSink) ProcessedKeys(ctx context.Context) (model.KeySet, error) {
	rows, err := s.pool.Query(ctx, `SELECT record_key FROM llmf_outputs WHERE task = $1`, s.task)
	if err != nil {
		return model.KeySet{}, eris.Wrap(err, "postgres: query processed keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return model.KeySet{}, eris.Wrap(err, "postgres: scan processed key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return model.KeySet{}, eris.Wrap(err, "postgres: iterate processed keys")
	}
	return model.NewKeySet(keys...), nil
}

// AppendBatch implements Sink. The batch row and its outputs commit in one
// transaction; outputs whose key is already stored are ignored.
func (s *PostgresSink) AppendBatch(ctx context.Context, b model.Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(b.Rows))
	for _, row := range b.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal row")
		}
		rows = append(rows, []any{s.task, row.Key(s.keyField), b.ID, data, len(row.Errors()) > 0})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO llmf_batches (id, task, batch_index, records) VALUES ($1, $2, $3, $4)`,
		b.ID, s.task, b.Index, len(b.Rows),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert batch %d", b.Index)
	}

	_, err = db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "llmf_outputs",
		Columns:      outputColumns,
		ConflictKeys: []string{"task", "record_key"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert outputs of batch %d", b.Index)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: commit batch %d", b.Index)
}

// Scan implements Sink.
func (s *PostgresSink) Scan(ctx context.Context, fn func(model.Row) error) error {
	rows, err := s.pool.Query(ctx, `SELECT row FROM llmf_outputs WHERE task = $1 ORDER BY seq`, s.task)
	if err != nil {
		return eris.Wrap(err, "postgres: query outputs")
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return eris.Wrap(err, "postgres: scan output")
		}
		var row model.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return eris.Wrap(err, "postgres: unmarshal output")
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: iterate outputs")
}
