package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/llm-factory/internal/model"
)

// SQLiteSink implements Sink using modernc.org/sqlite.
type SQLiteSink struct {
	db       *sql.DB
	task     string
	keyField string

	mu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn, task, keyField string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if keyField == "" {
		keyField = model.DefaultKeyField
	}
	return &SQLiteSink{db: db, task: task, keyField: keyField}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	records     INTEGER NOT NULL,
	written_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS outputs (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	task        TEXT NOT NULL,
	record_key  TEXT NOT NULL,
	batch_id    TEXT NOT NULL REFERENCES batches(id),
	row         TEXT NOT NULL,
	has_errors  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (task, record_key)
);

CREATE INDEX IF NOT EXISTS idx_outputs_task ON outputs(task);
CREATE INDEX IF NOT EXISTS idx_outputs_batch_id ON outputs(batch_id);
`

// Migrate creates the schema.
func (s *SQLiteSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// ProcessedKeys implements Sink.
func (s *SQLiteSink) ProcessedKeys(ctx context.Context) (model.KeySet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_key FROM outputs WHERE task = ?`, s.task)
	if err != nil {
		return model.KeySet{}, eris.Wrap(err, "sqlite: query processed keys")
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return model.KeySet{}, eris.Wrap(err, "sqlite: scan processed key")
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return model.KeySet{}, eris.Wrap(err, "sqlite: iterate processed keys")
	}
	return model.NewKeySet(keys...), nil
}

// AppendBatch implements Sink. All rows commit in one transaction; rows whose
// key is already stored are ignored.
func (s *SQLiteSink) AppendBatch(ctx context.Context, b model.Batch) error {
	if len(b.Rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, task, batch_index, records, written_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, s.task, b.Index, len(b.Rows), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert batch %d", b.Index)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO outputs (task, record_key, batch_id, row, has_errors) VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert output")
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range b.Rows {
		data, err := json.Marshal(row)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal row")
		}
		hasErrors := len(row.Errors()) > 0
		if _, err := stmt.ExecContext(ctx, s.task, row.Key(s.keyField), b.ID, string(data), hasErrors); err != nil {
			return eris.Wrapf(err, "sqlite: insert output %s", row.Key(s.keyField))
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit batch %d", b.Index)
}

// Scan implements Sink.
func (s *SQLiteSink) Scan(ctx context.Context, fn func(model.Row) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT row FROM outputs WHERE task = ? ORDER BY seq`, s.task)
	if err != nil {
		return eris.Wrap(err, "sqlite: query outputs")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return eris.Wrap(err, "sqlite: scan output")
		}
		var row model.Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal output")
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate outputs")
}

// FailedCount returns the number of stored records carrying unit errors.
func (s *SQLiteSink) FailedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outputs WHERE task = ? AND has_errors = 1`, s.task,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count failed")
}
