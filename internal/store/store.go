// Package store loads input records and persists output batches. Every sink
// writes a batch completely or not at all, and reports the natural keys it
// already holds so reruns skip finished records.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/llm-factory/internal/config"
	"github.com/sells-group/llm-factory/internal/model"
)

// Sink is an append-only output store.
type Sink interface {
	// ProcessedKeys returns the keys of every record already written.
	ProcessedKeys(ctx context.Context) (model.KeySet, error)
	// AppendBatch writes all rows of b atomically.
	AppendBatch(ctx context.Context, b model.Batch) error
	// Scan calls fn for every stored row in write order.
	Scan(ctx context.Context, fn func(model.Row) error) error
	Close() error
}

// Open returns the sink configured by cfg. keyField names the natural key
// column of stored rows and task scopes rows in shared databases.
func Open(ctx context.Context, cfg config.StoreConfig, task, keyField string) (Sink, error) {
	if keyField == "" {
		keyField = model.DefaultKeyField
	}
	switch cfg.Driver {
	case "", "jsonl":
		if cfg.Path == "" {
			return nil, eris.Wrap(model.ErrConfiguration, "store: jsonl path is empty")
		}
		return NewJSONL(cfg.Path, task, keyField), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, eris.Wrap(model.ErrConfiguration, "store: sqlite path is empty")
		}
		s, err := NewSQLite(cfg.Path, task, keyField)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		return s, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, eris.Wrap(model.ErrConfiguration, "store: database_url is empty")
		}
		s, err := NewPostgres(ctx, cfg.DatabaseURL, task, keyField, nil)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "store: unknown driver %q", cfg.Driver)
	}
}

// keysOf collects the natural keys of rows yielded by scan.
func keysOf(ctx context.Context, scan func(context.Context, func(model.Row) error) error, keyField string) (model.KeySet, error) {
	var keys []string
	err := scan(ctx, func(r model.Row) error {
		if k := r.Key(keyField); k != "" {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return model.KeySet{}, err
	}
	return model.NewKeySet(keys...), nil
}
