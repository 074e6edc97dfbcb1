package store

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/model"
)

// MigrateStats summarizes a legacy import.
type MigrateStats struct {
	Rows    int
	Batches int
	Skipped int
}

// MigrateLegacy copies the rows of a legacy output file (concatenated JSON
// arrays) into dst in batches of batchSize. Rows without a key and rows
// whose key dst already holds are skipped, so a migration can be rerun.
func MigrateLegacy(ctx context.Context, src string, dst Sink, task, keyField string, batchSize int) (MigrateStats, error) {
	var stats MigrateStats
	if batchSize <= 0 {
		batchSize = 100
	}
	if keyField == "" {
		keyField = model.DefaultKeyField
	}

	done, err := dst.ProcessedKeys(ctx)
	if err != nil {
		return stats, eris.Wrap(err, "store: migrate: load processed keys")
	}

	f, err := os.Open(src)
	if err != nil {
		return stats, eris.Wrapf(model.ErrConfiguration, "store: migrate: open %s: %v", src, err)
	}
	defer f.Close() //nolint:errcheck

	seen := make(map[string]bool)
	var pending []model.Row
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		b := model.Batch{ID: uuid.NewString(), Index: stats.Batches, Task: task, Rows: pending}
		if err := dst.AppendBatch(ctx, b); err != nil {
			return err
		}
		stats.Batches++
		stats.Rows += len(pending)
		pending = nil
		return nil
	}

	err = readRows(f, true, func(row model.Row) error {
		key := row.Key(keyField)
		if key == "" || done.Has(key) || seen[key] {
			stats.Skipped++
			return nil
		}
		seen[key] = true
		row[keyField] = key
		pending = append(pending, row)
		if len(pending) >= batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return stats, eris.Wrapf(err, "store: migrate %s", src)
	}

	zap.L().Info("store: migrated legacy output",
		zap.String("src", src),
		zap.Int("rows", stats.Rows),
		zap.Int("batches", stats.Batches),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}
