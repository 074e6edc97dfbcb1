package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/model"
)

// LoadRecords reads the input dataset at path. Records are keyed by keyField;
// records without a key are skipped and for duplicate keys the first record
// wins. limit > 0 keeps only the first limit records. An unreadable file
// wraps model.ErrConfiguration and undecodable content wraps
// model.ErrMalformedInput. Files ending in .csv or .xlsx are read as a
// header row followed by one record per row; anything else is JSON.
func LoadRecords(path, keyField string, limit int) ([]model.Record, error) {
	if keyField == "" {
		keyField = model.DefaultKeyField
	}

	var (
		records  []model.Record
		seen     = make(map[string]bool)
		position int
		missing  int
		dupes    int
	)
	errLimit := eris.New("limit reached")

	err := readInput(path, func(row model.Row) error {
		position++
		key := row.Key(keyField)
		if key == "" {
			missing++
			zap.L().Warn("store: skipping input record without key",
				zap.String("key_field", keyField),
				zap.Int("position", position),
			)
			return nil
		}
		if seen[key] {
			dupes++
			zap.L().Warn("store: dropping duplicate input record",
				zap.String("key", key),
				zap.Int("position", position),
			)
			return nil
		}
		seen[key] = true
		records = append(records, model.Record{Key: key, Payload: row})
		if limit > 0 && len(records) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, eris.Wrapf(err, "store: load %s", path)
	}

	zap.L().Info("store: loaded input records",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("missing_key", missing),
		zap.Int("duplicates", dupes),
	)
	return records, nil
}

// readInput dispatches on the file extension.
func readInput(path string, fn func(model.Row) error) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".xlsx" {
		return readXLSX(path, fn)
	}

	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(model.ErrConfiguration, "store: open input %s: %v", path, err)
	}
	defer f.Close() //nolint:errcheck

	if ext == ".csv" {
		return readCSV(f, fn)
	}
	return readRows(f, false, fn)
}
