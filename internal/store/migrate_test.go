package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/llm-factory/internal/model"
)

func TestMigrateLegacy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "legacy.json")
	legacy := "[\n{\"norm\":\"A\",\"result\":\"r\"},\n{\"norm\":\"B\",\"Error\":\"boom\"}\n]\n" +
		"[\n{\"norm\":\"C\"},\n{\"norm\":\"A\"},\n{\"x\":1}\n]\n"
	require.NoError(t, os.WriteFile(src, []byte(legacy), 0o644))

	dst := NewJSONL(filepath.Join(dir, "log.jsonl"), "dilemma", "")
	ctx := context.Background()

	stats, err := MigrateLegacy(ctx, src, dst, "dilemma", "", 2)
	require.NoError(t, err)
	assert.Equal(t, MigrateStats{Rows: 3, Batches: 2, Skipped: 2}, stats)

	rows := collect(t, dst)
	require.Len(t, rows, 3)
	assert.Equal(t, "r", rows[0]["result"])
	assert.Equal(t, "C", rows[2].Key(model.DefaultKeyField))

	// Rerunning imports nothing new.
	stats, err = MigrateLegacy(ctx, src, dst, "dilemma", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rows)
	assert.Len(t, collect(t, dst), 3)
}

func TestMigrateLegacy_MissingSource(t *testing.T) {
	dst := NewJSONL(filepath.Join(t.TempDir(), "log.jsonl"), "dilemma", "")
	_, err := MigrateLegacy(context.Background(), "/does/not/exist.json", dst, "dilemma", "", 10)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
