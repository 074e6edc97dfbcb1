package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outputCols = []string{"task", "record_key", "batch_id", "row", "has_errors"}

func outputRows() [][]any {
	return [][]any{
		{"valuemap", "honesty", "b-1", []byte(`{"norm":"honesty"}`), false},
		{"valuemap", "loyalty", "b-1", []byte(`{"norm":"loyalty","errors":[]}`), true},
	}
}

func TestCopyFrom_NoRowsSkipsDatabase(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "llmf_outputs", outputCols, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCopyFrom_Rows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_llmf_outputs"}, outputCols).WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "_tmp_upsert_llmf_outputs", outputCols, outputRows())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_SchemaQualifiedTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"enrich", "llmf_outputs"}, outputCols).WillReturnResult(2)

	_, err = CopyFrom(context.Background(), mock, "enrich.llmf_outputs", outputCols, outputRows())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_WrapsDriverError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	broken := errors.New("connection reset by peer")
	mock.ExpectCopyFrom(pgx.Identifier{"llmf_outputs"}, outputCols).WillReturnError(broken)

	_, err = CopyFrom(context.Background(), mock, "llmf_outputs", outputCols, outputRows())
	require.Error(t, err)
	assert.ErrorIs(t, err, broken)
	assert.Contains(t, err.Error(), "db: COPY INTO llmf_outputs")
}

func TestIdentifierQuoting(t *testing.T) {
	assert.Equal(t, `"llmf_outputs"`, sanitizeTable("llmf_outputs"))
	assert.Equal(t, `"enrich"."llmf_outputs"`, sanitizeTable("enrich.llmf_outputs"))
	assert.Equal(t, `"task", "record_key"`, quoteAndJoin([]string{"task", "record_key"}))
}
