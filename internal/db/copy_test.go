package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "decisions", []string{"id", "case_id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"decisions"}, []string{"id", "case_id", "confidence"}).WillReturnResult(2)

	rows := [][]any{{"d1", "case-1", 0.92}, {"d2", "case-2", 0.71}}
	n, err := CopyFrom(context.Background(), mock, "decisions", []string{"id", "case_id", "confidence"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"decisions"}, []string{"id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "decisions", []string{"id"}, [][]any{{"d1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO decisions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
