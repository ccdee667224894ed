package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/config"
	"github.com/carenote/carenote/internal/apierror"
	"github.com/carenote/carenote/model"
)

func TestNewDataSource_Memory(t *testing.T) {
	ds, err := NewDataSource(&config.Configuration{DataSource: config.DataSourceConfig{Dns: MemoryDSN + "dev"}})
	require.NoError(t, err)
	assert.IsType(t, &MemoryDataSource{}, ds)
}

func TestGetDBConnection_Unreachable(t *testing.T) {
	instance = nil
	once = sync.Once{}
	t.Cleanup(func() {
		instance = nil
		once = sync.Once{}
	})

	_, err := GetDBConnection(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://carenote@127.0.0.1:1/carenote?sslmode=disable&connect_timeout=1"},
	})
	assert.Error(t, err)
}

func TestWithTx(t *testing.T) {
	tests := []struct {
		name    string
		fnErr   error
		expect  func(mock sqlmock.Sqlmock)
		wantErr bool
	}{
		{
			name:   "commits on success",
			expect: func(mock sqlmock.Sqlmock) { mock.ExpectBegin(); mock.ExpectCommit() },
		},
		{
			name:    "rolls back on error",
			fnErr:   errors.New("write failed"),
			expect:  func(mock sqlmock.Sqlmock) { mock.ExpectBegin(); mock.ExpectRollback() },
			wantErr: true,
		},
		{
			name:    "begin fails",
			expect:  func(mock sqlmock.Sqlmock) { mock.ExpectBegin().WillReturnError(errors.New("pool exhausted")) },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.expect(mock)

			ds := Datasource{Conn: db}
			err = ds.withTx(context.Background(), func(*sql.Tx) error { return tt.fnErr })
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAppendChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO carenote.change_log").
		WithArgs(model.EntityConsultation, "con_9", int64(3), []byte(`{"stage":"TRANSCRIBED"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ds := Datasource{Conn: db}
	err = ds.withTx(context.Background(), func(tx *sql.Tx) error {
		return appendChange(context.Background(), tx, model.EntityConsultation, "con_9", 3, map[string]string{"stage": "TRANSCRIBED"})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorHelpers(t *testing.T) {
	err := notFound("consultation", "con_404", sql.ErrNoRows)
	assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))

	err = versionMismatch("consultation", "con_1", 4)
	assert.Equal(t, apierror.ErrVersionMismatch, apierror.CodeOf(err))
	assert.Contains(t, err.Error(), "expected version 4")
}

func TestNullableJSON(t *testing.T) {
	raw, err := nullableJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = nullableJSON(&model.StageFailure{Reason: model.ReasonUnavailable})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reason":"unavailable"`)
}
