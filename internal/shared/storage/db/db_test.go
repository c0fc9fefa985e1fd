package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubOpen swaps openDB for a sqlmock-backed pool that answers pings.
func stubOpen(t *testing.T, failFirst int32) *int32 {
	t.Helper()
	var calls int32
	prev := openDB
	openDB = func(string, string) (*sql.DB, error) {
		if atomic.AddInt32(&calls, 1) <= failFirst {
			return nil, driver.ErrBadConn
		}
		database, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			return nil, err
		}
		mock.ExpectPing()
		return database, nil
	}
	t.Cleanup(func() { openDB = prev })
	return &calls
}

func resetShared(t *testing.T) {
	t.Helper()
	sharedMu.Lock()
	sharedDB = nil
	sharedMu.Unlock()
	t.Cleanup(func() {
		sharedMu.Lock()
		sharedDB = nil
		sharedMu.Unlock()
	})
}

func TestSharedConnectsOnceUnderConcurrency(t *testing.T) {
	calls := stubOpen(t, 0)
	resetShared(t)

	var wg sync.WaitGroup
	got := make([]*sql.DB, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			database, err := Shared(context.Background(), "postgres://ignored", DefaultOptions(ProfileLambda))
			assert.NoError(t, err)
			got[i] = database
		}(i)
	}
	wg.Wait()

	for _, database := range got {
		assert.Same(t, got[0], database)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestSharedRetriesAfterFailure(t *testing.T) {
	stubOpen(t, 1)
	resetShared(t)

	_, err := Shared(context.Background(), "postgres://ignored", DefaultOptions(ProfileLambda))
	require.Error(t, err)

	database, err := Shared(context.Background(), "postgres://ignored", DefaultOptions(ProfileLambda))
	require.NoError(t, err)
	assert.NotNil(t, database)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "  ", DefaultOptions(ProfileServer))
	assert.Error(t, err)
}

func TestOptionsFromEnvAppliesOverrides(t *testing.T) {
	stubOpen(t, 0)
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	t.Setenv("DB_MAX_IDLE_CONNS", "3")
	t.Setenv("DB_CONN_MAX_LIFETIME", "20m")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "45s")
	t.Setenv("DB_PING_TIMEOUT", "not-a-duration")

	opts := OptionsFromEnv(DefaultOptions(ProfileServer))
	assert.Equal(t, 3, opts.MaxIdleConns)
	assert.Equal(t, 20*time.Minute, opts.ConnMaxLifetime)
	assert.Equal(t, 45*time.Second, opts.ConnMaxIdleTime)
	assert.Equal(t, 5*time.Second, opts.PingTimeout, "invalid values keep the default")

	database, err := Connect(context.Background(), "postgres://ignored", opts)
	require.NoError(t, err)
	defer database.Close()
	assert.Equal(t, 7, database.Stats().MaxOpenConnections)
}

func TestDefaultOptionsFallsBackToServer(t *testing.T) {
	assert.Equal(t, DefaultOptions(ProfileServer), DefaultOptions(Profile("batch")))
	assert.Equal(t, 1, DefaultOptions(ProfileMigrate).MaxOpenConns)
}

func TestWithTx(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE analysis_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = WithTx(context.Background(), database, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE analysis_jobs SET status = 'cancelled' WHERE id = $1", "a-1")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	assert.ErrorIs(t, WithTx(context.Background(), database, func(*sql.Tx) error { return boom }), boom)

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.Panics(t, func() {
		_ = WithTx(context.Background(), database, func(*sql.Tx) error { panic("nil config") })
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
