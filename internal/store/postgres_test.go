package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	mu      sync.Mutex
	fail    bool
	rows    map[string]string
	attempt int
}

func (f *fakeExecer) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt++
	if f.fail {
		return pgconn.CommandTag{}, errors.New("connection reset")
	}
	f.rows[args[0].(string)] = args[1].(string)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeExecer) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeExecer) row(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[key]
	return v, ok
}

func (f *fakeExecer) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

func TestPostgresWritesBehind(t *testing.T) {
	db := &fakeExecer{rows: make(map[string]string)}
	released := false
	p := newPostgres(db, func() { released = true }, map[string]string{"AO_ChargeBoxId": "cp1"}, 10*time.Millisecond, testLogger())

	v, ok := p.Get("AO_ChargeBoxId")
	require.True(t, ok)
	assert.Equal(t, "cp1", v)

	require.NoError(t, p.Set("evPlugged_cId_1", "true"))
	v, _ = p.Get("evPlugged_cId_1")
	assert.Equal(t, "true", v, "mirror updated before the write lands")

	assert.Eventually(t, func() bool {
		v, ok := db.row("evPlugged_cId_1")
		return ok && v == "true"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	assert.True(t, released)
}

func TestPostgresRetriesFailedWriteWithoutNewSet(t *testing.T) {
	db := &fakeExecer{rows: make(map[string]string), fail: true}
	p := newPostgres(db, nil, make(map[string]string), 10*time.Millisecond, testLogger())

	require.NoError(t, p.Set("evReady_cId_1", "true"))
	assert.Eventually(t, func() bool { return db.attempts() >= 2 }, time.Second, 5*time.Millisecond,
		"failed write retried on its own")

	db.setFail(false)
	assert.Eventually(t, func() bool {
		v, ok := db.row("evReady_cId_1")
		return ok && v == "true"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
}

func TestPostgresCloseReportsUnpersistedWrites(t *testing.T) {
	db := &fakeExecer{rows: make(map[string]string), fail: true}
	p := newPostgres(db, nil, make(map[string]string), time.Hour, testLogger())

	require.NoError(t, p.Set("AuthorizationKey", "secret"))
	assert.Eventually(t, func() bool { return db.attempts() >= 1 }, time.Second, 5*time.Millisecond)

	err := p.Close()
	assert.ErrorContains(t, err, "1 pending writes not persisted")
}
