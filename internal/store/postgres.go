package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/sirupsen/logrus"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

const kvUpsert = `INSERT INTO kv (key, value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`

// execer is the slice of *pgxpool.Pool the write-behind loop uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres mirrors the kv table in memory. Reads hit the mirror; writes are
// coalesced per key and flushed by a background goroutine so the control
// loop never waits on the database. Failed writes are retried after
// config.StoreRetryDelay.
type Postgres struct {
	db         execer
	release    func()
	logger     *logrus.Logger
	retryDelay time.Duration

	mu      sync.RWMutex
	values  map[string]string
	pending map[string]string

	wake chan struct{}
	done chan struct{}
	stop context.CancelFunc
}

// OpenPostgres connects, creates the kv table when missing and loads all rows.
func OpenPostgres(ctx context.Context, dsn string, logger *logrus.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, kvSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	values := make(map[string]string)
	rows, err := pool.Query(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to load kv table: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			pool.Close()
			return nil, fmt.Errorf("failed to scan kv row: %w", err)
		}
		values[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to load kv table: %w", err)
	}

	logger.WithField("keys", len(values)).Info("Postgres store opened")
	return newPostgres(pool, pool.Close, values, config.StoreRetryDelay, logger), nil
}

func newPostgres(db execer, release func(), values map[string]string, retryDelay time.Duration, logger *logrus.Logger) *Postgres {
	bg, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		db:         db,
		release:    release,
		logger:     logger,
		retryDelay: retryDelay,
		values:     values,
		pending:    make(map[string]string),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		stop:       cancel,
	}
	go p.writer(bg)
	return p
}

func (p *Postgres) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *Postgres) Set(key, value string) error {
	p.mu.Lock()
	p.values[key] = value
	p.pending[key] = value
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes outstanding writes and releases the pool. Keys that still
// could not be written are reported.
func (p *Postgres) Close() error {
	p.stop()
	<-p.done
	if p.release != nil {
		p.release()
	}

	p.mu.RLock()
	lost := len(p.pending)
	p.mu.RUnlock()
	if lost > 0 {
		return fmt.Errorf("store: %d pending writes not persisted", lost)
	}
	return nil
}

func (p *Postgres) writer(ctx context.Context) {
	defer close(p.done)
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-p.wake:
		case <-retry:
		}
		retry = nil
		if failed := p.flush(ctx); failed > 0 {
			retry = time.After(p.retryDelay)
		}
	}
}

// flush writes the pending batch and returns how many keys failed.
func (p *Postgres) flush(parent context.Context) int {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]string)
	p.mu.Unlock()

	failed := 0
	for k, v := range batch {
		ctx, cancel := context.WithTimeout(parent, config.StoreWriteTimeout)
		_, err := p.db.Exec(ctx, kvUpsert, k, v)
		cancel()
		if err != nil {
			failed++
			p.logger.WithError(err).WithField("key", k).Warn("store: write failed, will retry")
			p.mu.Lock()
			if _, newer := p.pending[k]; !newer {
				p.pending[k] = v
			}
			p.mu.Unlock()
		}
	}
	return failed
}
