// Package store persists the simulator's small key-value settings: backend
// credentials, connection intervals and per-connector plug/ready flags.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is a string key-value store. Get must never block on I/O; Set may
// persist asynchronously but must make the value visible to Get immediately.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Close() error
}

// Open builds a Store from a location string:
//
//	memory                 volatile, lost on restart
//	file:<path>            JSON document on disk
//	postgres://...         table "kv" in PostgreSQL
func Open(ctx context.Context, location string, logger *logrus.Logger) (Store, error) {
	switch {
	case location == "" || location == "memory":
		logger.Warn("Settings are non-persistent; use --store for persistency")
		return NewMemory(), nil
	case strings.HasPrefix(location, "file:"):
		return OpenFile(strings.TrimPrefix(location, "file:"), logger)
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		return OpenPostgres(ctx, location, logger)
	default:
		return nil, fmt.Errorf("unsupported store location %q (supported: memory, file:<path>, postgres://)", location)
	}
}

// Memory is a volatile Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory { return &Memory{values: make(map[string]string)} }

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// GetString returns the stored value or def when the key is absent.
func GetString(s Store, key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// GetBool returns the stored boolean or def when absent or unparsable.
func GetBool(s Store, key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func SetBool(s Store, key string, v bool) error {
	return s.Set(key, strconv.FormatBool(v))
}

// GetSeconds reads an interval persisted as whole seconds.
func GetSeconds(s Store, key string, def time.Duration) time.Duration {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func SetSeconds(s Store, key string, d time.Duration) error {
	return s.Set(key, strconv.Itoa(int(d/time.Second)))
}
