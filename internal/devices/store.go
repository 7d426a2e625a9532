package devices

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Preference keys. These two-plus-one scalar entries are the only state this
// client persists.
const (
	KeyVideoDeviceID   = "video-device-id"
	KeyVideoFacingMode = "video-facing-mode"
	KeyAudioDeviceID   = "audio-device-id"
)

// Store is a best-effort key/value preference store. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// Open returns a SQL-backed store when the DSN is usable and an in-memory
// store otherwise. Persistence is best effort: a missing or unreachable
// database is degraded, never an error.
func Open(dsn string, log *zap.Logger) Store {
	log = log.Named("prefs")
	if dsn == "" {
		log.Info("no preference DSN configured, using in-memory store")
		return NewMemoryStore()
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		log.Warn("preference store unreachable, degrading to in-memory", zap.Error(err))
		return NewMemoryStore()
	}
	if _, err := db.Exec(createPreferencesTable); err != nil {
		log.Warn("preference table unavailable, degrading to in-memory", zap.Error(err))
		db.Close()
		return NewMemoryStore()
	}
	return &SQLStore{db: db, log: log}
}

const createPreferencesTable = `
CREATE TABLE IF NOT EXISTS meshcall_preferences (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLStore persists preferences in a single Postgres key/value table.
type SQLStore struct {
	db  *sqlx.DB
	log *zap.Logger
}

func (s *SQLStore) Get(key string) (string, bool) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM meshcall_preferences WHERE key = $1`, key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("preference read failed", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return value, true
}

func (s *SQLStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO meshcall_preferences (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s *SQLStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM meshcall_preferences WHERE key = $1`, key)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps preferences for the lifetime of the process only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
