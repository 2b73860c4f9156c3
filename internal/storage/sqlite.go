package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/martinsuchenak/netprov/internal/log"
)

// Compile-time interface check
var _ Storage = (*SQLiteStorage)(nil)

// SQLiteStorage implements Storage with SQLite backend
type SQLiteStorage struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens (or creates) the database under dataDir and
// applies pending migrations.
func NewSQLiteStorage(dataDir string) (*SQLiteStorage, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "netprov.db")

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite works best with single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ss := &SQLiteStorage{
		db:   db,
		path: dbPath,
	}

	if err := ss.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return ss, nil
}

// Close closes the database connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

// GetDatabasePath returns the database file path
func (ss *SQLiteStorage) GetDatabasePath() string {
	return ss.path
}

// Helper functions

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func jsonBytes(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil
		}
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to marshal JSON", "error", err)
		return nil
	}
	return string(b)
}

func timePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		log.Error("Failed to generate UUID", "error", err)
		return uuid.New().String()
	}
	return id.String()
}

func now() time.Time {
	return time.Now().UTC()
}
