package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/switchboard/catalog"
)

const sqliteJournalSchema = `
CREATE TABLE IF NOT EXISTS catalog_entries (
	provider_id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_entries (
	agent_id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	defaultJournalDir = ".switchboard"
	defaultJournalDB  = "journal.db"
)

// SQLiteJournalConfig configures the SQLite-backed journal.
type SQLiteJournalConfig struct {
	DSN string
	Now func() time.Time
}

// SQLiteJournal records registry mutations in SQLite for inspection across
// process restarts. It implements Journal.
type SQLiteJournal struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultJournalPath returns ~/.switchboard/journal.db.
func DefaultJournalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("registry: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultJournalDir, defaultJournalDB), nil
}

// NewSQLiteJournal opens (or creates) a journal database.
func NewSQLiteJournal(cfg SQLiteJournalConfig) (*SQLiteJournal, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("registry: sqlite journal dsn is required")
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("registry: sqlite journal create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: sqlite journal open: %w", err)
	}
	// Registry writes are already serialized; one connection keeps :memory:
	// databases coherent as well.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: sqlite journal set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteJournalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: sqlite journal create schema: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &SQLiteJournal{db: db, now: now}, nil
}

// RecordService stores the latest entry for a provider.
func (j *SQLiteJournal) RecordService(ctx context.Context, entry catalog.Entry) error {
	return j.put(ctx, "catalog_entries", "provider_id", entry.ProviderID, entry)
}

// ForgetService removes a provider's entry. Forgetting a missing id is a no-op.
func (j *SQLiteJournal) ForgetService(ctx context.Context, providerID string) error {
	return j.delete(ctx, "catalog_entries", "provider_id", providerID)
}

// RecordAgent stores the latest record for an agent.
func (j *SQLiteJournal) RecordAgent(ctx context.Context, agent catalog.Agent) error {
	return j.put(ctx, "agent_entries", "agent_id", agent.ID, agent)
}

// ForgetAgent removes an agent record. Forgetting a missing id is a no-op.
func (j *SQLiteJournal) ForgetAgent(ctx context.Context, agentID string) error {
	return j.delete(ctx, "agent_entries", "agent_id", agentID)
}

// Services returns journaled catalog entries ordered by provider id.
func (j *SQLiteJournal) Services(ctx context.Context) ([]catalog.Entry, error) {
	var out []catalog.Entry
	err := j.scan(ctx, `SELECT payload FROM catalog_entries ORDER BY provider_id ASC`, func(payload []byte) error {
		var entry catalog.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("registry: sqlite decode catalog entry: %w", err)
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}

// Agents returns journaled agents ordered by id.
func (j *SQLiteJournal) Agents(ctx context.Context) ([]catalog.Agent, error) {
	var out []catalog.Agent
	err := j.scan(ctx, `SELECT payload FROM agent_entries ORDER BY agent_id ASC`, func(payload []byte) error {
		var agent catalog.Agent
		if err := json.Unmarshal(payload, &agent); err != nil {
			return fmt.Errorf("registry: sqlite decode agent: %w", err)
		}
		out = append(out, agent)
		return nil
	})
	return out, err
}

// Close closes the underlying database connection.
func (j *SQLiteJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *SQLiteJournal) put(ctx context.Context, table, keyColumn, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return errors.New("registry: sqlite journal is nil")
	}
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("registry: sqlite encode %s: %w", table, err)
	}

	// table and keyColumn are package constants, never caller input.
	query := fmt.Sprintf(`
INSERT INTO %[1]s (%[2]s, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(%[2]s) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`, table, keyColumn)
	if _, err := j.db.ExecContext(ctx, query, key, payload, j.now().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("registry: sqlite upsert %s: %w", table, err)
	}
	return nil
}

func (j *SQLiteJournal) delete(ctx context.Context, table, keyColumn, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return errors.New("registry: sqlite journal is nil")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, keyColumn)
	if _, err := j.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("registry: sqlite delete %s: %w", table, err)
	}
	return nil
}

func (j *SQLiteJournal) scan(ctx context.Context, query string, fn func(payload []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.db == nil {
		return errors.New("registry: sqlite journal is nil")
	}

	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("registry: sqlite query journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("registry: sqlite scan journal row: %w", err)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry: sqlite journal rows: %w", err)
	}
	return nil
}

var _ Journal = (*SQLiteJournal)(nil)
