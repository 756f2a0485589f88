package mcp

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"toolhub/internal/logging"
)

// Store persists the discovered tool catalog and per-tool usage statistics
// across runs. Everything here is best-effort bookkeeping: call sites treat
// a nil *Store as "persistence disabled" and a failed write as a log line,
// never as a tool-call failure.
type Store struct {
	db *sql.DB
}

// ToolRecord is one persisted catalog row.
type ToolRecord struct {
	ToolID      string
	Server      string
	Name        string
	Description string
	InputSchema string
	UsageCount  int64
	SuccessRate float64
	AvgLatency  float64
	LastUsed    time.Time
}

// OpenStore opens (creating if needed) the catalog database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("catalog store open at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_servers (
		name          TEXT PRIMARY KEY,
		command       TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'unknown',
		last_seen     TIMESTAMP,
		discovered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tools (
		tool_id        TEXT PRIMARY KEY,
		server         TEXT NOT NULL,
		name           TEXT NOT NULL,
		description    TEXT,
		input_schema   TEXT,
		usage_count    INTEGER DEFAULT 0,
		success_count  INTEGER DEFAULT 0,
		avg_latency_ms REAL DEFAULT 0,
		last_used      TIMESTAMP,
		UNIQUE(server, name)
	);

	CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

// RecordServer upserts one server's lifecycle state.
func (s *Store) RecordServer(name, command string, state ConnState) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_servers (name, command, status, last_seen)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			command   = excluded.command,
			status    = excluded.status,
			last_seen = CURRENT_TIMESTAMP`,
		name, command, string(state))
	if err != nil {
		return fmt.Errorf("record server %s: %w", name, err)
	}
	return nil
}

// RecordTools upserts a server's discovered schemas. Descriptions and
// schemas refresh on every run; usage statistics survive.
func (s *Store) RecordTools(server string, tools []ToolSchema) error {
	if s == nil {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("record tools: %w", err)
	}
	defer tx.Rollback()

	for _, t := range tools {
		schemaJSON := string(t.InputSchema)
		if schemaJSON == "" {
			schemaJSON = "{}"
		}
		_, err := tx.Exec(`
			INSERT INTO tools (tool_id, server, name, description, input_schema)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(server, name) DO UPDATE SET
				description  = excluded.description,
				input_schema = excluded.input_schema`,
			server+"/"+t.Name, server, t.Name, t.Description, schemaJSON)
		if err != nil {
			return fmt.Errorf("record tool %s/%s: %w", server, t.Name, err)
		}
	}

	return tx.Commit()
}

// RecordToolUsage folds one call outcome into a tool's running statistics.
// The latency average is recomputed incrementally from the stored count.
func (s *Store) RecordToolUsage(server, tool string, success bool, latencyMs int64) error {
	if s == nil {
		return nil
	}

	successInc := 0
	if success {
		successInc = 1
	}

	res, err := s.db.Exec(`
		UPDATE tools SET
			usage_count    = usage_count + 1,
			success_count  = success_count + ?,
			avg_latency_ms = ((avg_latency_ms * usage_count) + ?) / (usage_count + 1),
			last_used      = CURRENT_TIMESTAMP
		WHERE server = ? AND name = ?`,
		successInc, latencyMs, server, tool)
	if err != nil {
		return fmt.Errorf("record usage %s/%s: %w", server, tool, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record usage %s/%s: tool not in catalog", server, tool)
	}
	return nil
}

// GetTool loads one catalog row.
func (s *Store) GetTool(server, tool string) (*ToolRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("store disabled")
	}

	row := s.db.QueryRow(`
		SELECT tool_id, server, name,
		       COALESCE(description, ''), COALESCE(input_schema, '{}'),
		       usage_count, success_count, avg_latency_ms,
		       COALESCE(last_used, '0001-01-01 00:00:00')
		FROM tools WHERE server = ? AND name = ?`,
		server, tool)

	var rec ToolRecord
	var successCount int64
	var lastUsed string
	if err := row.Scan(&rec.ToolID, &rec.Server, &rec.Name, &rec.Description,
		&rec.InputSchema, &rec.UsageCount, &successCount, &rec.AvgLatency, &lastUsed); err != nil {
		return nil, err
	}

	if rec.UsageCount > 0 {
		rec.SuccessRate = float64(successCount) / float64(rec.UsageCount)
	}
	if t, err := time.Parse("2006-01-02 15:04:05", lastUsed); err == nil {
		rec.LastUsed = t
	}
	return &rec, nil
}

// ListTools loads the full catalog ordered by server then name.
func (s *Store) ListTools() ([]ToolRecord, error) {
	if s == nil {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT tool_id, server, name,
		       COALESCE(description, ''), COALESCE(input_schema, '{}'),
		       usage_count, success_count, avg_latency_ms
		FROM tools ORDER BY server, name`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []ToolRecord
	for rows.Next() {
		var rec ToolRecord
		var successCount int64
		if err := rows.Scan(&rec.ToolID, &rec.Server, &rec.Name, &rec.Description,
			&rec.InputSchema, &rec.UsageCount, &successCount, &rec.AvgLatency); err != nil {
			return nil, err
		}
		if rec.UsageCount > 0 {
			rec.SuccessRate = float64(successCount) / float64(rec.UsageCount)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SchemaFor returns a persisted tool's input schema as raw JSON.
func (s *Store) SchemaFor(server, tool string) (json.RawMessage, error) {
	rec, err := s.GetTool(server, tool)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(rec.InputSchema), nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
