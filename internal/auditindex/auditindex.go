// Package auditindex maintains an optional sqlite index over audit
// records. The JSONL audit file remains the single source of truth; this
// index is a rebuildable secondary read model for filtered queries
// (session, action kind, time range) that would otherwise require a full
// file scan.
package auditindex

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/policy"
)

// Index is a sqlite-backed queryable view over appended audit records.
type Index struct {
	db *sql.DB
}

// Open opens (or creates) the index database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("auditindex: failed to open sqlite: %w", err)
	}
	return &Index{db: db}, nil
}

// Initialize creates the schema if it does not exist.
func (x *Index) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp         INTEGER NOT NULL,
		session_id        TEXT NOT NULL,
		action_kind       TEXT NOT NULL,
		target            TEXT NOT NULL,
		profile           TEXT NOT NULL,
		policy_decision   TEXT NOT NULL,
		approval_decision TEXT NOT NULL,
		result_status     TEXT NOT NULL,
		duration_ms       INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_records(session_id);
	CREATE INDEX IF NOT EXISTS idx_audit_action_kind ON audit_records(action_kind);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);
	`

	_, err := x.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (x *Index) Close() error {
	return x.db.Close()
}

// Insert appends one record to the index.
func (x *Index) Insert(record audit.Record) error {
	_, err := x.db.Exec(`INSERT INTO audit_records (timestamp, session_id, action_kind, target,
		profile, policy_decision, approval_decision, result_status, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Timestamp, record.SessionID, string(record.ActionKind), record.Target,
		string(record.Profile), string(record.PolicyDecision), string(record.ApprovalDecision),
		string(record.ResultStatus), record.DurationMs,
	)
	return err
}

// RebuildFromJSONL drops the indexed rows and replays the audit file at
// jsonlPath line by line. A malformed line fails the rebuild: the index
// must never silently diverge from the file it claims to mirror.
func (x *Index) RebuildFromJSONL(jsonlPath string) (int, error) {
	f, err := os.Open(jsonlPath)
	if err != nil {
		return 0, fmt.Errorf("auditindex: failed to open audit log %q: %w", jsonlPath, err)
	}
	defer f.Close()

	tx, err := x.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM audit_records"); err != nil {
		return 0, err
	}

	inserted := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record audit.Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return 0, fmt.Errorf("auditindex: malformed audit line %q: %w", line, err)
		}
		if _, err := tx.Exec(`INSERT INTO audit_records (timestamp, session_id, action_kind, target,
			profile, policy_decision, approval_decision, result_status, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.Timestamp, record.SessionID, string(record.ActionKind), record.Target,
			string(record.Profile), string(record.PolicyDecision), string(record.ApprovalDecision),
			string(record.ResultStatus), record.DurationMs,
		); err != nil {
			return 0, err
		}
		inserted++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("auditindex: failed to scan audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Filter narrows a List query. Zero values mean "no constraint".
type Filter struct {
	SessionID    string
	ActionKind   string
	ResultStatus string
	Since        int64
	Until        int64
	Limit        int
}

// List returns indexed records matching filter, most recent first.
func (x *Index) List(filter Filter) ([]audit.Record, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT timestamp, session_id, action_kind, target, profile,
		policy_decision, approval_decision, result_status, duration_ms
		FROM audit_records` + where + " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var record audit.Record
		var actionKind, profile, policyDecision, approvalDecision, resultStatus string
		if err := rows.Scan(&record.Timestamp, &record.SessionID, &actionKind, &record.Target,
			&profile, &policyDecision, &approvalDecision, &resultStatus, &record.DurationMs); err != nil {
			return nil, err
		}
		record.ActionKind = policy.ActionKind(actionKind)
		record.Profile = policy.PermissionProfile(profile)
		record.PolicyDecision = policy.Decision(policyDecision)
		record.ApprovalDecision = policy.ApprovalDecision(approvalDecision)
		record.ResultStatus = audit.ResultStatus(resultStatus)
		records = append(records, record)
	}
	return records, rows.Err()
}

// Count returns the number of indexed records matching filter.
func (x *Index) Count(filter Filter) (int, error) {
	where, args := buildWhere(filter)
	var count int
	err := x.db.QueryRow("SELECT COUNT(*) FROM audit_records"+where, args...).Scan(&count)
	return count, err
}

func buildWhere(f Filter) (string, []any) {
	var conditions []string
	var args []any

	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ActionKind != "" {
		conditions = append(conditions, "action_kind = ?")
		args = append(args, f.ActionKind)
	}
	if f.ResultStatus != "" {
		conditions = append(conditions, "result_status = ?")
		args = append(args, f.ResultStatus)
	}
	if f.Since != 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until != 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, f.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
