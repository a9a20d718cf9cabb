package auditindex

import (
	"path/filepath"
	"testing"

	"github.com/alicia-run/alicia/internal/audit"
	"github.com/alicia-run/alicia/internal/policy"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	index, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = index.Close() })
	if err := index.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return index
}

func testRecord(sessionID string, timestamp int64, status audit.ResultStatus) audit.Record {
	return audit.Record{
		Timestamp:        timestamp,
		SessionID:        sessionID,
		ActionKind:       policy.ExecuteCommand,
		Target:           "echo hello",
		Profile:          policy.ReadWriteWithApproval,
		PolicyDecision:   policy.RequireApproval,
		ApprovalDecision: policy.Approved,
		ResultStatus:     status,
		DurationMs:       42,
	}
}

func TestInsertAndListBySession(t *testing.T) {
	index := openTestIndex(t)

	for _, record := range []audit.Record{
		testRecord("ses-a", 100, audit.Succeeded),
		testRecord("ses-b", 200, audit.Failed),
		testRecord("ses-a", 300, audit.Blocked),
	} {
		if err := index.Insert(record); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := index.List(Filter{SessionID: "ses-a"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records for ses-a, want 2", len(records))
	}
	// Most recent first.
	if records[0].Timestamp != 300 || records[1].Timestamp != 100 {
		t.Errorf("unexpected ordering: %d, %d", records[0].Timestamp, records[1].Timestamp)
	}
	if records[0].ResultStatus != audit.Blocked {
		t.Errorf("result_status = %q, want blocked", records[0].ResultStatus)
	}
	if records[0].ActionKind != policy.ExecuteCommand {
		t.Errorf("action_kind = %q", records[0].ActionKind)
	}
}

func TestListTimeRangeAndCount(t *testing.T) {
	index := openTestIndex(t)

	for ts := int64(10); ts <= 50; ts += 10 {
		if err := index.Insert(testRecord("ses-range", ts, audit.Succeeded)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	records, err := index.List(Filter{Since: 20, Until: 40})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records in [20,40], want 3", len(records))
	}

	count, err := index.Count(Filter{ResultStatus: string(audit.Succeeded)})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

func TestRebuildFromJSONLMirrorsTheFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")
	logger, err := audit.Open(auditPath, nil)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer logger.Close()

	for i := int64(1); i <= 3; i++ {
		record := testRecord("ses-rebuild", i, audit.Succeeded)
		if err := logger.Append(record); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	index := openTestIndex(t)
	// Pre-seed a stale row that the rebuild must discard.
	if err := index.Insert(testRecord("ses-stale", 999, audit.Failed)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	inserted, err := index.RebuildFromJSONL(auditPath)
	if err != nil {
		t.Fatalf("RebuildFromJSONL: %v", err)
	}
	if inserted != 3 {
		t.Errorf("inserted = %d, want 3", inserted)
	}

	count, err := index.Count(Filter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("count after rebuild = %d, want 3 (stale row must be gone)", count)
	}

	records, err := index.List(Filter{SessionID: "ses-stale"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 0 {
		t.Error("stale row survived the rebuild")
	}
}
