package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/joestump/d1seed/internal/batch"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenAppliesMigrations(t *testing.T) {
	d := openTestDB(t)

	for _, table := range []string{"runs", "statement_results", "goose_db_version"} {
		var name string
		err := d.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}

	var maxVersion int64
	err := d.Conn().QueryRow(
		`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE version_id > 0`,
	).Scan(&maxVersion)
	if err != nil {
		t.Fatalf("query goose_db_version: %v", err)
	}
	if maxVersion != 3 {
		t.Fatalf("expected goose_db_version max version 3, got %d", maxVersion)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	id, err := d.StartRun("seed.sql", "nist-csf-db", "remote", 3)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	_ = d.Close()

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer d2.Close() //nolint:errcheck

	r, err := d2.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r == nil {
		t.Fatal("run should survive reopen")
	}
}

func TestRunLifecycle(t *testing.T) {
	d := openTestDB(t)

	id, err := d.StartRun("seed.sql", "nist-csf-db", "remote", 3)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated run ID")
	}

	r, err := d.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Total != 3 || r.Target != "nist-csf-db" || r.FinishedAt != nil {
		t.Fatalf("unexpected started run %+v", r)
	}

	if err := d.FinishRun(id, batch.Summary{Succeeded: 2, Failed: 1, ForeignKey: 1}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	r, err = d.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Succeeded != 2 || r.Failed != 1 {
		t.Errorf("expected 2/1, got %d/%d", r.Succeeded, r.Failed)
	}
	if r.ForeignKey != 1 {
		t.Errorf("expected 1 foreign key skip, got %d", r.ForeignKey)
	}
	if r.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}
}

func TestGetRunNotFound(t *testing.T) {
	d := openTestDB(t)

	r, err := d.GetRun("missing")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil for non-existent run, got %+v", r)
	}
}

func TestFinishRunNotFound(t *testing.T) {
	d := openTestDB(t)

	if err := d.FinishRun("missing", batch.Summary{}); err == nil {
		t.Fatal("expected error finishing unknown run")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	d := openTestDB(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := d.StartRun("seed.sql", "nist-csf-db", "remote", i)
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := d.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("expected newest first, got %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestRecorderAndListResults(t *testing.T) {
	d := openTestDB(t)

	id, err := d.StartRun("seed.sql", "nist-csf-db", "remote", 3)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	rec := d.Recorder(id)
	attempts := []batch.Attempt{
		{Index: 1, Statement: "INSERT OR REPLACE a", Outcome: batch.OutcomeOK, Duration: 120 * time.Millisecond},
		{Index: 2, Statement: "INSERT OR REPLACE b", Outcome: batch.OutcomeForeignKey, ExitCode: 1, Detail: "FOREIGN KEY constraint failed"},
		{Index: 3, Statement: "INSERT OR REPLACE c", Outcome: batch.OutcomeTimeout, Detail: "timed out after 30s"},
	}
	for _, a := range attempts {
		if err := rec.Record(context.Background(), a); err != nil {
			t.Fatalf("Record %d: %v", a.Index, err)
		}
	}

	all, err := d.ListResults(id, false)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}
	if all[0].Detail != nil {
		t.Errorf("expected nil detail for success, got %q", *all[0].Detail)
	}
	if all[0].DurationMs != 120 {
		t.Errorf("expected 120ms duration, got %d", all[0].DurationMs)
	}

	failed, err := d.ListResults(id, true)
	if err != nil {
		t.Fatalf("ListResults failed only: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed results, got %d", len(failed))
	}
	if failed[0].Index != 2 || failed[0].Outcome != "foreign_key" || failed[0].ExitCode != 1 {
		t.Errorf("unexpected first failure %+v", failed[0])
	}
	if failed[1].Outcome != "timeout" || failed[1].Detail == nil || *failed[1].Detail != "timed out after 30s" {
		t.Errorf("unexpected second failure %+v", failed[1])
	}
}

func TestInsertResultDuplicateIndex(t *testing.T) {
	d := openTestDB(t)

	id, err := d.StartRun("seed.sql", "nist-csf-db", "remote", 1)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	a := batch.Attempt{Index: 1, Statement: "INSERT OR REPLACE a", Outcome: batch.OutcomeOK}
	if err := d.InsertResult(id, a); err != nil {
		t.Fatalf("InsertResult: %v", err)
	}
	if err := d.InsertResult(id, a); err == nil {
		t.Fatal("expected unique constraint error for duplicate index")
	}
}

func TestInsertResultUnknownRun(t *testing.T) {
	d := openTestDB(t)

	err := d.InsertResult("missing", batch.Attempt{Index: 1, Statement: "x", Outcome: batch.OutcomeOK})
	if err == nil {
		t.Fatal("expected foreign key error for unknown run")
	}
}

func TestJournalWithRunner(t *testing.T) {
	d := openTestDB(t)

	exec, err := batch.OpenSQLite(filepath.Join(t.TempDir(), "target.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer exec.Close() //nolint:errcheck
	if _, err := exec.Conn().Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("schema: %v", err)
	}

	stmts := []string{
		"INSERT OR REPLACE INTO t VALUES (1, 'a');",
		"INSERT OR REPLACE INTO missing VALUES (2);",
	}
	id, err := d.StartRun("seed.sql", "target.db", "sqlite", len(stmts))
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	sum := batch.NewRunner(exec, batch.Options{Recorder: d.Recorder(id), NoDelay: true}).Run(context.Background(), stmts)
	if err := d.FinishRun(id, sum); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	r, err := d.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Succeeded != 1 || r.Failed != 1 {
		t.Errorf("expected 1/1, got %d/%d", r.Succeeded, r.Failed)
	}
	failed, err := d.ListResults(id, true)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(failed) != 1 || failed[0].Index != 2 || failed[0].Outcome != "error" {
		t.Errorf("unexpected failures %+v", failed)
	}
}
