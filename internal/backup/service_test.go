package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/scrypster/feederwatch/pkg/types"
)

// seedDatabase creates a SQLite file with one table holding the given rows.
func seedDatabase(t *testing.T, path string, rows ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS feeders (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Exec("DELETE FROM feeders"); err != nil {
		t.Fatalf("clear table: %v", err)
	}
	for _, r := range rows {
		if _, err := db.Exec("INSERT INTO feeders (id) VALUES (?)", r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM feeders").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestNew_RequiresDBPath(t *testing.T) {
	_, err := New(Config{}, nil)
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNew_DefaultsDirAndRetention(t *testing.T) {
	dir := t.TempDir()
	svc, err := New(Config{DBPath: filepath.Join(dir, "feederwatch.db"), Retention: RetentionPolicy{Daily: 3}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Dir() != filepath.Join(dir, "backups") {
		t.Errorf("unexpected backup dir %s", svc.Dir())
	}
	if svc.cfg.Retention.Daily != 3 || svc.cfg.Retention.Hourly != 24 || svc.cfg.Retention.Monthly != 12 {
		t.Errorf("unexpected retention %+v", svc.cfg.Retention)
	}
	if _, err := os.Stat(svc.Dir()); err != nil {
		t.Errorf("expected backup dir to exist: %v", err)
	}
}

func TestBackupNow_CreatesVerifiedCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "feederwatch.db")
	seedDatabase(t, dbPath, "F1", "F2")

	svc, err := New(Config{DBPath: dbPath, Verify: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := svc.BackupNow(ctx)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if !res.Verified || res.Size == 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if got := countRows(t, res.Path); got != 2 {
		t.Errorf("expected 2 rows in backup, got %d", got)
	}
	if svc.LastBackup().IsZero() {
		t.Error("expected last backup time to be recorded")
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || list[0].Path != res.Path {
		t.Errorf("unexpected backup list %+v", list)
	}
	usage, err := svc.Usage()
	if err != nil || usage != res.Size {
		t.Errorf("expected usage %d, got %d (%v)", res.Size, usage, err)
	}
}

func TestBackupNow_MissingDatabase(t *testing.T) {
	svc, err := New(Config{DBPath: filepath.Join(t.TempDir(), "missing.db")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.BackupNow(context.Background()); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestore_ReplacesDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "feederwatch.db")
	seedDatabase(t, dbPath, "F1", "F2")

	svc, err := New(Config{DBPath: dbPath, Verify: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := svc.BackupNow(ctx)
	if err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	seedDatabase(t, dbPath, "F1", "F2", "F3", "F4")
	if got := countRows(t, dbPath); got != 4 {
		t.Fatalf("expected 4 rows before restore, got %d", got)
	}

	if err := svc.Restore(ctx, res.Path); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if got := countRows(t, dbPath); got != 2 {
		t.Errorf("expected 2 rows after restore, got %d", got)
	}
	if got := countRows(t, dbPath+".pre-restore"); got != 4 {
		t.Errorf("expected rollback copy with 4 rows, got %d", got)
	}
}

func TestRestore_RejectsCorruptBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "feederwatch.db")
	seedDatabase(t, dbPath, "F1")

	svc, err := New(Config{DBPath: dbPath}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := filepath.Join(svc.Dir(), filePrefix+"corrupt"+fileSuffix)
	if err := os.WriteFile(bad, []byte("not a database"), 0o644); err != nil {
		t.Fatalf("write corrupt backup: %v", err)
	}
	if err := svc.Restore(ctx, bad); !errors.Is(err, types.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if got := countRows(t, dbPath); got != 1 {
		t.Errorf("expected database untouched, got %d rows", got)
	}

	if err := svc.Restore(ctx, filepath.Join(dir, "nope.db")); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
