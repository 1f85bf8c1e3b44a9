package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeBackup creates a fake backup file whose mtime is now minus age.
func writeBackup(t *testing.T, dir, name string, now time.Time, age time.Duration, size int) string {
	t.Helper()
	path := filepath.Join(dir, filePrefix+name+fileSuffix)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	ts := now.Add(-age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("failed to set file time: %v", err)
	}
	return path
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read backup directory: %v", err)
	}
	return len(entries)
}

func TestListBackupsEmpty(t *testing.T) {
	backups, err := listBackups(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("expected 0 backups, got %d", len(backups))
	}
}

func TestListBackupsNonexistentDirectory(t *testing.T) {
	if _, err := listBackups("/nonexistent/backup/dir"); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}

// TestListBackupsIgnoresForeignFiles checks that only feederwatch-*.db files
// count, so the live database and its rollback copies are never pruned.
func TestListBackupsIgnoresForeignFiles(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()

	for _, name := range []string{"readme.txt", "feederwatch.db", "feederwatch.db.pre-restore", "other.db"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(tmpDir, filePrefix+"dir"+fileSuffix), 0o755); err != nil {
		t.Fatalf("failed to create subdirectory: %v", err)
	}
	want := writeBackup(t, tmpDir, "20261019-120000.000000", now, 0, 6)

	backups, err := listBackups(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(backups))
	}
	if backups[0].Path != want {
		t.Errorf("expected path %s, got %s", want, backups[0].Path)
	}
	if backups[0].Size != 6 {
		t.Errorf("expected size 6, got %d", backups[0].Size)
	}
}

func TestListBackupsSortNewestFirst(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()

	writeBackup(t, tmpDir, "b1", now, 2*time.Hour, 1)
	writeBackup(t, tmpDir, "b2", now, time.Hour, 1)
	newest := writeBackup(t, tmpDir, "b3", now, 0, 1)
	writeBackup(t, tmpDir, "b4", now, 3*time.Hour, 1)

	backups, err := listBackups(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backups) != 4 {
		t.Fatalf("expected 4 backups, got %d", len(backups))
	}
	for i := 0; i < len(backups)-1; i++ {
		if backups[i].Timestamp.Before(backups[i+1].Timestamp) {
			t.Errorf("backups not sorted newest first: backup %d is older than backup %d", i, i+1)
		}
	}
	if backups[0].Path != newest {
		t.Errorf("expected %s first, got %s", filepath.Base(newest), filepath.Base(backups[0].Path))
	}
}

func TestApplyRetentionEmptyDir(t *testing.T) {
	removed, err := applyRetention(t.TempDir(), DefaultRetention(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected 0 removed, got %d", removed)
	}
}

func TestApplyRetentionDeletesFilesOlderThanOneYear(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()
	old := writeBackup(t, tmpDir, "old", now, 400*24*time.Hour, 1)
	recent := writeBackup(t, tmpDir, "recent", now, time.Hour, 1)

	removed, err := applyRetention(tmpDir, DefaultRetention(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected backup older than a year to be deleted")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Errorf("expected recent backup to survive: %v", err)
	}
}

func TestApplyRetentionTiers(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name   string
		policy RetentionPolicy
		ages   []time.Duration
		want   int
	}{
		{
			name:   "hourly",
			policy: RetentionPolicy{Hourly: 2},
			ages:   []time.Duration{0, time.Hour, 2 * time.Hour, 3 * time.Hour, 4 * time.Hour},
			want:   2,
		},
		{
			name:   "daily",
			policy: RetentionPolicy{Daily: 2},
			ages:   []time.Duration{2 * day, 3 * day, 4 * day, 5 * day},
			want:   2,
		},
		{
			name:   "weekly",
			policy: RetentionPolicy{Weekly: 1},
			ages:   []time.Duration{8 * day, 15 * day, 22 * day},
			want:   1,
		},
		{
			name:   "monthly",
			policy: RetentionPolicy{Monthly: 1},
			ages:   []time.Duration{31 * day, 121 * day},
			want:   1,
		},
		{
			name:   "mixed",
			policy: RetentionPolicy{Hourly: 2, Daily: 2, Weekly: 1, Monthly: 1},
			ages: []time.Duration{
				0, 30 * time.Minute, time.Hour,
				2 * day, 3 * day, 4 * day,
				8 * day, 15 * day,
				31 * day, 121 * day,
			},
			want: 6,
		},
		{
			name:   "keeps exactly needed",
			policy: RetentionPolicy{Hourly: 3},
			ages:   []time.Duration{0, time.Hour, 2 * time.Hour},
			want:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			now := time.Now()
			for i, age := range tt.ages {
				writeBackup(t, tmpDir, fmt.Sprintf("b%02d", i), now, age, 1)
			}

			removed, err := applyRetention(tmpDir, tt.policy, now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := countFiles(t, tmpDir); got != tt.want {
				t.Errorf("expected %d backups to remain, got %d", tt.want, got)
			}
			if removed != len(tt.ages)-tt.want {
				t.Errorf("expected %d removed, got %d", len(tt.ages)-tt.want, removed)
			}
		})
	}
}

// TestApplyRetentionKeepsNewestInTier checks that pruning drops the oldest
// backups of a tier.
func TestApplyRetentionKeepsNewestInTier(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()
	newest := writeBackup(t, tmpDir, "newest", now, time.Minute, 1)
	oldest := writeBackup(t, tmpDir, "oldest", now, 5*time.Hour, 1)
	writeBackup(t, tmpDir, "middle", now, 2*time.Hour, 1)

	if _, err := applyRetention(tmpDir, RetentionPolicy{Hourly: 2}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(newest); err != nil {
		t.Errorf("expected newest backup to survive: %v", err)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Error("expected oldest backup to be deleted")
	}
}

func TestApplyRetentionNonexistentDirectory(t *testing.T) {
	if _, err := applyRetention("/nonexistent/backup/dir", DefaultRetention(), time.Now()); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}

func TestDiskUsage(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now()

	usage, err := diskUsage(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage != 0 {
		t.Errorf("expected 0 bytes, got %d", usage)
	}

	writeBackup(t, tmpDir, "a", now, 0, 100)
	writeBackup(t, tmpDir, "b", now, time.Hour, 250)
	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), make([]byte, 999), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	usage, err = diskUsage(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage != 350 {
		t.Errorf("expected 350 bytes, got %d", usage)
	}
}

func TestDiskUsageNonexistentDirectory(t *testing.T) {
	if _, err := diskUsage("/nonexistent/backup/dir"); err == nil {
		t.Fatal("expected error for non-existent directory")
	}
}
