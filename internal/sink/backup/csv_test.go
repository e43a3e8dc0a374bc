// v0
// internal/sink/backup/csv_test.go
package backup

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return rows
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	b, err := NewCSV(filepath.Join(dir, "backup"), nil)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	ts := time.Date(2024, 5, 4, 7, 15, 0, 0, time.UTC)
	m := bodycomp.Metrics{Weight: 72.5, BMI: 24.5, PhysiqueRating: 5}

	for i := 0; i < 3; i++ {
		if err := b.Append(context.Background(), "user@example.com", ts.Add(time.Duration(i)*time.Minute), m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rows := readRows(t, b.Path("user@example.com"))
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(Header, ",") {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "2024-05-04T07:15:00Z" || rows[1][1] != "72.5" || rows[1][10] != "5" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestAppendSeparatesIdentities(t *testing.T) {
	b, err := NewCSV(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	for _, id := range []string{"a@example.com", "b@example.com"} {
		if err := b.Append(context.Background(), id, time.Now(), bodycomp.Metrics{Weight: 60}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	for _, id := range []string{"a@example.com", "b@example.com"} {
		if rows := readRows(t, b.Path(id)); len(rows) != 2 {
			t.Fatalf("%s: expected 2 rows, got %d", id, len(rows))
		}
	}
}

func TestPathSanitisesIdentity(t *testing.T) {
	b, err := NewCSV(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if got := filepath.Base(b.Path("../../etc/passwd")); strings.Contains(got, "/") || !strings.HasSuffix(got, ".csv") {
		t.Fatalf("unexpected file name %q", got)
	}
	if filepath.Dir(b.Path("../x")) != filepath.Clean(b.dir) {
		t.Fatalf("identity must not escape the backup directory")
	}
}

func TestAppendFailsOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	b, err := NewCSV(dir, nil)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := b.Append(context.Background(), "user@example.com", time.Now(), bodycomp.Metrics{}); err == nil {
		t.Fatalf("expected error when directory vanished")
	}
}

func TestNewCSVRejectsEmptyPath(t *testing.T) {
	if _, err := NewCSV("  ", nil); err == nil {
		t.Fatalf("expected error")
	}
}
