// v0
// internal/sink/backup/csv.go
package backup

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JacekZubielik/mqtt-scale-garmin-bridge/internal/bodycomp"
)

// Header is the fixed column order of every backup file.
var Header = []string{
	"timestamp",
	"weight",
	"bmi",
	"percent_fat",
	"muscle_mass",
	"bone_mass",
	"percent_hydration",
	"visceral_fat_rating",
	"metabolic_age",
	"basal_met",
	"physique_rating",
	"protein",
	"lean_body_mass",
	"ideal_weight",
}

// CSV appends one row per accepted measurement to <dir>/<identity>.csv.
type CSV struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

// NewCSV creates dir if needed.
func NewCSV(dir string, log *slog.Logger) (*CSV, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("backup: path must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create %s: %w", dir, err)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &CSV{dir: dir, log: log.With(slog.String("component", "backup"))}, nil
}

// Path returns the file backing identity.
func (c *CSV) Path(identity string) string {
	return filepath.Join(c.dir, fileName(identity))
}

// Append writes the row and fsyncs before returning. The header is written
// only when the file is empty.
func (c *CSV) Append(ctx context.Context, identity string, ts time.Time, m bodycomp.Metrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.Path(identity)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("backup: header: %w", err)
		}
	}
	if err := w.Write(Row(ts, m)); err != nil {
		return fmt.Errorf("backup: row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("backup: flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("backup: sync %s: %w", path, err)
	}
	c.log.Debug("backup_appended", slog.String("identity", identity), slog.String("file", path))
	return nil
}

// Row renders metrics in Header order.
func Row(ts time.Time, m bodycomp.Metrics) []string {
	return []string{
		ts.Format(time.RFC3339),
		ff(m.Weight),
		ff(m.BMI),
		ff(m.FatPercent),
		ff(m.MuscleMass),
		ff(m.BoneMass),
		ff(m.WaterPercent),
		ff(m.VisceralFat),
		ff(m.MetabolicAge),
		ff(m.BasalMetabolism),
		strconv.Itoa(m.PhysiqueRating),
		ff(m.ProteinPercent),
		ff(m.LeanBodyMass),
		ff(m.IdealWeight),
	}
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func fileName(identity string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	name := r.Replace(strings.TrimSpace(identity))
	if name == "" {
		name = "unknown"
	}
	return name + ".csv"
}
