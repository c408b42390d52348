package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agromet-quillota/internal/models"
	"agromet-quillota/internal/repository"
	"agromet-quillota/pkg/logging"
)

// Writer produces the file-based read path consumed by dashboards: the
// rolling snapshot, the dated daily rollups and the append-only cycle log.
type Writer struct {
	store        repository.Store
	snapshotDir  string
	cycleLogFile string
	logger       *logging.StructuredLogger
}

// NewWriter creates a snapshot writer rooted at snapshotDir.
func NewWriter(store repository.Store, snapshotDir, cycleLogFile string, logger *logging.StructuredLogger) *Writer {
	return &Writer{
		store:        store,
		snapshotDir:  snapshotDir,
		cycleLogFile: cycleLogFile,
		logger:       logger,
	}
}

// Document is the snapshot JSON schema. Field names are a stable contract
// with external dashboards.
type Document struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Stations    map[string]StationStatus `json:"stations"`
}

// StationStatus is one station's entry in the snapshot document.
type StationStatus struct {
	DisplayName string          `json:"display_name"`
	Latest      *models.Reading `json:"latest"`
	OpenAlerts  []OpenAlert     `json:"open_alerts"`
}

// OpenAlert is the trimmed alert shape the snapshot exposes.
type OpenAlert struct {
	Code      string          `json:"code"`
	Severity  models.Severity `json:"severity"`
	CreatedAt time.Time       `json:"created_at"`
	Message   string          `json:"message"`
}

// WriteSnapshot assembles and atomically writes snapshot.json: the latest
// reading per station plus alerts at warning or above within the window.
// A reader always sees either the previous or the new complete document.
func (w *Writer) WriteSnapshot(ctx context.Context, stations []models.Station, window time.Duration, asOf time.Time) error {
	doc := Document{
		GeneratedAt: asOf.UTC(),
		Stations:    make(map[string]StationStatus, len(stations)),
	}

	open, err := w.store.OpenAlerts(ctx, asOf.Add(-window), models.SeverityWarning)
	if err != nil {
		return fmt.Errorf("failed to load open alerts: %w", err)
	}
	alertsByStation := make(map[string][]OpenAlert)
	for _, a := range open {
		alertsByStation[a.StationID] = append(alertsByStation[a.StationID], OpenAlert{
			Code:      a.RuleCode,
			Severity:  a.Severity,
			CreatedAt: a.CreatedAt,
			Message:   a.Message,
		})
	}

	for _, st := range stations {
		latest, err := w.store.LatestReading(ctx, st.ID)
		if err != nil {
			return fmt.Errorf("failed to load latest reading for %s: %w", st.ID, err)
		}
		status := StationStatus{
			DisplayName: st.DisplayName,
			Latest:      latest,
			OpenAlerts:  alertsByStation[st.ID],
		}
		if status.OpenAlerts == nil {
			status.OpenAlerts = []OpenAlert{}
		}
		doc.Stations[st.ID] = status
	}

	path := filepath.Join(w.snapshotDir, "snapshot.json")
	if err := writeAtomic(path, doc); err != nil {
		return err
	}

	w.logger.Debug(ctx, "[SNAPSHOT] Snapshot written", logging.Fields{
		"path":     path,
		"stations": len(doc.Stations),
	})
	return nil
}

// DailyDocument is the dated per-station rollup written at UTC midnight.
type DailyDocument struct {
	Date        string                   `json:"date"`
	GeneratedAt time.Time                `json:"generated_at"`
	Stations    []*models.DailyAggregate `json:"stations"`
}

// WriteDailyRollup computes aggregates for the UTC day containing `day` and
// writes daily/YYYY-MM-DD.json with the same atomic rename discipline.
func (w *Writer) WriteDailyRollup(ctx context.Context, day time.Time, asOf time.Time) error {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	aggregates, err := w.store.DailyAggregates(ctx, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("failed to compute daily aggregates: %w", err)
	}
	if aggregates == nil {
		aggregates = []*models.DailyAggregate{}
	}

	doc := DailyDocument{
		Date:        dayStart.Format("2006-01-02"),
		GeneratedAt: asOf.UTC(),
		Stations:    aggregates,
	}

	dir := filepath.Join(w.snapshotDir, "daily")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create rollup directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, doc.Date+".json")
	if err := writeAtomic(path, doc); err != nil {
		return err
	}

	w.logger.Info(ctx, "[ROLLUP] Daily rollup written", logging.Fields{
		"path":     path,
		"stations": len(aggregates),
	})
	return nil
}

// AppendCycleLog appends the cycle summary as one JSON line to cycles.log.
func (w *Writer) AppendCycleLog(summary models.CycleSummary) error {
	if dir := filepath.Dir(w.cycleLogFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cycle log directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(w.cycleLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open cycle log %s: %w", w.cycleLogFile, err)
	}
	defer f.Close()

	line, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode cycle summary: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append cycle log: %w", err)
	}
	return nil
}

// writeAtomic writes v as JSON via a temp file in the target directory and
// renames it over the destination.
func writeAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s into place: %w", tmpName, err)
	}
	return nil
}
