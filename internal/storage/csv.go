package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"balance-swing-alerts/internal/series"
)

// DateColumn heads the timestamp column of the snapshot file.
const DateColumn = "Date"

// dateLayouts are tried in order when reading the Date column. The space
// separated forms are what pandas writes for naive datetimes; those are read
// as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CSVFile persists snapshots as a wide table: Date plus one column per pair.
type CSVFile struct {
	path string
}

// NewCSVFile returns a snapshot file writer for path.
func NewCSVFile(path string) *CSVFile {
	return &CSVFile{path: path}
}

// Path reports the target file.
func (f *CSVFile) Path() string {
	return f.path
}

// WriteSnapshot rewrites the file with the full snapshot. The file is
// replaced atomically so a crash never leaves a truncated table.
func (f *CSVFile) WriteSnapshot(_ context.Context, snap series.Snapshot) error {
	if err := ensureDir(f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrPersistenceFailed, err)
	}
	defer os.Remove(tmp.Name())

	if err := EncodeCSV(tmp, snap); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: encode snapshot: %v", ErrPersistenceFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", ErrPersistenceFailed, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrPersistenceFailed, f.path, err)
	}
	return nil
}

// MoveAside renames the current file to <path>.corrupt-<timestamp> so the next
// write cannot replace it. It returns the new location.
func (f *CSVFile) MoveAside(at time.Time) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%s", f.path, at.UTC().Format("20060102T150405Z"))
	if err := os.Rename(f.path, target); err != nil {
		return "", fmt.Errorf("move aside %s: %w", f.path, err)
	}
	return target, nil
}

// Load reads a previously written snapshot into a store. Columns listed in
// keys come first, in that order, followed by any extra columns in the file.
// A missing file yields an empty store.
func (f *CSVFile) Load(keys ...string) (*series.Store, error) {
	store := series.NewStore(keys...)

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	if err := DecodeCSV(file, store); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	return store, nil
}

// EncodeCSV writes snap as CSV. Invalid or absent cells are left empty.
func EncodeCSV(w io.Writer, snap series.Snapshot) error {
	writer := csv.NewWriter(w)

	header := append([]string{DateColumn}, snap.Columns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for row := range snap.Rows {
		record[0] = row.Timestamp.UTC().Format(time.RFC3339Nano)
		for i, key := range snap.Columns {
			cell, ok := row.Cells[key]
			if !ok || !cell.Valid {
				record[i+1] = ""
				continue
			}
			record[i+1] = strconv.FormatFloat(cell.Balance, 'f', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// DecodeCSV appends every non-empty cell of r to store. Empty cells were
// failed lookups or pairs not sampled at that time; they come back as
// invalid observations so the row survives another round trip.
func DecodeCSV(r io.Reader, store *series.Store) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 || header[0] != DateColumn {
		return fmt.Errorf("first column must be %q", DateColumn)
	}
	columns := header[1:]

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := parseDate(record[0])
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		for i, key := range columns {
			if i+1 >= len(record) {
				break
			}
			raw := record[i+1]
			if raw == "" {
				store.Append(key, series.Observation{Timestamp: ts})
				continue
			}
			balance, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("line %d column %s: %w", line, key, err)
			}
			store.Append(key, series.Observation{Timestamp: ts, Balance: balance, Valid: true})
		}
	}
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
