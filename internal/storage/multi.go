package storage

import (
	"context"
	"errors"

	"balance-swing-alerts/internal/series"
)

// MultiWriter fans a snapshot out to several writers. Every writer is tried;
// their failures are joined.
type MultiWriter []SnapshotWriter

// WriteSnapshot implements SnapshotWriter.
func (m MultiWriter) WriteSnapshot(ctx context.Context, snap series.Snapshot) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteSnapshot(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ SnapshotWriter = MultiWriter(nil)
