package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"balance-swing-alerts/internal/alerting"
	"balance-swing-alerts/internal/series"
)

// Show prints the most recent recorded rows, newest last.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Alerts {
		return a.showAlerts(ctx, os.Stdout, opts.Limit)
	}

	history, err := a.loadSeries(ctx, time.Time{}, time.Now().UTC().Add(time.Second))
	if err != nil {
		return err
	}
	return renderRows(os.Stdout, history, opts.Limit)
}

func renderRows(out io.Writer, history *series.Store, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	snap := history.Snapshot()

	recent := make([]series.Row, 0, limit)
	for row := range snap.Rows {
		if len(recent) == limit {
			recent = append(recent[:0], recent[1:]...)
		}
		recent = append(recent, row)
	}
	if len(recent) == 0 {
		fmt.Fprintln(out, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Date (UTC)\t%s\n", strings.Join(snap.Columns, "\t"))
	for _, row := range recent {
		cells := make([]string, len(snap.Columns))
		for i, key := range snap.Columns {
			cell, ok := row.Cells[key]
			switch {
			case !ok:
				cells[i] = "-"
			case !cell.Valid:
				cells[i] = "n/a"
			default:
				cells[i] = strconv.FormatFloat(cell.Balance, 'f', -1, 64)
			}
		}
		fmt.Fprintf(writer, "%s\t%s\n", row.Timestamp.UTC().Format(time.RFC3339), strings.Join(cells, "\t"))
	}
	return writer.Flush()
}

func (a *App) showAlerts(ctx context.Context, out io.Writer, limit int) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; alert history is only kept in PostgreSQL")
	}
	defer closeStore()

	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tPair\tPrevious\tCurrent\tChange\tChannel\tDelivered")
	for _, rec := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			rec.ObservedAt.UTC().Format(time.RFC3339),
			rec.PairKey,
			rec.PreviousBalance.String(),
			rec.CurrentBalance.String(),
			alerting.FormatChange(rec.ChangeFraction.InexactFloat64()),
			rec.Channel,
			rec.Delivered,
		)
	}
	return writer.Flush()
}
