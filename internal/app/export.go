package app

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"balance-swing-alerts/internal/series"
	"balance-swing-alerts/internal/storage"
)

// Export renders recorded balances as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC().Add(time.Second)
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := time.Time{}
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	history, err := a.loadSeries(ctx, from, to)
	if err != nil {
		return err
	}

	snap := history.Snapshot()
	rows := windowRows(snap, from, to)
	if len(rows) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting balances")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, snap.Columns, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, snap.Columns, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func windowRows(snap series.Snapshot, from, to time.Time) []series.Row {
	var rows []series.Row
	for row := range snap.Rows {
		if row.Timestamp.Before(from) || !row.Timestamp.Before(to) {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

func downsampleRows(rows []series.Row, max int) []series.Row {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]series.Row, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func rowsSnapshot(columns []string, rows []series.Row) series.Snapshot {
	return series.Snapshot{Columns: columns, Rows: slices.Values(rows)}
}

func writeRowsCSV(path string, columns []string, rows []series.Row) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return storage.EncodeCSV(file, rowsSnapshot(columns, rows))
}

func writeRowsPNG(path string, columns []string, rows []series.Row) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	seriesList := make([]chart.Series, 0, len(columns))
	for _, key := range columns {
		var (
			x []time.Time
			y []float64
		)
		for _, row := range rows {
			cell, ok := row.Cells[key]
			if !ok || !cell.Valid {
				continue
			}
			x = append(x, row.Timestamp)
			y = append(y, cell.Balance)
		}
		// go-chart needs at least two points to draw a line.
		if len(x) < 2 {
			continue
		}
		seriesList = append(seriesList, chart.TimeSeries{Name: key, XValues: x, YValues: y})
	}
	if len(seriesList) == 0 {
		return errors.New("not enough valid observations to draw a chart")
	}

	balanceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance (native units)",
			ValueFormatter: balanceFormatter,
		},
		Series: seriesList,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
