package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"radar-chart-bot/internal/fetcher"
)

// ExportOptions control a one-off render to local files.
type ExportOptions struct {
	UserID  int64
	PNGPath string
	CSVPath string
}

// Export fetches the current ranking under the given settings scope and
// writes it as a PNG chart and/or CSV without delivering anything.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := a.newService(store, nil, nil, nil)
	settings, err := svc.ResolveSettings(ctx, opts.UserID)
	if err != nil {
		return err
	}

	res, err := a.newResolver(nil).Fetch(ctx, fetcher.Query{Settings: settings})
	if err != nil {
		return err
	}
	a.Logger.Info().Str("source", string(res.Source)).Int("points", res.Series.Len()).Msg("exporting ranking")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, res.Series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		png, err := a.newRenderer().Render(ctx, a.Config.Chart.Title, res.Series.Labels, res.Series.Values)
		if err != nil {
			return err
		}
		if err := ensureDir(opts.PNGPath); err != nil {
			return err
		}
		if err := os.WriteFile(opts.PNGPath, png, 0o644); err != nil {
			return err
		}
	}

	return nil
}

func writeSeriesCSV(path string, series fetcher.Series) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"rank", "label", "value"}); err != nil {
		return err
	}
	for i := range series.Labels {
		record := []string{
			strconv.Itoa(i + 1),
			series.Labels[i],
			strconv.FormatFloat(series.Values[i], 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
