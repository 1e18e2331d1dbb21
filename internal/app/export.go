package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"order-settlement-engine/internal/storage"
)

// Export renders the per-day settlement history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	points, err := backend.SettlementStats(ctx, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		a.Logger.Info().Msg("no settlements found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting settlement history")

	if opts.CSVPath != "" {
		if err := writeStatsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeStatsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsamplePoints(points []storage.SettlementPoint, max int) []storage.SettlementPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]storage.SettlementPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeStatsCSV(path string, points []storage.SettlementPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "settled", "refunded", "volume"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{
			point.Day.Format("2006-01-02"),
			strconv.FormatInt(point.Settled, 10),
			strconv.FormatInt(point.Refunded, 10),
			point.Volume.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeStatsPNG(path string, points []storage.SettlementPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	settled := make([]float64, len(points))
	refunded := make([]float64, len(points))
	volume := make([]float64, len(points))

	for i, point := range points {
		x[i] = point.Day
		settled[i] = float64(point.Settled)
		refunded[i] = float64(point.Refunded)
		volume[i] = point.Volume.InexactFloat64()
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Orders / day",
			ValueFormatter: countFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Volume",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Settled",
				XValues: x,
				YValues: settled,
			},
			chart.TimeSeries{
				Name:    "Refunded",
				XValues: x,
				YValues: refunded,
			},
			chart.TimeSeries{
				Name:    "Volume",
				XValues: x,
				YValues: volume,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
