// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots renders the memory usage timeline of an arena allocator: as a table, as a PNG line plot
// (with gonum.org/v1/plot), or as a JSON-lines file of points to be plotted elsewhere.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tensorplan/pkg/core/arena"
	"github.com/gomlx/tensorplan/pkg/support/sets"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Names of the metrics extracted from an arena timeline.
const (
	UsedMetric   = "Used"
	ExtentMetric = "Arena size"
)

// Point represents one plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point, e.g. UsedMetric.
	MetricName string

	// Step is the index of the allocator operation (Alloc or Free) after which the value was measured.
	Step float64

	// Value in bytes.
	Value float64
}

// FromTimeline converts the samples of an arena.Allocator timeline to points, two per step:
// the used bytes and the arena size.
func FromTimeline(timeline []arena.Sample) []Point {
	points := make([]Point, 0, 2*len(timeline))
	for step, sample := range timeline {
		points = append(points,
			Point{MetricName: UsedMetric, Step: float64(step), Value: float64(sample.Used)},
			Point{MetricName: ExtentMetric, Step: float64(step), Value: float64(sample.Extent)})
	}
	return points
}

// LoadPoints parses all plot points saved in the given file, see WritePoints.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// WritePoints writes the points to the given file, one JSON object per line.
func WritePoints(filePath string, points []Point) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot points file %q", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	return errors.Wrapf(f.Close(), "failed to close plot points file %q", filePath)
}

// Points is a collection of Point objects organized by their Step value.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points, sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
	})
	return slices.Sorted(maps.Keys(metricNames))
}

// Series returns the points of the given metric as plotter.XYs, in `Step` order.
func (points Points) Series(metric string) plotter.XYs {
	var xys plotter.XYs
	points.Map(func(p *Point) {
		if p.MetricName == metric {
			xys = append(xys, plotter.XY{X: p.Step, Y: p.Value})
		}
	})
	return xys
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names, with values formatted as byte counts.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Step"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = humanize.IBytes(uint64(pt.Value))
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// SavePNG plots every metric as a line and saves the image to filePath. The image format is taken
// from the file extension (png, svg, pdf...).
func (points Points) SavePNG(title, filePath string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "allocator operation"
	p.Y.Label.Text = "bytes"
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	metrics := points.MetricsNames()
	// Lines for the larger metrics are drawn first.
	sort.SliceStable(metrics, func(i, j int) bool { return metrics[i] == ExtentMetric && metrics[j] != ExtentMetric })
	for ii, metric := range metrics {
		xys := points.Series(metric)
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to create line for metric %q", metric)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(metric, line)
	}
	p.Legend.Top = true
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
