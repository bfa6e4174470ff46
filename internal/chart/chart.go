// Package chart renders per-class confidence scores as a horizontal bar chart.
package chart

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"

	"golang.org/x/image/colornames"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	// DefaultTitle is drawn above the bars.
	DefaultTitle = "Prediction Confidence"

	width  = 6 * vg.Inch
	height = 2.5 * vg.Inch
	dpi    = 100
)

// Bar is one row of the chart.
type Bar struct {
	Label string
	Value float64
	Text  string
}

// Layout orders scores for display: highest value first, equal values by
// label. Each bar's Text is the value with two decimals and a percent sign.
func Layout(scores map[string]float64) []Bar {
	bars := make([]Bar, 0, len(scores))
	for label, v := range scores {
		bars = append(bars, Bar{Label: label, Value: v, Text: fmt.Sprintf("%.2f%%", v)})
	}
	sort.Slice(bars, func(i, j int) bool {
		if bars[i].Value != bars[j].Value {
			return bars[i].Value > bars[j].Value
		}
		return bars[i].Label < bars[j].Label
	})
	return bars
}

// Render draws the chart for scores given as percentages (0 to 100) and
// returns PNG bytes. Each call builds its own plot and canvas.
func Render(scores map[string]float64) ([]byte, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("chart: no scores to render")
	}
	bars := Layout(scores)

	n := len(bars)
	values := make(plotter.Values, n)
	names := make([]string, n)
	points := make(plotter.XYs, n)
	texts := make([]string, n)
	// Bar i is drawn at y=i from the bottom, so the highest score goes last.
	for i, b := range bars {
		if math.IsNaN(b.Value) || math.IsInf(b.Value, 0) {
			return nil, fmt.Errorf("chart: invalid score %v for %q", b.Value, b.Label)
		}
		y := n - 1 - i
		values[y] = b.Value
		names[y] = b.Label
		points[y] = plotter.XY{X: b.Value + 1, Y: float64(y)}
		texts[y] = b.Text
	}

	p := plot.New()
	p.Title.Text = DefaultTitle
	p.X.Label.Text = "Confidence (%)"

	barChart, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return nil, fmt.Errorf("chart: bars: %w", err)
	}
	barChart.Horizontal = true
	barChart.Color = colornames.Steelblue
	barChart.LineStyle.Width = 0

	labels, err := plotter.NewLabels(plotter.XYLabels{XYs: points, Labels: texts})
	if err != nil {
		return nil, fmt.Errorf("chart: labels: %w", err)
	}
	for i := range labels.TextStyle {
		labels.TextStyle[i].XAlign = text.XLeft
		labels.TextStyle[i].YAlign = text.YCenter
	}

	p.Add(barChart, labels)
	p.NominalY(names...)
	p.X.Min = 0
	p.X.Max = 100

	canvas := vgimg.NewWith(vgimg.UseWH(width, height), vgimg.UseDPI(dpi))
	p.Draw(draw.New(canvas))

	var buf bytes.Buffer
	if _, err := (vgimg.PngCanvas{Canvas: canvas}).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("chart: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderBase64 is Render with the PNG encoded for inline embedding.
func RenderBase64(scores map[string]float64) (string, error) {
	raw, err := Render(scores)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
