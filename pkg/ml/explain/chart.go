package explain

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var barColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}

// BarChart renders scores as a horizontal bar chart with the first score on
// top. The image format follows the file extension.
func BarChart(path, title, xLabel string, scores []FeatureScore) error {
	if len(scores) == 0 {
		return errors.New("nothing to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	// NominalY counts from the bottom.
	n := len(scores)
	values := make(plotter.Values, n)
	labels := make([]string, n)
	for i, s := range scores {
		values[n-1-i] = s.Score
		labels[n-1-i] = s.Feature
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	bars, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return errors.Wrap(err, "build bar chart")
	}
	bars.Horizontal = true
	bars.Color = barColor
	bars.LineStyle.Width = 0
	p.Add(bars)
	p.NominalY(labels...)

	height := vg.Length(n)*0.4*vg.Inch + 1.5*vg.Inch
	if err := p.Save(8*vg.Inch, height, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
