package monitor

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/depthpose/internal/depth/l3render"
	"github.com/banshee-data/depthpose/internal/depth/storage/sqlite"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// DepthHeatmap charts the z channel of a coordinate image. Invalid pixels
// are left out so they render as background.
func DepthHeatmap(im *l3render.CoordinateImage, title string) *charts.HeatMap {
	xs := make([]int, im.Width)
	for c := range xs {
		xs[c] = c
	}
	ys := make([]int, im.Height)
	for r := range ys {
		ys[r] = r
	}

	data := make([]opts.HeatMapData, 0, im.ValidCount())
	lo, hi := math.Inf(1), math.Inf(-1)
	for r := 0; r < im.Height; r++ {
		for c := 0; c < im.Width; c++ {
			if !im.Valid(r, c) {
				continue
			}
			z := im.Point(r, c)[2]
			lo, hi = math.Min(lo, z), math.Max(hi, z)
			data = append(data, opts.HeatMapData{Value: [3]interface{}{c, r, z}})
		}
	}
	if len(data) == 0 {
		lo, hi = 0, 1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Depth frame", Theme: "dark", Width: "800px", Height: "620px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%dx%d valid=%d", im.Height, im.Width, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "col"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys, Name: "row", Inverse: opts.Bool(true)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(xs).AddSeries("depth", data)
	return hm
}

// TrajectoryChart plots stored truth against the particle mean.
func TrajectoryChart(run *sqlite.Run, steps []*sqlite.Step) *charts.Line {
	frames := make([]int, len(steps))
	truth := make([]opts.LineData, len(steps))
	mean := make([]opts.LineData, len(steps))
	upper := make([]opts.LineData, len(steps))
	lower := make([]opts.LineData, len(steps))
	for i, st := range steps {
		frames[i] = st.Step
		var tv interface{} = "-"
		if len(st.Truth) > 0 {
			tv = st.Truth[0]
		}
		truth[i] = opts.LineData{Value: tv}
		m, s := first(st.Mean), first(st.StdDev)
		mean[i] = opts.LineData{Value: m}
		upper[i] = opts.LineData{Value: m + s}
		lower[i] = opts.LineData{Value: m - s}
	}

	subtitle := fmt.Sprintf("run=%s frames=%d", run.RunID, len(steps))
	if run.MeanAbsError != nil {
		subtitle += fmt.Sprintf(" mae=%.4f", *run.MeanAbsError)
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tracking run", Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tracked position", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "x (m)"}),
	)
	line.SetXAxis(frames).
		AddSeries("truth", truth).
		AddSeries("mean", mean).
		AddSeries("mean + std", upper, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"})).
		AddSeries("mean - std", lower, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	return line
}

// DiagnosticsChart plots ESS and the per-step log evidence.
func DiagnosticsChart(steps []*sqlite.Step) *charts.Line {
	frames := make([]int, len(steps))
	ess := make([]opts.LineData, len(steps))
	evidence := make([]opts.LineData, len(steps))
	for i, st := range steps {
		frames[i] = st.Step
		ess[i] = opts.LineData{Value: st.ESS}
		evidence[i] = opts.LineData{Value: st.LogEvidence}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Filter diagnostics"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
	)
	line.SetXAxis(frames).
		AddSeries("ESS", ess).
		AddSeries("log evidence", evidence)
	return line
}

// MatchesChart ranks recognition scores as bars.
func MatchesChart(matches []*sqlite.Match) *charts.Bar {
	names := make([]string, len(matches))
	scores := make([]opts.BarData, len(matches))
	for i, m := range matches {
		names[i] = m.Name
		scores[i] = opts.BarData{Value: m.Score}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Recognition scores", Subtitle: "best log-likelihood per candidate"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries("score", scores)
	return bar
}

// RenderRunPage writes an HTML page with every chart that applies to run.
func RenderRunPage(w io.Writer, run *sqlite.Run, steps []*sqlite.Step, matches []*sqlite.Match) error {
	page := components.NewPage()
	page.SetPageTitle("Run " + run.RunID)
	page.SetAssetsHost(echartsAssetsHost)
	if len(steps) > 0 {
		page.AddCharts(TrajectoryChart(run, steps), DiagnosticsChart(steps))
	}
	if len(matches) > 0 {
		page.AddCharts(MatchesChart(matches))
	}
	return page.Render(w)
}

func first(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}
