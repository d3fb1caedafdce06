package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/httputil"
	"github.com/banshee-data/sensor.replay/internal/window"
)

// AttachAdminRoutes mounts /metrics and the engine pages of the tsweb
// debug index on mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", promhttp.Handler())

	debug := tsweb.Debugger(mux)
	debug.KVFunc("Stream sessions", func() any { return s.manager.Registry().Len() })
	debug.HandleFunc("sessions", "Live stream sessions", s.listSessions)
	debug.HandleFunc("window-chart", "Chart of one normalized window (?limit=&timestamp=)", s.windowChart)
	debug.HandleFunc("window-plot", "PNG plot of one normalized window (?limit=&timestamp=)", s.windowPlot)
}

// chartWindow resolves the ?limit=&timestamp= query of the chart pages
// into a snapshot. It writes the error response itself and reports false.
func (s *Server) chartWindow(w http.ResponseWriter, r *http.Request) (*fetch.Result, time.Time, bool) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return nil, time.Time{}, false
		}
		limit = n
	}
	ts := q.Get("timestamp")
	if ts == "" {
		httputil.BadRequest(w, "missing 'timestamp' parameter")
		return nil, time.Time{}, false
	}
	end, err := window.Parse(ts)
	if err != nil {
		httputil.BadRequest(w, "invalid 'timestamp' parameter")
		return nil, time.Time{}, false
	}
	res, err := s.manager.Snapshot(r.Context(), end, limit)
	if err != nil {
		writeError(w, err)
		return nil, time.Time{}, false
	}
	return res, end, true
}

// windowChart renders the group-scaled readings of one snapshot window.
func (s *Server) windowChart(w http.ResponseWriter, r *http.Request) {
	res, end, ok := s.chartWindow(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := renderWindowChart(&buf, res, end); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// windowPlot renders the same window as a static PNG.
func (s *Server) windowPlot(w http.ResponseWriter, r *http.Request) {
	res, end, ok := s.chartWindow(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := renderWindowPlot(&buf, res, end.Add(-s.manager.Config().WindowDuration), end); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// bySensor groups readings by sensor name, in name order.
func bySensor(res *fetch.Result) ([]string, map[string][]fetch.Reading) {
	series := make(map[string][]fetch.Reading)
	for _, rd := range res.Readings {
		series[rd.SensorName] = append(series[rd.SensorName], rd)
	}
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, series
}

func renderWindowChart(buf *bytes.Buffer, res *fetch.Result, end time.Time) error {
	names, series := bySensor(res)
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Replay Window", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Normalized window",
			Subtitle: fmt.Sprintf("end=%s readings=%d groups=%d", window.Format(end), len(res.Readings), len(res.GroupIntervals)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "time", Name: "time"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "group scaled"}),
	)
	for _, name := range names {
		data := make([]opts.ScatterData, 0, len(series[name]))
		for _, rd := range series[name] {
			data = append(data, opts.ScatterData{Value: []interface{}{window.Format(rd.Timestamp), rd.Scaled}})
		}
		scatter.AddSeries(name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	return scatter.Render(buf)
}

func renderWindowPlot(buf *bytes.Buffer, res *fetch.Result, start, end time.Time) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Window %s to %s", window.Format(start), window.Format(end))
	p.X.Label.Text = "Seconds into window"
	p.Y.Label.Text = "Group scaled"
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	names, series := bySensor(res)
	for i, name := range names {
		pts := make(plotter.XYs, 0, len(series[name]))
		for _, rd := range series[name] {
			pts = append(pts, plotter.XY{X: rd.Timestamp.Sub(start).Seconds(), Y: rd.Scaled})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(buf)
	return err
}
