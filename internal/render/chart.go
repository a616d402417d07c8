package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"image/png"
	"strings"
	"time"

	"github.com/rahul/datastory/internal/governance"
	"github.com/rahul/datastory/internal/observability"
	"github.com/rahul/datastory/internal/pipeline"
)

var (
	ErrRenderFailed = errors.New("chart render failed")
	ErrNoBrowser    = errors.New("no browser configured")
)

const DefaultScriptURL = "https://cdn.jsdelivr.net/npm/echarts@5/dist/echarts.min.js"

// SpecSource produces a chart option for one visualization task.
type SpecSource interface {
	Complete(ctx context.Context, task string, input map[string]any, temperature float64) ([]byte, error)
}

// Screenshotter captures a rendered chart page.
type Screenshotter interface {
	Screenshot(ctx context.Context, pageURL string, width, height int) ([]byte, error)
}

// ChartRenderer turns a visualization task into a PNG artifact: the model
// writes an ECharts option, the policy engine screens it, and the browser
// renders it.
type ChartRenderer struct {
	specs  SpecSource
	shots  Screenshotter
	ws     *Workspace
	policy governance.PolicyEngine

	width, height int
	temperature   float64
	scriptURL     string

	logger *observability.Logger
	runID  string
}

var _ pipeline.ChartRenderer = (*ChartRenderer)(nil)

type ChartOption func(*ChartRenderer)

func WithPolicy(p governance.PolicyEngine) ChartOption {
	return func(r *ChartRenderer) { r.policy = p }
}

func WithViewport(width, height int) ChartOption {
	return func(r *ChartRenderer) {
		r.width = width
		r.height = height
	}
}

func WithSpecTemperature(t float64) ChartOption {
	return func(r *ChartRenderer) { r.temperature = t }
}

// WithScriptURL points chart pages at a different ECharts build, e.g. a
// local copy for offline runs.
func WithScriptURL(u string) ChartOption {
	return func(r *ChartRenderer) { r.scriptURL = u }
}

func WithRenderLogger(l *observability.Logger, runID string) ChartOption {
	return func(r *ChartRenderer) {
		r.logger = l
		r.runID = runID
	}
}

func NewChartRenderer(specs SpecSource, shots Screenshotter, ws *Workspace, opts ...ChartOption) *ChartRenderer {
	r := &ChartRenderer{
		specs:       specs,
		shots:       shots,
		ws:          ws,
		policy:      governance.NewChartPolicy(),
		width:       960,
		height:      540,
		temperature: 0.2,
		scriptURL:   DefaultScriptURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ChartRenderer) Render(ctx context.Context, req pipeline.RenderRequest) pipeline.RenderResult {
	start := time.Now()
	res := r.render(ctx, req)
	observability.RenderSeconds.Observe(time.Since(start).Seconds())
	r.logger.LogRender(r.runID, req.Task, req.ChartType, res.Artifact, res.Err)
	return res
}

func (r *ChartRenderer) render(ctx context.Context, req pipeline.RenderRequest) pipeline.RenderResult {
	raw, err := r.specs.Complete(ctx, "chart_spec", map[string]any{
		"dataset":      req.Dataset,
		"data_context": req.DataContext,
		"chapter":      req.Chapter,
		"task":         req.Task,
		"chart_type":   req.ChartType,
	}, r.temperature)
	if err != nil {
		return failed("", fmt.Errorf("chart spec: %w", err))
	}

	option, err := normalizeOption(raw, req.ChartType)
	if err != nil {
		return failed(string(raw), err)
	}
	source, err := marshalOption(option)
	if err != nil {
		return failed(string(raw), err)
	}

	err = governance.Check(ctx, r.policy, governance.Request{
		Kind:      "chart_spec",
		ChartType: req.ChartType,
		Content:   source,
		RunID:     r.runID,
	})
	if err != nil {
		r.logger.LogPolicy(r.runID, req.Task, err.Error(), false)
		return failed(source, err)
	}

	if r.shots == nil {
		return failed(source, ErrNoBrowser)
	}
	page, err := r.page(req.Task, option)
	if err != nil {
		return failed(source, err)
	}
	name := r.ws.NewName("charts", "")
	pagePath, err := r.ws.WriteFile(name+".html", page)
	if err != nil {
		return failed(source, err)
	}

	shot, err := r.shots.Screenshot(ctx, FileURL(pagePath), r.width, r.height)
	if err != nil {
		return failed(source, err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(shot)); err != nil {
		return failed(source, fmt.Errorf("screenshot is not a PNG: %w", err))
	}
	artifact := name + ".png"
	if _, err := r.ws.WriteFile(artifact, shot); err != nil {
		return failed(source, err)
	}
	return pipeline.RenderResult{Artifact: artifact, Source: source}
}

func failed(source string, err error) pipeline.RenderResult {
	return pipeline.RenderResult{Source: source, Err: fmt.Errorf("%w: %w", ErrRenderFailed, err)}
}

// normalizeOption accepts a bare option or one wrapped as {"option": {...}},
// requires at least one series, fills in missing series types and disables
// animation so the first frame is final.
func normalizeOption(raw []byte, chartType string) (map[string]any, error) {
	var option map[string]any
	if err := json.Unmarshal(raw, &option); err != nil {
		return nil, fmt.Errorf("chart option: %w", err)
	}
	if inner, ok := option["option"].(map[string]any); ok && option["series"] == nil {
		option = inner
	}

	var series []any
	switch s := option["series"].(type) {
	case []any:
		series = s
	case map[string]any:
		series = []any{s}
	}
	if len(series) == 0 {
		return nil, errors.New("chart option has no series")
	}
	for _, s := range series {
		m, ok := s.(map[string]any)
		if !ok {
			return nil, errors.New("chart series must be objects")
		}
		if _, ok := m["type"]; !ok && chartType != "" {
			m["type"] = chartType
		}
	}
	option["series"] = series
	option["animation"] = false
	return option, nil
}

// marshalOption keeps markup unescaped so the policy engine sees it.
func marshalOption(option map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(option); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

var pageTemplate = template.Must(template.New("chart").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script src="{{.ScriptURL}}"></script>
<style>html,body{margin:0;background:#fff}#chart{width:{{.Width}}px;height:{{.Height}}px}</style>
</head>
<body>
<div id="chart"></div>
<script>
(function () {
  try {
    var chart = echarts.init(document.getElementById("chart"), null, {renderer: "canvas"});
    chart.on("finished", function () { document.body.dataset.done = "1"; });
    chart.setOption({{.Option}});
  } catch (e) {
    document.body.dataset.error = String(e);
    document.body.dataset.done = "1";
  }
})();
</script>
</body>
</html>
`))

func (r *ChartRenderer) page(title string, option map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, map[string]any{
		"Title":     title,
		"ScriptURL": template.URL(r.scriptURL),
		"Width":     r.width,
		"Height":    r.height,
		"Option":    option,
	})
	if err != nil {
		return nil, fmt.Errorf("chart page: %w", err)
	}
	return buf.Bytes(), nil
}
