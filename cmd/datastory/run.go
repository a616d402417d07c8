package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/datastory/internal/agent"
	"github.com/rahul/datastory/internal/consensus"
	"github.com/rahul/datastory/internal/evaluator"
	"github.com/rahul/datastory/internal/export"
	"github.com/rahul/datastory/internal/gateway"
	"github.com/rahul/datastory/internal/governance"
	"github.com/rahul/datastory/internal/observability"
	"github.com/rahul/datastory/internal/pipeline"
	"github.com/rahul/datastory/internal/render"
	"github.com/rahul/datastory/internal/report"
	"github.com/rahul/datastory/internal/search"
	"github.com/rahul/datastory/internal/store"
	"github.com/rahul/datastory/pkg/config"
)

var (
	runDataset     string
	runQuery       string
	runDataContext string
	runPreview     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Search for the best report for a query over a dataset",
	Long: `Runs the tree search and exports the best report found.

The dataset is referenced by path; its first lines are shown to the model as
data context unless --data-context is given. The run stops at the configured
iteration count or time limit, or on Ctrl-C, and always exports the best
report reached so far.`,
	RunE: runSearch,
}

func init() {
	runCmd.Flags().StringVarP(&runDataset, "dataset", "d", "", "path to the dataset file")
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "the analytical question the report answers")
	runCmd.Flags().StringVar(&runDataContext, "data-context", "", "description of the dataset (defaults to a preview of the file)")
	runCmd.Flags().IntVar(&runPreview, "preview-lines", 20, "dataset lines used as data context")
	_ = runCmd.MarkFlagRequired("dataset")
	_ = runCmd.MarkFlagRequired("query")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataContext := runDataContext
	if dataContext == "" {
		if dataContext, err = previewDataset(runDataset, runPreview); err != nil {
			return err
		}
	}

	dashboard := observability.IsTerminal()
	if dashboard {
		observability.PrintBanner()
		observability.InitializeTerminal()
		defer observability.CleanupTerminal()
	}
	// Log lines share the terminal with the status line.
	log.SetOutput(observability.NewTermWriter())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	logger, closeLog, err := newEventLogger(cfg.Observability.LogDir, runID)
	if err != nil {
		return err
	}
	defer closeLog()

	providerName, provider, err := cfg.GetDefaultProvider()
	if err != nil {
		return err
	}
	model, err := newModel(providerName, provider, provider.Model)
	if err != nil {
		return err
	}
	evalModel := model
	if provider.EvalModel != "" && provider.EvalModel != provider.Model {
		if evalModel, err = newModel(providerName, provider, provider.EvalModel); err != nil {
			return err
		}
	}
	log.Printf("\033[92m[ OK ] provider %s, model %s\033[0m", providerName, provider.Model)

	prompts := agent.NewPromptManager(cfg.App.Prompts)
	sampling := samplingConfig(cfg.Sampling)
	retry := agent.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Agent.MaxAttempts

	gen := agent.NewGenerator(model, prompts,
		agent.WithRateLimit(cfg.Agent.RateLimit, cfg.Agent.Burst),
		agent.WithRetry(retry),
		agent.WithSampling(sampling),
		agent.WithCallTimeout(cfg.Agent.CallTimeout),
		agent.WithEventLogger(logger, runID),
		agent.WithModelName(provider.Model),
	)

	ws, err := render.NewWorkspace(filepath.Join(cfg.App.Workspace, runID))
	if err != nil {
		return err
	}

	policy, err := chartPolicy(cfg.Policy)
	if err != nil {
		return err
	}

	// Typed as interfaces so a disabled browser stays a nil interface.
	var shots render.Screenshotter
	var snap export.Snapshotter
	if cfg.Render.Browser {
		browser := render.NewBrowser(browserConfig(cfg.Render))
		defer browser.Close()
		shots, snap = browser, browser
	} else {
		log.Printf("\033[93m[ WARN ] browser disabled: charts will fail and scoring is text only\033[0m")
	}

	chartOpts := []render.ChartOption{
		render.WithPolicy(policy),
		render.WithViewport(cfg.Render.Width, cfg.Render.Height),
		render.WithSpecTemperature(cfg.Render.SpecTemperature),
		render.WithRenderLogger(logger, runID),
	}
	if cfg.Render.ScriptURL != "" {
		chartOpts = append(chartOpts, render.WithScriptURL(cfg.Render.ScriptURL))
	}

	table := pipeline.NewTable(pipeline.Deps{
		Generator:           gen,
		Renderer:            render.NewChartRenderer(gen, shots, ws, chartOpts...),
		Similarity:          render.NewHashSimilarity(ws),
		Clusterer:           consensus.NewTokenClusterer(cfg.Sampling.ClusterThreshold),
		Sampling:            sampling,
		SimilarityThreshold: cfg.Sampling.SimilarityThreshold,
		RenderConcurrency:   cfg.Render.Concurrency,
	})

	exporter := export.NewExporter(ws, snap)
	quality := evaluator.New(evalModel, prompts, exporter,
		evaluator.WithSnapshots(snap != nil),
		evaluator.WithRetry(retry),
		evaluator.WithTimeout(cfg.Agent.CallTimeout),
		evaluator.WithRateLimit(gen.Limiter()),
		evaluator.WithLogger(logger, runID),
	)

	audit, err := store.NewAuditStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer audit.Close()

	root := report.New(runQuery, runDataset, dataContext)
	if err := audit.StartRun(ctx, store.Run{ID: runID, Query: runQuery, Dataset: runDataset}); err != nil {
		return err
	}

	engine := search.NewEngine(table, quality, searchConfig(cfg.Search, runID),
		search.WithAuditSink(audit),
		search.WithLogger(logger),
		search.WithTracer(observability.NewTracer(cfg.Observability.Tracing)),
	)

	if cfg.Observability.MetricsAddr != "" {
		srv := serveMetrics(cfg.Observability.MetricsAddr)
		defer srv.Close()
	}
	statusCtx, stopStatus := context.WithCancel(ctx)
	if dashboard {
		go liveStatus(statusCtx, cfg.Search.MaxIterations)
	}

	log.Printf("\033[96m[ RUN ] %s: %q over %s\033[0m", runID, runQuery, runDataset)
	res, solveErr := engine.Solve(ctx, search.NewRoot(root))
	stopStatus()

	// The run is finished even when ctx was cancelled; persist what we have.
	saveCtx := context.WithoutCancel(ctx)
	status := store.RunCompleted
	if solveErr != nil {
		status = store.RunCancelled
		log.Printf("\033[93m[ WARN ] run interrupted after %d iterations\033[0m", res.Iterations)
	}

	if err := audit.SaveSnapshot(saveCtx, runID, res.Best, res.BestReward.Total); err != nil {
		log.Printf("\033[91m[ FAIL ] snapshot: %v\033[0m", err)
	}

	observability.SetStatus(observability.PhaseExporting, runID)
	files, exportErr := exporter.Write(saveCtx, res.Best, "report")
	if exportErr != nil {
		log.Printf("\033[91m[ FAIL ] export: %v\033[0m", exportErr)
		if files.HTML == "" {
			status = store.RunFailed
		} else {
			// The page was written; only its snapshot is missing.
			exportErr = nil
		}
	}
	observability.SetStatus(observability.PhaseIdle, "")

	if err := audit.FinishRun(saveCtx, runID, status, res.BestReward.Total, int(res.Iterations)); err != nil {
		log.Printf("\033[91m[ FAIL ] finish run: %v\033[0m", err)
	}

	summary := gateway.Summary{
		RunID:      runID,
		Query:      runQuery,
		Status:     string(status),
		BestReward: res.BestReward.Total,
		Reached:    res.Reached,
		Iterations: int(res.Iterations),
		Elapsed:    res.Elapsed,
	}
	if files.HTML != "" {
		summary.ReportPath, _ = ws.Path(files.HTML)
	}
	if files.Snapshot != "" {
		summary.Snapshot, _ = ws.ReadFile(files.Snapshot)
	}
	if notifier := notifiers(cfg); len(notifier) > 0 {
		if err := notifier.Notify(saveCtx, summary); err != nil {
			log.Printf("\033[93m[ WARN ] notify: %v\033[0m", err)
		}
	}

	fmt.Fprint(cmd.OutOrStdout(), "\n"+summary.Text())
	return exportErr
}

// previewDataset returns the first n lines of the dataset.
func previewDataset(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for len(lines) < n && sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("failed to read dataset: %w", err)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("dataset %s is empty", path)
	}
	return fmt.Sprintf("File %s, first %d lines:\n%s", filepath.Base(path), len(lines), strings.Join(lines, "\n")), nil
}

func newModel(name string, p config.ProviderConfig, model string) (llms.Model, error) {
	switch name {
	case "openai", "openrouter":
		if p.APIKey == "" {
			return nil, fmt.Errorf("provider %s: missing api_key (or OPENAI_API_KEY)", name)
		}
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(model)}
		if p.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(p.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s not supported", name)
	}
}

func newEventLogger(dir, runID string) (*observability.Logger, func(), error) {
	if dir == "" {
		return observability.NewLoggerAt(io.Discard, ""), func() {}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "run-"+runID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return observability.NewLoggerAt(f, dir), func() { f.Close() }, nil
}

func browserConfig(c config.RenderConfig) render.BrowserConfig {
	bc := render.DefaultBrowserConfig()
	bc.ExecPath = c.ExecPath
	bc.RemoteURL = c.RemoteURL
	if c.Timeout > 0 {
		bc.Timeout = c.Timeout
	}
	return bc
}

func samplingConfig(c config.SamplingConfig) consensus.SampleConfig {
	return consensus.SampleConfig{
		Samples:        c.Samples,
		MinTemperature: c.MinTemperature,
		MaxTemperature: c.MaxTemperature,
		Quorum:         c.Quorum,
		Concurrency:    c.Concurrency,
		Temperatures:   c.Temperatures,
	}
}

func searchConfig(c config.SearchConfig, runID string) search.Config {
	return search.Config{
		MaxIterations:       c.MaxIterations,
		TimeLimit:           c.TimeLimit,
		ExplorationConstant: c.ExplorationConstant,
		MaxDepth:            c.MaxDepth,
		DefaultReward:       c.DefaultReward,
		Workers:             c.Workers,
		Seed:                c.Seed,
		RunID:               runID,
	}
}

func chartPolicy(c config.PolicyConfig) (*governance.DefaultPolicyEngine, error) {
	policy := governance.NewChartPolicy()
	for _, t := range c.DeniedChartTypes {
		policy.DenyChartType(t)
	}
	for _, p := range c.DeniedPatterns {
		if err := policy.DenyContent(p); err != nil {
			return nil, fmt.Errorf("%w: policy pattern %q: %v", config.ErrInvalidConfig, p, err)
		}
	}
	return policy, nil
}

// notifiers builds one notifier per enabled gateway. Gateways that fail to
// connect are logged and skipped.
func notifiers(cfg *config.Config) gateway.Multi {
	var m gateway.Multi
	if g, ok := cfg.GetGatewayConfig("telegram"); ok {
		if n, err := gateway.NewTelegramNotifier(g.Token, g.ChatID); err != nil {
			log.Printf("\033[93m[ WARN ] telegram: %v\033[0m", err)
		} else {
			m = append(m, n)
		}
	}
	if g, ok := cfg.GetGatewayConfig("discord"); ok {
		if n, err := gateway.NewDiscordNotifier(g.Token, g.ChatID); err != nil {
			log.Printf("\033[93m[ WARN ] discord: %v\033[0m", err)
		} else {
			m = append(m, n)
		}
	}
	return m
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("\033[91m[ FAIL ] metrics server: %v\033[0m", err)
		}
	}()
	log.Printf("\033[92m[ OK ] metrics on %s/metrics\033[0m", addr)
	return srv
}

// liveStatus redraws the status line every second and beats every 30.
func liveStatus(ctx context.Context, budget int) {
	status := time.NewTicker(time.Second)
	defer status.Stop()
	beat := time.NewTicker(30 * time.Second)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-status.C:
			observability.PrintLiveStatus(budget)
		case <-beat.C:
			observability.Heartbeat()
		}
	}
}
