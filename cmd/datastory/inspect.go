package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/datastory/internal/export"
	"github.com/rahul/datastory/internal/render"
	"github.com/rahul/datastory/internal/search"
	"github.com/rahul/datastory/internal/store"
)

var (
	auditRun   string
	auditLimit int
	auditJSON  bool

	exportRun      string
	exportOut      string
	exportSnapshot bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recorded runs or the iteration records of one run",
	Long: `Without --run, lists the most recent runs. With --run, prints one line
per completed search iteration: total reward, final stage, tree depth and
whether the reward was a neutral fallback.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		audit, err := store.NewAuditStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer audit.Close()

		out := cmd.OutOrStdout()
		if auditRun == "" {
			runs, err := audit.Runs(cmd.Context(), auditLimit)
			if err != nil {
				return err
			}
			if auditJSON {
				return writeJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		}

		run, err := audit.GetRun(cmd.Context(), auditRun)
		if err != nil {
			return err
		}
		records, err := audit.List(cmd.Context(), auditRun)
		if err != nil {
			return err
		}
		if auditJSON {
			return writeJSON(out, map[string]any{"run": run, "iterations": records})
		}
		printRecords(out, run, records)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Re-export the best report of a finished run",
	Long: `Loads the best report stored for a run and writes report.html and
report.md to --out (default: the run's workspace). Chart images are read from
the run's workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		audit, err := store.NewAuditStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer audit.Close()

		best, reward, err := audit.LoadSnapshot(cmd.Context(), exportRun)
		if err != nil {
			return err
		}

		dir := exportOut
		if dir == "" {
			dir = filepath.Join(cfg.App.Workspace, exportRun)
		}
		ws, err := render.NewWorkspace(dir)
		if err != nil {
			return err
		}
		if exportOut != "" {
			// Artifacts stay in the run workspace; link them from the new root.
			if err := linkArtifacts(ws, filepath.Join(cfg.App.Workspace, exportRun), best.Artifacts()); err != nil {
				return err
			}
		}

		var snap export.Snapshotter
		if exportSnapshot {
			browser := render.NewBrowser(browserConfig(cfg.Render))
			defer browser.Close()
			snap = browser
		}

		files, err := export.NewExporter(ws, snap).Write(cmd.Context(), best, "report")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s (reward %.2f, stage %s)\n", exportRun, reward, best.Stage)
		for _, name := range []string{files.HTML, files.Markdown, files.Snapshot} {
			if name == "" {
				continue
			}
			path, _ := ws.Path(name)
			fmt.Fprintln(cmd.OutOrStdout(), "  "+path)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditRun, "run", "", "run ID (lists recent runs when empty)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of runs to list")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "output as JSON")

	exportCmd.Flags().StringVar(&exportRun, "run", "", "run ID")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output directory")
	exportCmd.Flags().BoolVar(&exportSnapshot, "snapshot", false, "also capture a PNG of the page with the browser")
	_ = exportCmd.MarkFlagRequired("run")
}

// linkArtifacts copies chart images from the run workspace into ws under
// the same relative names.
func linkArtifacts(ws *render.Workspace, runDir string, artifacts []string) error {
	src, err := render.NewWorkspace(runDir)
	if err != nil {
		return err
	}
	for _, name := range artifacts {
		data, err := src.ReadFile(name)
		if err != nil {
			return fmt.Errorf("artifact %s: %w", name, err)
		}
		if _, err := ws.WriteFile(name, data); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []store.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tBEST\tITERATIONS\tSTARTED\tQUERY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
			r.ID, r.Status, r.BestReward, r.Iterations, r.StartedAt.Local().Format(time.DateTime), r.Query)
	}
	tw.Flush()
}

func printRecords(w io.Writer, run store.Run, records []search.AuditRecord) {
	fmt.Fprintf(w, "run %s: %s, best %.2f, %d iterations\n", run.ID, run.Status, run.BestReward, run.Iterations)
	fmt.Fprintf(w, "query: %s\n\n", run.Query)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITER\tREWARD\tSTAGE\tDEPTH\tCHAPTERS\tCHARTS\tFLAGS")
	for _, rec := range records {
		flags := ""
		if rec.DefaultReward {
			flags += "neutral "
		}
		if rec.FallbackState {
			flags += "fallback"
		}
		fmt.Fprintf(tw, "%d\t%.2f\t%s\t%d\t%d\t%d\t%s\n",
			rec.IterationIndex, rec.TotalReward, rec.FinalStage, rec.TreeDepth, rec.ChapterCount, rec.ChartCount, flags)
	}
	tw.Flush()
}
