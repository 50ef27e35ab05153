package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/jetrun/internal/backends/slurm"
	"github.com/3cpo-dev/jetrun/internal/core"
	gssh "github.com/3cpo-dev/jetrun/internal/ssh"
	"github.com/3cpo-dev/jetrun/internal/telemetry"
	"github.com/3cpo-dev/jetrun/internal/workflow"
	"github.com/3cpo-dev/jetrun/pkg/api"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// loadedGraph is the graph a run starts from.
type loadedGraph struct {
	graph    *workflow.Graph
	runID    string
	source   string
	snapshot string
}

// loadGraph builds the graph from a workflow file, or reloads a saved run and
// resets it with method ("retry" or "resume").
func loadGraph(workflowFile, statePath, method string) (loadedGraph, error) {
	switch {
	case workflowFile != "" && statePath != "":
		return loadedGraph{}, errors.New("give either a workflow file or --workflow-state, not both")
	case workflowFile != "":
		g, err := workflow.LoadFile(workflowFile)
		if err != nil {
			return loadedGraph{}, err
		}
		return loadedGraph{graph: g, runID: uuid.NewString(), source: workflowFile}, nil
	case statePath != "":
		snap, err := workflow.NewFileStore(statePath).Load()
		if err != nil {
			return loadedGraph{}, err
		}
		g, err := snap.Graph()
		if err != nil {
			return loadedGraph{}, err
		}
		var n int
		switch method {
		case "retry", "":
			n = g.Retry()
		case "resume":
			n = g.Resume()
		default:
			return loadedGraph{}, fmt.Errorf("unknown method %q, want retry or resume", method)
		}
		log.Info().Str("method", method).Int("reset", n).Str("state", statePath).Msg("Reloaded workflow state")
		runID := snap.RunID
		if runID == "" {
			runID = uuid.NewString()
		}
		return loadedGraph{graph: g, runID: runID, source: statePath, snapshot: statePath}, nil
	default:
		return loadedGraph{}, errors.New("a workflow file or --workflow-state is required")
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [workflow.yaml]",
		Short: "Run a workflow, or continue a saved one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if b, _ := cmd.Flags().GetString("backend"); b != "" {
				cfg.Backend = b
			}
			if cmd.Flags().Changed("max-forks") {
				cfg.MaxForks, _ = cmd.Flags().GetInt("max-forks")
				cfg.Local.Workers = cfg.MaxForks
			}
			if cmd.Flags().Changed("autosave") {
				cfg.Autosave, _ = cmd.Flags().GetDuration("autosave")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			statePath, _ := cmd.Flags().GetString("workflow-state")
			method, _ := cmd.Flags().GetString("method")
			if retry, _ := cmd.Flags().GetBool("retry"); retry {
				method = "retry"
			}
			if resume, _ := cmd.Flags().GetBool("resume"); resume {
				method = "resume"
			}
			var workflowFile string
			if len(args) == 1 {
				workflowFile = args[0]
			}
			lg, err := loadGraph(workflowFile, statePath, method)
			if err != nil {
				return err
			}
			if id, _ := cmd.Flags().GetString("run-id"); id != "" {
				lg.runID = id
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				out = lg.snapshot
			}
			if out == "" {
				out = filepath.Join(cfg.StateDir, lg.runID+".json")
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			reg, backend, err := resolveBackend(cfg)
			if err != nil {
				return err
			}
			defer reg.Close()

			store, err := core.NewStore(filepath.Join(cfg.StateDir, "jetrun.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, 30*time.Second)
			defer telemetry.Shutdown()

			monitor, _ := cmd.Flags().GetBool("monitor")
			if monitor {
				addr, _ := cmd.Flags().GetString("monitor-addr")
				if addr == "" {
					addr = cfg.Telemetry.MonitoringAddr
				}
				ms := telemetry.NewMonitoringServer(addr, collector)
				for name, check := range telemetry.DefaultHealthChecks() {
					ms.RegisterHealthCheck(name, check)
				}
				ms.RegisterHealthCheck("store", func() telemetry.HealthCheck {
					hc := telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusHealthy, Message: "ok"}
					if err := store.Ping(context.Background()); err != nil {
						hc.Status, hc.Message = telemetry.HealthStatusDegraded, err.Error()
					}
					return hc
				})
				g := lg.graph
				ms.SetTaskSource(func() any { return g.Tasks() })
				if err := ms.Start(); err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = ms.Shutdown(ctx)
				}()
			}

			ctx := cmd.Context()
			rec := core.RunRecord{ID: lg.runID, Workflow: lg.source, Backend: backend.Name(), Total: lg.graph.Len()}
			if err := store.StartRun(ctx, rec); err != nil {
				log.Warn().Err(err).Msg("Failed to record run start")
			}

			runner := core.NewRunner(lg.graph, backend, core.Options{
				RunID:          lg.runID,
				MaxConcurrency: cfg.MaxForks,
				Autosave:       cfg.Autosave,
				Idle:           idleFor(cfg),
				Saver:          workflow.NewFileStore(out),
				Recorder:       store,
				Collector:      collector,
			})
			outcome, runErr := runner.Run(ctx)

			status := api.RunSucceeded
			switch {
			case outcome.Aborted:
				status = api.RunAborted
			case !outcome.Success:
				status = api.RunFailed
			}
			if err := store.FinishRun(context.WithoutCancel(ctx), lg.runID, status, lg.graph.Counts()); err != nil {
				log.Warn().Err(err).Msg("Failed to record run end")
			}
			printOutcome(cmd.OutOrStdout(), outcome, out)
			if runErr != nil {
				return runErr
			}
			if !outcome.Success {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringP("workflow-state", "w", "", "saved workflow state to continue")
	cmd.Flags().String("method", "retry", "how to reset a saved workflow: retry or resume")
	cmd.Flags().Bool("retry", false, "shorthand for --method retry")
	cmd.Flags().Bool("resume", false, "shorthand for --method resume")
	cmd.Flags().String("backend", "", "backend to run on (local, slurm)")
	cmd.Flags().Int("max-forks", 0, "maximum tasks in flight (0 uses the backend limit)")
	cmd.Flags().Duration("autosave", 0, "interval between state saves during the run")
	cmd.Flags().StringP("out", "o", "", "where to save workflow state (defaults to the state dir)")
	cmd.Flags().Bool("monitor", false, "serve health, metrics and task status over HTTP")
	cmd.Flags().String("monitor-addr", "", "address for --monitor (defaults to telemetry.monitoring_addr)")
	cmd.Flags().String("run-id", "", "id to record the run under (defaults to a new UUID, or the saved run's id)")
	cmd.MarkFlagsMutuallyExclusive("retry", "resume")
	return cmd
}

// idleFor spaces out loop iterations; accounting queries are slow and
// rate limited, local processes are not.
func idleFor(cfg core.Config) time.Duration {
	if cfg.Backend == "slurm" && cfg.Slurm.UpdateFrequency > 0 {
		return cfg.Slurm.UpdateFrequency
	}
	return 250 * time.Millisecond
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <state.json>",
		Short: "Show the tasks of a saved workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := workflow.NewFileStore(args[0]).Load()
			if err != nil {
				return err
			}
			g, err := snap.Graph()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s saved %s\n", headerStyle.Render("run "+snap.RunID), ago(snap.SavedAt))
			fmt.Fprintln(w, countsLine(g.Counts()))
			fmt.Fprintln(w)
			printTasks(w, g.Tasks())
			return nil
		},
	}
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs [job ids...]",
		Short: "Look up Slurm jobs in accounting",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if len(args) == 0 && !all {
				return errors.New("give job ids or --all")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			b, err := newSlurmBackend(cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			var records []slurm.Record
			if len(args) == 0 {
				records, err = b.Query(cmd.Context(), true)
				if err != nil {
					return err
				}
			}
			// Long id lists are split to keep sacct command lines short.
			for _, ids := range core.Chunk(args, 100) {
				recs, err := b.Query(cmd.Context(), false, ids...)
				if err != nil {
					return err
				}
				records = append(records, recs...)
			}
			printJobs(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "list every job accounting reports")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(filepath.Join(cfg.StateDir, "jetrun.db"))
			if err != nil {
				return err
			}
			defer store.Close()
			if runID, _ := cmd.Flags().GetString("run"); runID != "" {
				events, err := store.TaskEvents(cmd.Context(), runID)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{ago(e.At), e.TaskID, styled(string(e.Status)), orDash(e.ExternalID), orDash(e.Message)})
				}
				table(cmd.OutOrStdout(), []string{"WHEN", "TASK", "STATUS", "JOB", "MESSAGE"}, rows)
				return nil
			}
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	cmd.Flags().String("run", "", "show the task transitions of one run")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "jetrun initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			cfg := core.DefaultConfig()
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(w, "config %s already exists\n", path)
			} else {
				if err := core.WriteConfig(path, cfg); err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote default config to %s\n", path)
			}
			key := cfg.Slurm.Remote.KeyPath
			if _, err := os.Stat(key); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(key, "jetrun")
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "generated SSH key %s\nadd this line to authorized_keys on the Slurm login node:\n%s", key, pub)
			}
			if err := gssh.EnsureKnownHostsFile(cfg.Slurm.Remote.KnownHosts); err != nil {
				return err
			}
			return nil
		},
	}
}
