// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jontk/wsi-scheduler/internal/eventbus"
	"github.com/jontk/wsi-scheduler/internal/executor"
	"github.com/jontk/wsi-scheduler/internal/inference"
	"github.com/jontk/wsi-scheduler/internal/scheduler"
	"github.com/jontk/wsi-scheduler/internal/store"
	"github.com/jontk/wsi-scheduler/pkg/config"
	"github.com/jontk/wsi-scheduler/pkg/logging"
	"github.com/jontk/wsi-scheduler/pkg/metrics"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// Global flags
	configPath string
	resultsDir string
	outputFmt  string
	debug      bool

	// Root command
	rootCmd = &cobra.Command{
		Use:   "wsi-scheduler",
		Short: "Branch-aware scheduler core for tiled WSI inference jobs",
		Long: `A single-process driver for the workflow scheduler core: a Store, an
EventBus, a branch-aware admission Scheduler, and a tiled-execution Executor,
wired together exactly as a long-running server process would wire them.

Every invocation of this binary starts a fresh, empty Store: there is no
durable persistence (by design, see the module's non-goals), so workflow and
job ids created by one invocation do not exist in the next. Use the "run"
command to exercise the full lifecycle — create, start, and wait for a job —
in one process. The granular subcommands (workflow/job create/get/start/...)
exist to demonstrate each operation's shape in isolation, e.g. for scripting
against a future transport layer built on top of this core.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config overlay (env: WSI_SCHEDULER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&resultsDir, "results-dir", "", "Directory artifacts are written under (default: a temp dir)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(docsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wsi-scheduler version %s\n", Version)
		if BuildTime != "" {
			fmt.Printf("Build Time: %s\n", BuildTime)
		}
		if Commit != "" {
			fmt.Printf("Commit:     %s\n", Commit)
		}
	},
}

// app bundles one in-process instance of the scheduler core. Every command
// builds its own; nothing here is shared across separate CLI invocations.
type app struct {
	cfg   *config.Config
	store *store.Store
	sched *scheduler.Scheduler
	exec  *executor.Executor
	log   logging.Logger
}

// buildApp wires a Store, EventBus, metrics Registry, inference Registry,
// Executor, and Scheduler together the way a long-running server process
// would at startup.
func buildApp() (*app, error) {
	cfg := config.NewDefault()
	if configPath == "" {
		configPath = os.Getenv("WSI_SCHEDULER_CONFIG")
	}
	if configPath != "" {
		if err := cfg.LoadYAML(configPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg.Load() // env vars still take precedence over the file
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Version = Version
	if debug {
		logCfg.Level = slog.LevelDebug
	}
	logger := logging.NewLogger(logCfg)

	if resultsDir == "" {
		dir, err := os.MkdirTemp("", "wsi-scheduler-results-")
		if err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
		resultsDir = dir
	}

	bus := eventbus.New()
	reg := metrics.NewRegistry()
	st := store.New(cfg.MaxJobsPerWorkflow, bus, reg, logger)
	infer := inference.NewRegistry(cfg.EnableInstantSeg)
	exec := executor.New(cfg, st, infer, reg, logger, resultsDir)
	sched := scheduler.New(cfg, st, exec, reg, logger)

	return &app{cfg: cfg, store: st, sched: sched, exec: exec, log: logger}, nil
}

func printResult(v any) {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	switch r := v.(type) {
	case store.Job:
		printJobTable(r)
	case store.WorkflowAggregate:
		printWorkflowTable(r)
	case scheduler.QueueStatus:
		printQueueStatusTable(r)
	default:
		fmt.Printf("%+v\n", v)
	}
}

func printJobTable(j store.Job) {
	fmt.Printf("Job ID:      %s\n", j.ID)
	fmt.Printf("Workflow:    %s\n", j.WorkflowID)
	fmt.Printf("Tenant:      %s\n", j.TenantID)
	fmt.Printf("Type:        %s\n", j.Type)
	fmt.Printf("Branch:      %q\n", j.Branch)
	fmt.Printf("State:       %s\n", j.State)
	fmt.Printf("Progress:    %.2f%% (%d/%d tiles)\n", j.Progress*100, j.TilesDone, j.TilesTotal)
	if j.Error != "" {
		fmt.Printf("Error:       %s\n", j.Error)
	}
	if len(j.Artifacts) > 0 {
		fmt.Println("Artifacts:")
		for _, a := range j.Artifacts {
			fmt.Printf("  - %s (%d bytes)\n", a.Path, a.Size)
		}
	}
}

func printWorkflowTable(agg store.WorkflowAggregate) {
	fmt.Printf("Workflow ID: %s\n", agg.Workflow.ID)
	fmt.Printf("Name:        %s\n", agg.Workflow.Name)
	fmt.Printf("State:       %s\n", agg.State)
	fmt.Printf("Progress:    %.2f%%\n", agg.PercentComplete*100)
	fmt.Printf("Jobs:        %d\n", len(agg.Jobs))
	for state, count := range agg.JobCounts {
		fmt.Printf("  %-10s %d\n", state, count)
	}
}

func printQueueStatusTable(qs scheduler.QueueStatus) {
	fmt.Printf("Queued:          %t\n", qs.Queued)
	if len(qs.WaitingFor) > 0 {
		fmt.Printf("Waiting for:     %v\n", qs.WaitingFor)
	}
	fmt.Printf("Active tenants:  %d/%d\n", qs.ActiveUsers, qs.MaxActiveUsers)
	fmt.Printf("Active workers:  %d/%d\n", qs.ActiveWorkers, qs.MaxWorkers)
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create and inspect workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a workflow",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		wf, err := a.store.CreateWorkflow(context.Background(), tenant, args[0])
		if err != nil {
			log.Fatal(err)
		}
		printResult(wf)
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get WORKFLOW_ID",
	Short: "Get a workflow's aggregate state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		agg, err := a.store.GetWorkflow(context.Background(), tenant, args[0])
		if err != nil {
			log.Fatal(err)
		}
		printResult(agg)
	},
}

func init() {
	workflowCreateCmd.Flags().String("tenant", "", "Owning tenant id (required)")
	_ = workflowCreateCmd.MarkFlagRequired("tenant")
	workflowGetCmd.Flags().String("tenant", "", "Owning tenant id (required)")
	_ = workflowGetCmd.MarkFlagRequired("tenant")

	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowGetCmd)
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create, start, and inspect jobs",
}

var jobCreateCmd = &cobra.Command{
	Use:   "create WORKFLOW_ID",
	Short: "Create a PENDING job under a workflow",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		file, _ := cmd.Flags().GetString("file")
		jobType, _ := cmd.Flags().GetString("type")
		branch, _ := cmd.Flags().GetString("branch")

		job, err := a.store.CreateJob(context.Background(), tenant, args[0], store.CreateJobInput{
			FileRef: file,
			Type:    store.JobType(jobType),
			Branch:  branch,
		})
		if err != nil {
			log.Fatal(err)
		}
		printResult(job)
	},
}

var jobStartCmd = &cobra.Command{
	Use:   "start JOB_ID",
	Short: "Enqueue a PENDING job for admission",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		if err := a.sched.Start(context.Background(), tenant, args[0]); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("job %s enqueued\n", args[0])
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a PENDING job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		if err := a.sched.Cancel(context.Background(), tenant, args[0]); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("job %s canceled\n", args[0])
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry JOB_ID",
	Short: "Reset a terminal job to PENDING and re-enqueue it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		if err := a.sched.Retry(context.Background(), tenant, args[0]); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("job %s retried\n", args[0])
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Get a job's current state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		job, err := a.store.GetJob(context.Background(), tenant, args[0])
		if err != nil {
			log.Fatal(err)
		}
		printResult(job)
	},
}

var jobQueueStatusCmd = &cobra.Command{
	Use:   "queue-status JOB_ID",
	Short: "Report why a PENDING job is not yet admitted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		qs, err := a.sched.QueueStatus(context.Background(), tenant, args[0])
		if err != nil {
			log.Fatal(err)
		}
		printResult(qs)
	},
}

func init() {
	for _, c := range []*cobra.Command{jobCreateCmd, jobStartCmd, jobCancelCmd, jobRetryCmd, jobGetCmd, jobQueueStatusCmd} {
		c.Flags().String("tenant", "", "Calling tenant id (required)")
		_ = c.MarkFlagRequired("tenant")
	}
	jobCreateCmd.Flags().String("file", "", "Path to the input image (required)")
	jobCreateCmd.Flags().String("type", "", "Job type: SEGMENT_CELLS or TISSUE_MASK (required)")
	jobCreateCmd.Flags().String("branch", "", "Branch label (empty string is a legal distinct branch)")
	_ = jobCreateCmd.MarkFlagRequired("file")
	_ = jobCreateCmd.MarkFlagRequired("type")

	jobCmd.AddCommand(jobCreateCmd)
	jobCmd.AddCommand(jobStartCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobRetryCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobQueueStatusCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a workflow and one job, start it, and wait for a terminal state",
	Long: `run exercises the full lifecycle in a single process: create a
workflow, create one job under it from --file, start it, and poll the Store
until the job reaches SUCCEEDED or FAILED, then print the result.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := buildApp()
		if err != nil {
			log.Fatal(err)
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		file, _ := cmd.Flags().GetString("file")
		jobType, _ := cmd.Flags().GetString("type")
		branch, _ := cmd.Flags().GetString("branch")
		name, _ := cmd.Flags().GetString("name")

		ctx := context.Background()
		wf, err := a.store.CreateWorkflow(ctx, tenant, name)
		if err != nil {
			log.Fatal(err)
		}
		job, err := a.store.CreateJob(ctx, tenant, wf.ID, store.CreateJobInput{
			FileRef: file,
			Type:    store.JobType(jobType),
			Branch:  branch,
		})
		if err != nil {
			log.Fatal(err)
		}
		if err := a.sched.Start(ctx, tenant, job.ID); err != nil {
			log.Fatal(err)
		}

		for {
			got, err := a.store.GetJob(ctx, tenant, job.ID)
			if err != nil {
				log.Fatal(err)
			}
			if got.State == store.JobSucceeded || got.State == store.JobFailed {
				printResult(got)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	},
}

func init() {
	runCmd.Flags().String("tenant", "demo-tenant", "Tenant id to act as")
	runCmd.Flags().String("name", "demo-workflow", "Workflow name")
	runCmd.Flags().String("file", "", "Path to the input image (required)")
	runCmd.Flags().String("type", string(store.TypeTissueMask), "Job type: SEGMENT_CELLS or TISSUE_MASK")
	runCmd.Flags().String("branch", "", "Branch label")
	_ = runCmd.MarkFlagRequired("file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
