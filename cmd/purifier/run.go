package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/spf13/cobra"
)

// newRunCmd 单次运行 purify 或 scan，等待任务结束后打印结果
func newRunCmd(op string) *cobra.Command {
	var (
		output string
		force  bool
	)

	short := "Decompile, purify, recompile and sign an APK"
	if op == string(domain.OperationScan) {
		short = "Scan an APK for tracking domains, classes and permissions without modifying it"
	}

	cmd := &cobra.Command{
		Use:   op + " <apk>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			a.orchestrator.AddListener(worker.ListenerFunc(printEvent))
			a.pool.Start(context.Background())

			job, err := a.jobs.CreateJob(cmd.Context(), service.CreateRequest{
				Operation:  domain.Operation(op),
				SourcePath: args[0],
				OutputPath: output,
				Force:      force,
			})
			if err != nil {
				return err
			}
			cyan.Printf("Job %s queued (%s)\n", job.ID, job.Operation)

			if err := waitForJob(a, job.ID); err != nil {
				return err
			}

			done, err := a.jobs.GetJob(context.Background(), job.ID)
			if err != nil {
				return err
			}
			printSummary(done)
			if done.State == domain.JobStateFailed {
				return fmt.Errorf("job failed at %s: %s", done.FailedStage, done.Reason)
			}
			return nil
		},
	}

	if op == string(domain.OperationPurify) {
		cmd.Flags().StringVarP(&output, "output", "o", "", "signed artifact path (default: <output_dir>/<name>-purified.apk)")
		cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing output")
	}
	return cmd
}

// waitForJob 等待池报告任务结果；收到中断信号时取消任务并继续等待回滚完成
func waitForJob(a *app, jobID string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case res := <-a.pool.Results():
			if res.JobID == jobID {
				return nil
			}
		case <-sig:
			yellow.Println("Interrupt received, cancelling job and restoring the source APK...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := a.jobs.CancelJob(ctx, jobID)
			cancel()
			if err != nil && !errors.Is(err, service.ErrJobFinished) {
				return fmt.Errorf("cancel job: %w", err)
			}
		}
	}
}

func printEvent(e worker.Event) {
	ts := e.At.Format("15:04:05")
	switch e.State {
	case domain.JobStateFailed:
		red.Printf("[%s] %-14s stage=%s kind=%s %s\n", ts, e.State, e.FailedStage, e.FailureKind, e.Reason)
	case domain.JobStateDone:
		green.Printf("[%s] %-14s %s\n", ts, e.State, e.ArtifactPath)
	case domain.JobStateDecompiling:
		suffix := ""
		if e.FallbackUsed {
			suffix = " (fallback)"
		}
		fmt.Printf("[%s] %-14s backend=%s%s\n", ts, e.State, e.Backend, suffix)
	default:
		fmt.Printf("[%s] %s\n", ts, e.State)
	}
}

func printSummary(job *domain.Job) {
	fmt.Println()
	bold.Println("Summary")
	fmt.Printf("  Source:    %s\n", job.SourcePath)
	if job.PackageName != "" {
		fmt.Printf("  Package:   %s\n", job.PackageName)
	}
	fmt.Printf("  Backend:   %s\n", job.Backend)
	fmt.Printf("  Findings:  %d\n", job.FindingCount)

	if job.Operation == domain.OperationPurify {
		fmt.Printf("  Applied:   %d\n", job.Applied)
		if job.Skipped > 0 {
			yellow.Printf("  Skipped:   %d (ambiguous, left in place)\n", job.Skipped)
		}
		if job.BackupPath != "" {
			fmt.Printf("  Backup:    %s\n", job.BackupPath)
		}
	}

	switch job.State {
	case domain.JobStateDone:
		if job.ArtifactPath != "" {
			green.Printf("  Artifact:  %s\n", job.ArtifactPath)
		}
		green.Println("  State:     DONE")
	default:
		red.Printf("  State:     FAILED at %s (%s)\n", job.FailedStage, job.FailureKind.GetDisplayName())
		red.Printf("  Reason:    %s\n", job.Reason)
	}

	if len(job.Findings) == 0 {
		return
	}
	fmt.Println()
	bold.Println("Findings")
	for _, f := range job.Findings {
		sev := f.Severity
		switch sev {
		case "high", "critical":
			sev = red.Sprint(sev)
		case "medium":
			sev = yellow.Sprint(sev)
		}
		fmt.Printf("  %-8s %-14s %s  %s\n", sev, f.Category, f.Pattern, f.Location)
	}
}
