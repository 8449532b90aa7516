package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/eegflow/internal/config"
	"github.com/ChuLiYu/eegflow/internal/server"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// ============================================================================
// batch
// ============================================================================

func buildBatchCommand() *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a batch preprocessing pipeline in-process",
		Long:  "Read a batch request from a YAML file, run it locally and print the per-file results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, cfg, requestFile, cmd.OutOrStdout(), newLogger(cfg, cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "YAML file containing the batch request")
	cmd.MarkFlagRequired("file")
	return cmd
}

func readBatchRequest(path string) (types.BatchRequest, error) {
	var req types.BatchRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read batch request: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse batch request: %w", err)
	}
	return req, nil
}

// runBatch executes one batch job on a private stack and returns an error
// when the job does not complete.
func runBatch(ctx context.Context, cfg *config.Config, path string, out io.Writer, logger *slog.Logger) error {
	req, err := readBatchRequest(path)
	if err != nil {
		return err
	}

	st, err := newStack(cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	id, err := st.batch.CreateJob(req)
	if err != nil {
		return err
	}
	sub, err := st.batch.Subscribe(id)
	if err != nil {
		return err
	}
	defer sub.Close()
	if err := st.batch.Start(id); err != nil {
		return err
	}

	var last types.BatchJobStatus
	done := ctx.Done()
	for open := true; open; {
		select {
		case status, ok := <-sub.C:
			if !ok {
				open = false
				continue
			}
			printProgress(out, status)
			last = status
		case <-done:
			st.batch.Cancel(id)
			done = nil
		}
	}

	printResults(out, last)
	if last.Status != types.StatusCompleted {
		return fmt.Errorf("batch job %s ended %s", id, last.Status)
	}
	return nil
}

// ============================================================================
// status / watch
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr, jobID string
	var analysisJob, asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a job on a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialServer(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return showStatus(ctx, client, types.JobID(jobID), analysisJob, asJSON, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address (default: server.grpc_addr from config)")
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().BoolVar(&analysisJob, "analysis", false, "the job is an analysis job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full status as JSON")
	cmd.MarkFlagRequired("job")
	return cmd
}

func buildWatchCommand() *cobra.Command {
	var addr, jobID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the progress of a batch job until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialServer(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchBatch(ctx, client, types.JobID(jobID), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address (default: server.grpc_addr from config)")
	cmd.Flags().StringVar(&jobID, "job", "", "batch job id")
	cmd.MarkFlagRequired("job")
	return cmd
}

func dialServer(addr string) (*server.Client, error) {
	if addr == "" {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return nil, err
		}
		addr = clientAddr(cfg.Server.GRPCAddr)
	}
	return server.Dial(addr)
}

func showStatus(ctx context.Context, client *server.Client, id types.JobID, analysisJob, asJSON bool, out io.Writer) error {
	var status interface{}
	if analysisJob {
		st, err := client.AnalysisStatus(ctx, id)
		if err != nil {
			return err
		}
		status = st
		if !asJSON {
			fmt.Fprintf(out, "Job:      %s (analysis)\n", st.JobID)
			fmt.Fprintf(out, "Status:   %s\n", st.Status)
			fmt.Fprintf(out, "Progress: %.0f%%\n", st.Progress*100)
			if st.Error != "" {
				fmt.Fprintf(out, "Error:    %s\n", st.Error)
			}
			if st.Result != nil {
				fmt.Fprintf(out, "Result:   %d freqs x %d times, %d channels\n",
					len(st.Result.Freqs), len(st.Result.Times), len(st.Result.ChannelNames))
			}
			return nil
		}
	} else {
		st, err := client.BatchStatus(ctx, id)
		if err != nil {
			return err
		}
		status = st
		if !asJSON {
			printResults(out, st)
			return nil
		}
	}

	raw, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(raw))
	return nil
}

func watchBatch(ctx context.Context, client *server.Client, id types.JobID, out io.Writer) error {
	var last types.BatchJobStatus
	err := client.WatchBatch(ctx, id, func(st types.BatchJobStatus) error {
		printProgress(out, st)
		last = st
		return nil
	})
	if err != nil {
		return err
	}
	if last.JobID != "" {
		printResults(out, last)
	}
	return nil
}

// ============================================================================
// Output
// ============================================================================

func printProgress(out io.Writer, st types.BatchJobStatus) {
	line := fmt.Sprintf("[%5.1f%%] %-9s %d/%d done", st.Progress, st.Status, st.CompletedFiles+st.FailedFiles, st.TotalFiles)
	if st.CurrentFile != "" {
		line += fmt.Sprintf("  %s (%s)", st.CurrentFile, st.CurrentStep)
	}
	fmt.Fprintln(out, line)
}

func printResults(out io.Writer, st types.BatchJobStatus) {
	fmt.Fprintf(out, "Job %s: %s (%d completed, %d failed, %d total)\n",
		st.JobID, st.Status, st.CompletedFiles, st.FailedFiles, st.TotalFiles)
	if st.ErrorMessage != "" {
		fmt.Fprintf(out, "  error: %s\n", st.ErrorMessage)
	}
	for _, r := range st.Results {
		switch r.Status {
		case types.FileSuccess:
			fmt.Fprintf(out, "  ok      %s -> %s (%.2fs)\n", r.FileName, r.OutputPath, r.ProcessingTime)
		case types.FileFailed:
			fmt.Fprintf(out, "  failed  %s: %s\n", r.FileName, r.Error)
		default:
			fmt.Fprintf(out, "  %-7s %s\n", r.Status, r.FileName)
		}
	}
}
