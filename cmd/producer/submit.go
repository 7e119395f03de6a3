package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/config"
	"github.com/dontdude/coderun/internal/domain"
	"github.com/dontdude/coderun/internal/logger"
	"github.com/dontdude/coderun/internal/platform/queue"
)

var extensionLanguages = map[string]string{
	".js":   "javascript",
	".py":   "python",
	".c":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".java": "java",
}

var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Publish a source file as a job",
	Long: `Publish a source file as a job on the queue.

The language is inferred from the file extension unless --lang is given.
Source can be provided via:
  - File argument: producer submit Main.java
  - Stdin: cat code.py | producer submit --lang python`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringP("lang", "l", "", "Language (javascript, python, c, cpp, java)")
	submitCmd.Flags().String("stdin", "", "File whose contents are passed to the program's stdin")
	submitCmd.Flags().BoolP("follow", "f", false, "Stream the job's output until it completes")
	submitCmd.Flags().IntP("count", "n", 1, "Number of copies to publish")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	lang, _ := cmd.Flags().GetString("lang")
	stdinFile, _ := cmd.Flags().GetString("stdin")
	follow, _ := cmd.Flags().GetBool("follow")
	count, _ := cmd.Flags().GetInt("count")

	if count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if follow && count > 1 {
		return fmt.Errorf("--follow works with a single job")
	}

	code, lang, err := readSource(cmd.InOrStdin(), args, lang)
	if err != nil {
		return err
	}

	var stdin string
	if stdinFile != "" {
		data, err := os.ReadFile(stdinFile)
		if err != nil {
			return fmt.Errorf("read stdin file: %w", err)
		}
		stdin = string(data)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if redisAddrFlag != "" {
		cfg.Redis.Addr = redisAddrFlag
	}
	if !cfg.QueueEnabled() {
		return fmt.Errorf("no redis address: set --redis or CODERUN_REDIS_ADDR")
	}

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.NewRedisQueue(ctx, queue.Options{
		Addr:          cfg.Redis.Addr,
		Stream:        cfg.Redis.Stream,
		Group:         cfg.Redis.Group,
		EventsChannel: cfg.Redis.EventsChannel,
	}, log)
	if err != nil {
		return err
	}
	defer q.Close()

	// Subscribe before publishing so no event is missed.
	var events <-chan domain.JobEvent
	if follow {
		events, err = q.SubscribeEvents(ctx)
		if err != nil {
			return err
		}
	}

	var last string
	for i := 0; i < count; i++ {
		job := domain.Job{
			ID:       uuid.NewString(),
			Code:     code,
			Language: lang,
			Stdin:    stdin,
		}
		if err := q.Publish(ctx, job); err != nil {
			return fmt.Errorf("publish job: %w", err)
		}
		log.Info("job published", zap.String("job_id", job.ID), zap.String("language", lang))
		fmt.Fprintln(cmd.OutOrStdout(), job.ID)
		last = job.ID
	}

	if !follow {
		return nil
	}
	return followJob(ctx, events, last, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// readSource returns the program source and its language.
func readSource(stdin io.Reader, args []string, lang string) (string, string, error) {
	var data []byte
	var err error
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
		if lang == "" {
			lang = extensionLanguages[filepath.Ext(args[0])]
		}
	} else {
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", "", fmt.Errorf("read source: %w", err)
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("no code provided")
	}
	if lang == "" {
		return "", "", fmt.Errorf("cannot infer language, use --lang")
	}
	return string(data), lang, nil
}

// followJob prints the job's events until complete.
// It fails when the job reported an error event.
func followJob(ctx context.Context, events <-chan domain.JobEvent, jobID string, stdout, stderr io.Writer) error {
	failed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before job %s completed", jobID)
			}
			if ev.JobID != jobID {
				continue
			}
			switch ev.Type {
			case domain.EventOutput:
				fmt.Fprint(stdout, ev.Data)
			case domain.EventError:
				failed = true
				fmt.Fprint(stderr, ev.Data)
			case domain.EventComplete:
				if failed {
					return fmt.Errorf("job %s failed", jobID)
				}
				return nil
			}
		}
	}
}
