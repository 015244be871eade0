package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"taskrelay/internal/client"
	"taskrelay/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		baseURL string
		token   string
		tasks   []string
	)

	var command = &cobra.Command{
		Use:   "watch",
		Short: "Follow task progress over the live channel, polling when it is down",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			opts := client.OptionsFromConfig(cfg.Client)
			if baseURL != "" {
				opts.BaseURL = baseURL
			}
			if token != "" {
				opts.Token = token
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sub := client.New(opts, client.Callbacks{
				OnProgress: func(s client.TaskState) {
					log.Info().
						Str("task_id", s.TaskID).
						Str("status", string(s.Status)).
						Int("progress", s.Progress).
						Str("step", s.CurrentStep).
						Int("processed", s.ProcessedItems).
						Int("total", s.TotalItems).
						Msg("progress")
				},
				OnCompleted: func(s client.TaskState) {
					log.Info().Str("task_id", s.TaskID).RawJSON("result", orNull(s.ResultSummary)).Msg("completed")
				},
				OnError: func(s client.TaskState) {
					log.Error().Str("task_id", s.TaskID).Str("error", s.ErrorMessage).Bool("retryable", s.Retryable).Msg("failed")
				},
				OnCancelled: func(s client.TaskState) {
					log.Warn().Str("task_id", s.TaskID).Msg("cancelled")
				},
			})
			for _, id := range tasks {
				sub.Track(id)
			}
			return sub.Run(ctx)
		},
	}

	command.Flags().StringVar(&baseURL, "url", "", "API base URL (overrides Client_BaseURL)")
	command.Flags().StringVar(&token, "token", "", "Bearer token (overrides Client_Token)")
	command.Flags().StringSliceVar(&tasks, "task", nil, "Task ids to follow and resync on every connect")
	return command
}

func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
