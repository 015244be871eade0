package cmd

import (
	"taskrelay/internal/worker"
	"time"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		slots        int
		baseBackoff  time.Duration
		maxBackoff   time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start worker pool, scheduler and lease reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return worker.Run(worker.Config{
				ConsumerName: consumerName,
				Slots:        slots,
				BaseBackoff:  baseBackoff,
				MaxBackoff:   maxBackoff,
			})
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().IntVar(&slots, "slots", 0, "Concurrent execution slots (overrides Worker_Slots)")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 0, "Retry base backoff (overrides Worker_BaseBackoff)")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 0, "Retry backoff cap (overrides Worker_MaxBackoff)")

	return command
}
