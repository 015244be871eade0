package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func Run() {
	var (
		level  string
		pretty bool
	)

	var command = &cobra.Command{
		Use:   "taskrelay",
		Short: "Background tasks with live progress",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(level, pretty)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	command.PersistentFlags().StringVar(&level, "log-level", "info", "Log level (debug, info, warn, error)")
	command.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human readable console logs")

	command.AddCommand(apiCmd())
	command.AddCommand(workerCmd())
	command.AddCommand(watchCmd())
	command.AddCommand(tokenCmd())

	if err := command.Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}

func setupLogging(level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	// log.Ctx on a context without a logger falls back to the global one
	zerolog.DefaultContextLogger = &log.Logger
	return nil
}
