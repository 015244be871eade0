package cmd

import (
	"context"
	"taskrelay/internal/api"
	"taskrelay/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server and live gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			log.Info().
				Str("stream", cfg.Redis.StreamKey).
				Str("group", cfg.Redis.Group).
				Str("store", cfg.Store.Driver).
				Msg("API server starting")

			server, err := api.NewServer(context.Background(), cfg)
			if err != nil {
				return err
			}
			server.Run(cfg.API.Port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on (overrides API_Port)")
	return command
}
