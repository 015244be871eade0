package cmd

import (
	"fmt"
	"taskrelay/internal/auth"
	"taskrelay/internal/config"
	"time"

	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var command = &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Mint a bearer token for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := auth.NewJWT(cfg.Auth.JWTSecret, ttl).Sign(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	command.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to Auth_TokenTTL)")
	return command
}
