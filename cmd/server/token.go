package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wutangasaf/aml-detection/internal/auth"
	"github.com/wutangasaf/aml-detection/internal/config"
)

func tokenCMD() *cobra.Command {
	var ttl time.Duration
	var token = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a development JWT for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET environment variable is required")
			}
			signed, err := auth.NewJWT(cfg.JWTSecret).GenerateJWT(args[0], ttl)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	token.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	return token
}
