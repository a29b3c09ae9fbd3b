package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storymap/api/internal/auth"
	"storymap/api/internal/session"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var userID, name string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			var registry session.Registry
			if strings.TrimSpace(cfg.RedisURL) != "" {
				redisStore, err := session.NewRedisStore(cfg.RedisURL)
				if err != nil {
					return err
				}
				defer redisStore.Close()
				registry = redisStore
			}

			resolver := session.NewResolver(cfg.JWTSecret, cfg.AccessTTL, registry)
			token, expiresAt, err := resolver.Issue(cmd.Context(), auth.User{ID: userID, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
