package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storymap/api/internal/auth"
	"storymap/api/internal/canvas"
	"storymap/api/internal/client"
	"storymap/api/internal/config"
	"storymap/api/internal/gateway"
	"storymap/api/internal/logger"
)

// targetFlags selects the canvas a maintenance command works on, either
// through the local database or a remote API.
type targetFlags struct {
	project string
	user    string
	remote  string
	token   string
}

func (f *targetFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.project, "project", "", "project id")
	cmd.Flags().StringVar(&f.user, "user", "", "user id that owns the canvas (local database only)")
	cmd.Flags().StringVar(&f.remote, "remote", "", "base URL of a running API to use instead of the database")
	cmd.Flags().StringVar(&f.token, "token", "", "bearer token for --remote")
	_ = cmd.MarkFlagRequired("project")
}

// open returns a gateway and a context carrying the caller. The returned
// close func releases the database when one was opened.
func (f *targetFlags) open(ctx context.Context, cfg config.Config, log *logger.Logger) (canvas.Gateway, context.Context, func(), error) {
	if strings.TrimSpace(f.remote) != "" {
		return client.New(f.remote, f.token, log), ctx, func() {}, nil
	}
	if strings.TrimSpace(f.user) == "" {
		return nil, nil, nil, fmt.Errorf("--user is required without --remote")
	}
	db, graph, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx = auth.WithUser(ctx, auth.User{ID: f.user})
	return gateway.New(graph, log), ctx, func() { db.Close() }, nil
}
