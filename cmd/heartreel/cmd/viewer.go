package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/heartreel/heartreel/client"
	"github.com/heartreel/heartreel/internal/config"
	"github.com/heartreel/heartreel/localstore"
	"github.com/heartreel/heartreel/session"
	"github.com/heartreel/heartreel/shell"
	"github.com/heartreel/heartreel/unlock"
	"github.com/heartreel/heartreel/view"
)

var serverURLFlag string

// viewer is a fully wired client-side application.
type viewer struct {
	client   *client.Client
	manager  *session.Manager
	resolver *view.Resolver
	app      *shell.App
	state    *localstore.BoltStore
}

func loadClientConfig(cmd *cobra.Command) (config.Client, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("server") {
		cfg.ServerURL = serverURLFlag
	}
	return cfg, nil
}

// newViewer wires the viewer. The plan cache and access token live in the
// durable state file; unlocked sites last for this process only.
func newViewer(cfg config.Client, logOut io.Writer, opts ...shell.Option) (*viewer, error) {
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.Level()}))

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	state, err := localstore.OpenBolt(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	c := client.New(cfg.ServerURL,
		client.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		client.WithTokenStore(localstore.NewTokenStore(state)),
		client.WithLogger(logger),
	)
	m := session.NewManager(c, c,
		session.WithPlanCache(localstore.NewPlanCache(state)),
		session.WithLogger(logger),
	)
	cache, err := unlock.NewCache(localstore.NewUnlockStorage(localstore.NewMemoryStore()))
	if err != nil {
		logger.Warn("starting with no unlocked sites", "error", err)
	}
	r := view.NewResolver(c, c, view.WithLogger(logger))
	app := shell.New(m, r, cache, c, append([]shell.Option{shell.WithLogger(logger)}, opts...)...)
	return &viewer{client: c, manager: m, resolver: r, app: app, state: state}, nil
}

// waitSettled blocks until the session leaves its initial loading state.
func (v *viewer) waitSettled(ctx context.Context) error {
	snaps, cancel := v.manager.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-snaps:
			if !snap.Loading {
				return nil
			}
		}
	}
}

func (v *viewer) Close() {
	v.manager.Close()
	v.resolver.Wait()
	v.state.Close()
}
