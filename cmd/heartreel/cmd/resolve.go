package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heartreel/heartreel/shell"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <path>",
	Short: "Resolve a path once and print the resulting view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig(cmd)
		if err != nil {
			return err
		}
		v, err := newViewer(cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer v.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		settleCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := v.waitSettled(settleCtx); err != nil {
			return fmt.Errorf("waiting for session: %w", err)
		}

		screen := v.app.Navigate(ctx, args[0])
		out := cmd.OutOrStdout()
		title := ""
		if screen.Decision.Site != nil {
			title = screen.Decision.Site.Title
		}
		fmt.Fprintf(out, "%s\t%s\n", screen.Decision.State, title)
		return shell.RenderScreen(out, screen)
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&serverURLFlag, "server", "", "Backend base URL (empty runs without a backend)")
}
