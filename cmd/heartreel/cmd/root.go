package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "heartreel",
	Short: "heartreel serves romantic streaming-style microsites",
	Long: `heartreel builds and serves personalized "streaming service" microsites
that tell a couple's story. Run the backend with "heartreel server" and browse
sites from the terminal with "heartreel browse".`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
}
