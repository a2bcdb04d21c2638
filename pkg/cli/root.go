package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	Version = "0.1.0"
	rootCmd *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:           "yoro",
		Short:         "Security analysis for generated web applications",
		Long:          "Yorozuya security analyzer: run static analysis tools against generated apps, drive dynamic scans against running ones, and render reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./yoro.yaml when present)")
	rootCmd.PersistentFlags().String("apps-root", "", "Root directory of generated applications")
	rootCmd.PersistentFlags().String("results-root", "", "Directory where results are written")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("apps_root", rootCmd.PersistentFlags().Lookup("apps-root"))
	_ = viper.BindPFlag("results_root", rootCmd.PersistentFlags().Lookup("results-root"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Subcommands
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newDastCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "yoro %s\n", Version)
		},
	}
}
