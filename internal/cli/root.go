// Package cli implements the steward command line interface.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/stewardbot/steward/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"      _                             _\n" +
		"  ___| |_ _____      ____ _ _ __ __| |\n" +
		" / __| __/ _ \\ \\ /\\ / / _` | '__/ _` |\n" +
		" \\__ \\ ||  __/\\ V  V / (_| | | | (_| |\n" +
		" |___/\\__\\___| \\_/\\_/ \\__,_|_|  \\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "steward - durable reminders, flows and identity for chat assistants",
	Long:  color.CyanString(logo) + "\nA scheduling and identity daemon for multi-channel assistants.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("steward version")
		fmt.Printf("Version: %s\n", version)
	},
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
