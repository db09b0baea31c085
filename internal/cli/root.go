package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/deadops/deadops/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"     _                _                 \n" +
		"  __| | ___  __ _  __| | ___  _ __  ___ \n" +
		" / _` |/ _ \\/ _` |/ _` |/ _ \\| '_ \\/ __|\n" +
		"| (_| |  __/ (_| | (_| | (_) | |_) \\__ \\\n" +
		" \\__,_|\\___|\\__,_|\\__,_|\\___/| .__/|___/\n" +
		"                             |_|        \n"
)

var rootCmd = &cobra.Command{
	Use:   "deadops",
	Short: "deadops - multi-agent DevSecOps coordination",
	Long:  color.CyanString(logo) + "\nCoordinates security, pipeline and notification agents over a shared message bus.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(incidentCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(initCmd)
}
