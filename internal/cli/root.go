package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// configFile overrides config discovery for every command.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "debugfactory",
	Short: "debugfactory: bug reports in, pull requests out",
	Long: `debugfactory drives reported bugs through diagnose, patch, QA and pull
request stages using LLM agents, with bounded retries and at most one stage
running per issue.

Configuration is read from ./debugfactory.yaml or ~/.debugfactory/config.yaml.
State lives in ~/.debugfactory/ unless the store section says otherwise.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to debugfactory.yaml")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(triageCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(voiceCmd)
	rootCmd.AddCommand(promptsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
