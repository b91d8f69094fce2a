package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "probectl",
		Short: "probectl starts and observes brand-visibility probe sessions",
		Long: `probectl is the operator CLI for the probe orchestrator.

Common workflows:

  Start a pending session:
    probectl start <session-id>

  Follow live progress until the session finishes:
    probectl watch <session-id>

  Inspect the execution log:
    probectl logs <session-id> --level warning

Configuration:
  PROBE_API_URL    orchestrator API endpoint (default: http://localhost:8081)`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("api-url", "http://localhost:8081", "orchestrator API URL")
	_ = v.BindPFlag("api-url", root.PersistentFlags().Lookup("api-url"))

	clientFor := func() *Client { return NewClient(v.GetString("api-url")) }
	root.AddCommand(
		newStartCmd(clientFor),
		newWatchCmd(clientFor),
		newLogsCmd(clientFor),
	)
	return root
}
