package cli

import (
	"os"

	"github.com/shoplane/livechat/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// initialized in PersistentPreRunE
	log *logging.Logger
)

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("LIVECHAT_CONFIG"); v != "" {
		return v
	}
	return "livechat.yaml"
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "livechat",
		Short: "Livechat — customer support chat gateway",
		Long:  "Livechat runs the real-time support chat service: websocket gateway, agent registry, session queue and message log.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default livechat.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAgentCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
