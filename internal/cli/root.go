// Package cli wires the restora commands: the long-running server and the
// thin clients that talk to it.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/bnema/restora/config"
	"github.com/bnema/restora/internal/infrastructure/logger"
)

type app struct {
	version    string
	configPath string
	serverURL  string
	jsonOutput bool
	cfg        *config.Config
}

// NewRootCommand builds the command tree. version is stamped at build time.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "restora",
		Short: "Hardware-aware video restoration queue",
		Long: `restora detects the accelerator of this host, derives a processing
configuration from it, and runs restoration jobs one at a time.

Examples:
  restora serve                     # start the queue, HTTP API and inbox
  restora detect                    # show what this host can do
  restora submit tape.avi --resolution 1080p --wait
  restora list --status pending`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.serverURL != "" {
				cfg.Client.ServerURL = a.serverURL
			}
			a.cfg = cfg
			return logger.Init(cfg.Log.Format, cfg.Log.Level)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default restora.yaml in . or ~/.config/restora)")
	flags.StringVar(&a.serverURL, "server", "", "restora server URL for client commands (overrides client.server_url)")
	flags.BoolVar(&a.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		a.serveCommand(),
		a.detectCommand(),
		a.recommendCommand(),
		a.submitCommand(),
		a.listCommand(),
		a.statusCommand(),
		a.cancelCommand(),
		a.removeCommand(),
		a.versionCommand(),
	)
	return root
}
