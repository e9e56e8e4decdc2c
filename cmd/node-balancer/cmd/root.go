package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/logger"
)

var (
	configPath string

	cfg *config.Config
	log *slog.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "node-balancer",
	Short: "VPN node health tracking and user load balancing",
	Long: `node-balancer keeps a fleet of 3x-ui VPN nodes under watch:
it probes node panels, places users on the least loaded healthy node
and moves users away from overloaded or failing nodes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return err
		}

		cfg = loaded
		log = logger.New(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
}
