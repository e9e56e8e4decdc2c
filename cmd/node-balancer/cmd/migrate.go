package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.Driver != config.DriverPostgres {
			return fmt.Errorf("migrations require the %s driver, got %s", config.DriverPostgres, cfg.Database.Driver)
		}

		if err := repository.RunMigrations(cfg.Database.URL); err != nil {
			return err
		}

		log.Info("database migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
