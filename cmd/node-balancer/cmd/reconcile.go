package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute node user counters from active assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		corrected, err := a.balancer.ReconcileCounters(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Corrected nodes: %d\n", corrected)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
