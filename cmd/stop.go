package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout time.Duration
	stopRemove  bool
)

var stopCmd = &cobra.Command{
	Use:   "stop <deployment-id>",
	Short: "Stop a running deployment.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPlatform()
		if err != nil {
			return err
		}
		if stopRemove {
			if err := p.manager.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed deployment %s\n", args[0])
			return nil
		}
		if err := p.manager.Stop(cmd.Context(), args[0], stopTimeout); err != nil {
			return err
		}
		fmt.Printf("Stopped deployment %s\n", args[0])
		return nil
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "graceful shutdown timeout")
	stopCmd.Flags().BoolVar(&stopRemove, "rm", false, "remove the deployment after stopping")
	rootCmd.AddCommand(stopCmd)
}
