package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flotilla/internal/tools"
)

var toolsRefresh bool

var toolsCmd = &cobra.Command{
	Use:   "tools <template-id>",
	Short: "Discover the tools a template exposes.",
	Long: `Enumerates a template's tools through the discovery cascade: cached
result, live HTTP probe of a running deployment, ephemeral stdio spawn,
then the template's static tool list.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPlatform()
		if err != nil {
			return err
		}

		manager := tools.NewManager(p.registry, p.manager, &tools.DockerProbeFactory{
			Network: p.cfg.Network.Name,
		})
		discovery := manager.Discover(cmd.Context(), args[0], tools.Options{Refresh: toolsRefresh})

		fmt.Printf("Discovered %s\n\n", discovery)
		if len(discovery.Tools) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, tool := range discovery.Tools {
			fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
		}
		return nil
	},
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsRefresh, "refresh", false, "bypass the cache and probe live")
	rootCmd.AddCommand(toolsCmd)
}
