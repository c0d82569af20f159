package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"flotilla/internal/backend"
)

var (
	listTemplateID string
	listAll        bool
	listTemplates  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments, or templates with --templates.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPlatform()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		defer w.Flush()

		if listTemplates {
			fmt.Fprintln(w, "ID\tNAME\tVERSION\tIMAGE\tTRANSPORT\tORIGIN")
			for _, t := range p.registry.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Name, t.Version, t.Image, t.Transport.Default, t.Origin)
			}
			return nil
		}

		deployments, err := p.manager.List(cmd.Context(), backend.ListFilter{
			TemplateID: listTemplateID,
			All:        listAll,
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(w, "DEPLOYMENT\tTEMPLATE\tBACKEND\tSTATUS\tENDPOINT\tCREATED")
		for _, dep := range deployments {
			created := ""
			if !dep.CreatedAt.IsZero() {
				created = dep.CreatedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				dep.ID, dep.TemplateID, dep.Backend, dep.Status, dep.Endpoint, created)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listTemplateID, "template", "", "filter by template id")
	listCmd.Flags().BoolVar(&listAll, "all", false, "include stopped deployments")
	listCmd.Flags().BoolVar(&listTemplates, "templates", false, "list templates instead of deployments")
	rootCmd.AddCommand(listCmd)
}
