package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"flotilla/internal/backend"
)

var (
	logsTail   int
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <deployment-id>",
	Short: "Stream a deployment's output.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPlatform()
		if err != nil {
			return err
		}
		stream, err := p.manager.Logs(cmd.Context(), args[0], backend.LogOptions{
			Tail:   logsTail,
			Follow: logsFollow,
		})
		if err != nil {
			return err
		}
		defer stream.Close()
		_, err = io.Copy(os.Stdout, stream)
		return err
	},
}

func init() {
	logsCmd.Flags().IntVar(&logsTail, "tail", 100, "number of trailing lines")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow the log stream")
	rootCmd.AddCommand(logsCmd)
}
