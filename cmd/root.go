package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glrecorder/glrecorder/internal/util"
	"github.com/glrecorder/glrecorder/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "glrec",
	Short: "Camera and microphone recorder",
	Long: `glrec encodes rendered video frames and microphone audio and writes them
into an MP4, fragmented MP4 or WebM container.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current().Short())
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
