package cmd

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/glrecorder/glrecorder/internal/version"
)

type VersionOptions struct {
	OutputFormat string
}

func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Example: `  glrec version
  glrec version --output toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "output", "text", "Output format (text or toml)")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "toml"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runVersion(out io.Writer, opts *VersionOptions) error {
	info := version.Current()

	switch opts.OutputFormat {
	case "toml":
		data, err := toml.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to serialize version info: %v", err)
		}
		_, err = out.Write(data)
		return err
	case "text", "":
		fmt.Fprintf(out, "Version:    %s\n", info.Version)
		fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
		fmt.Fprintf(out, "Built:      %s\n", info.FormattedTime)
		fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
		fmt.Fprintf(out, "OS/Arch:    %s/%s\n", info.OS, info.Arch)
		return nil
	}
	return fmt.Errorf("invalid output format %q, want text or toml", opts.OutputFormat)
}
