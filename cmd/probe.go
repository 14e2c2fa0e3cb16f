package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/glrecorder/glrecorder/internal/probe"
	"github.com/glrecorder/glrecorder/internal/util"
)

type ProbeOptions struct {
	Tree bool
}

func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Show the box tree and tracks of an MP4 recording",
		Example: `  glrec probe clip.mp4
  glrec probe clip.mp4 --tree=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.OutOrStdout(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Tree, "tree", true, "Print the box tree")

	return cmd
}

func runProbe(out io.Writer, path string, opts *ProbeOptions) error {
	rep, err := probe.InspectFile(path)
	if err != nil {
		return err
	}

	heading := color.New(color.FgGreen, color.Bold)
	if opts.Tree {
		heading.Fprintln(out, "Boxes")
		for _, b := range rep.Boxes {
			fmt.Fprintf(out, "%s%s (%d bytes)\n", strings.Repeat("  ", b.Depth+1), b.Type, b.Size)
		}
		fmt.Fprintln(out)
	}

	heading.Fprintln(out, "Tracks")
	util.RenderTable(out, trackColumns, trackRows(rep.Tracks))
	return nil
}

var trackColumns = []util.TableColumn{
	{Header: "ID", Key: "id"},
	{Header: "CODEC", Key: "codec"},
	{Header: "SIZE", Key: "size"},
	{Header: "TIMESCALE", Key: "timescale"},
	{Header: "SAMPLES", Key: "samples"},
	{Header: "DURATION", Key: "duration"},
	{Header: "KEY FIRST", Key: "sync"},
	{Header: "FRAGMENTED", Key: "fragmented"},
}

func trackRows(tracks []*probe.Track) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(tracks))
	for _, t := range tracks {
		size := "-"
		if t.Width > 0 && t.Height > 0 {
			size = fmt.Sprintf("%dx%d", t.Width, t.Height)
		}
		duration := "-"
		if t.TimeScale > 0 {
			duration = fmt.Sprintf("%.3fs", float64(t.Duration)/float64(t.TimeScale))
		}
		rows = append(rows, map[string]interface{}{
			"id":         t.ID,
			"codec":      color.New(color.FgCyan).Sprint(t.Codec),
			"size":       size,
			"timescale":  t.TimeScale,
			"samples":    t.Samples,
			"duration":   duration,
			"sync":       t.SyncFirst,
			"fragmented": t.Fragmented,
		})
	}
	return rows
}
