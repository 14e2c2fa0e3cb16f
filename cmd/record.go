package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/glrecorder/glrecorder/config"
	"github.com/glrecorder/glrecorder/internal/audio"
	"github.com/glrecorder/glrecorder/internal/encoder"
	"github.com/glrecorder/glrecorder/internal/muxer"
	"github.com/glrecorder/glrecorder/internal/probe"
	"github.com/glrecorder/glrecorder/internal/recorder"
	"github.com/glrecorder/glrecorder/internal/report"
	"github.com/glrecorder/glrecorder/internal/util"
	"github.com/glrecorder/glrecorder/internal/version"
)

type RecordOptions struct {
	VideoPath  string
	AudioPath  string
	OutputPath string
	Format     string
	Speed      float64
	FrameRate  int
	NoAudio    bool
	Report     bool
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a video stream and optional audio into a container",
		Long: `Replays a pre-encoded H.264 Annex-B stream through the encoder pipeline at the
configured frame rate, mixes in an optional ADTS AAC stream as microphone input
and writes the result into a container. Press Ctrl+C to stop early.`,
		Example: `  glrec record --video camera.h264
  glrec record --video camera.h264 --audio mic.aac --format webm --out clip.webm
  glrec record --video camera.h264 --speed 2 --report`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRecord(ctx, cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.VideoPath, "video", "", "H.264 Annex-B elementary stream to record")
	flags.StringVar(&opts.AudioPath, "audio", "", "ADTS AAC stream used as microphone input")
	flags.StringVarP(&opts.OutputPath, "out", "o", "", "Output file (default: timestamped file in the output directory)")
	flags.StringVar(&opts.Format, "format", config.Format(), "Container format ("+strings.Join(muxer.Formats, ", ")+")")
	flags.Float64Var(&opts.Speed, "speed", 1.0, "Playback speed of the recorded video")
	flags.IntVar(&opts.FrameRate, "fps", config.FrameRate(), "Frames fed per second")
	flags.BoolVar(&opts.NoAudio, "no-audio", !config.AudioEnabled(), "Record video only")
	flags.BoolVar(&opts.Report, "report", false, "Write a TOML report next to the recording")
	cmd.MarkFlagRequired("video")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return muxer.Formats, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runRecord(ctx context.Context, out io.Writer, opts *RecordOptions) error {
	logger := util.GetLogger()

	if opts.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %d", opts.FrameRate)
	}
	if !validFormat(opts.Format) {
		return fmt.Errorf("unsupported format %q, want one of %s", opts.Format, strings.Join(muxer.Formats, ", "))
	}

	codec, err := openVideo(opts.VideoPath)
	if err != nil {
		return err
	}
	width, height, ok := codec.Resolution()
	if !ok {
		return fmt.Errorf("failed to read the picture size of %s", opts.VideoPath)
	}

	var source audio.Source
	if opts.AudioPath != "" && !opts.NoAudio {
		source, err = openAudio(opts.AudioPath, logger)
		if err != nil {
			return err
		}
	}

	outputPath, err := resolveOutputPath(opts.OutputPath, opts.Format, time.Now())
	if err != nil {
		return err
	}

	rec, err := recorder.New(recorder.Options{
		Width:            width,
		Height:           height,
		FrameRate:        opts.FrameRate,
		KeyFrameInterval: config.KeyFrameInterval(),
		BitrateFactor:    config.BitrateFactor(),
		Codec:            codec,
		OpenMuxer:        recorder.FileMuxer(opts.Format, outputPath, logger),
		Audio:            source,
		DrainTimeout:     config.DrainTimeout(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	startedAt := time.Now()
	if err := rec.Start(opts.Speed); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	fmt.Fprintf(out, "Recording %dx%d to %s (press %s to stop)\n",
		width, height, color.CyanString(outputPath), color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	total := codec.Frames()
	sp := util.NewUISpinner(out, "Recording")
	feedFrames(ctx, rec, total, opts.FrameRate, func(fed int) {
		sp.Update(fmt.Sprintf("Recording frame %d/%d", fed, total))
	})

	stopErr := rec.Stop()
	if stopErr != nil {
		sp.Fail("Recording failed")
	} else {
		sp.Success("Saved " + outputPath)
	}
	elapsed := time.Since(startedAt)
	stats := rec.Stats()
	printStats(out, stats)

	if opts.Report {
		rep := &report.Report{
			Session:   rec.ID(),
			Output:    outputPath,
			Format:    opts.Format,
			Speed:     opts.Speed,
			StartedAt: startedAt,
			Elapsed:   elapsed.Round(time.Millisecond).String(),
			Stats:     stats,
			Tracks:    probeTracks(outputPath, opts.Format, logger),
			Version:   version.Current(),
		}
		if stopErr != nil {
			rep.Error = stopErr.Error()
		}
		reportPath := report.PathFor(outputPath)
		if err := report.NewStore().Save(reportPath, rep); err != nil {
			logger.Warn("Failed to write report", "path", reportPath, "error", err)
		} else {
			fmt.Fprintf(out, "Report written to %s\n", color.CyanString(reportPath))
		}
	}

	if stopErr != nil {
		return fmt.Errorf("failed to finish recording: %w", stopErr)
	}
	return nil
}

func openVideo(path string) (*encoder.StreamCodec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video stream: %w", err)
	}
	defer f.Close()
	return encoder.NewStreamCodec(f)
}

func openAudio(path string, logger *slog.Logger) (*audio.ADTSSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer f.Close()
	return audio.NewADTSSource(f, clock.RealClock{}, logger)
}

func validFormat(format string) bool {
	for _, f := range muxer.Formats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// resolveOutputPath picks a timestamped file in the output directory when
// no explicit path was given.
func resolveOutputPath(path, format string, now time.Time) (string, error) {
	if path != "" {
		return path, nil
	}
	dir := config.GetOutputDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	name := "glrec-" + now.Format("20060102-150405") + muxer.Extension(format)
	return filepath.Join(dir, name), nil
}

// feedFrames presents one frame per tick until the stream is exhausted or
// ctx is cancelled. It returns the number of frames fed.
func feedFrames(ctx context.Context, rec *recorder.Recorder, frames, frameRate int, progress func(fed int)) int {
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	for i := 0; i < frames; i++ {
		rec.Feed(encoder.TextureHandle(i), time.Now().UnixNano())
		if progress != nil {
			progress(i + 1)
		}
		select {
		case <-ctx.Done():
			return i + 1
		case <-ticker.C:
		}
	}
	return frames
}

func probeTracks(path, format string, logger *slog.Logger) []probe.Track {
	if strings.EqualFold(format, muxer.FormatWebM) {
		return nil
	}
	rep, err := probe.InspectFile(path)
	if err != nil {
		logger.Debug("Skipping track summary", "path", path, "error", err)
		return nil
	}
	tracks := make([]probe.Track, 0, len(rep.Tracks))
	for _, t := range rep.Tracks {
		tracks = append(tracks, *t)
	}
	return tracks
}

var statsColumns = []util.TableColumn{
	{Header: "METRIC", Key: "metric"},
	{Header: "VALUE", Key: "value"},
}

func printStats(out io.Writer, s recorder.Stats) {
	rows := []map[string]interface{}{
		{"metric": "frames fed", "value": s.FramesFed},
		{"metric": "video samples", "value": s.VideoSamples},
		{"metric": "audio samples", "value": s.AudioSamples},
		{"metric": "dropped leading", "value": s.DroppedLeading},
		{"metric": "discarded", "value": s.Discarded},
		{"metric": "write errors", "value": s.WriteErrors},
	}
	util.RenderTable(out, statsColumns, rows)
}
