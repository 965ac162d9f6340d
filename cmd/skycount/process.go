package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"SkyCount/internal/progress"
	"SkyCount/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	inputFlag  string
	outputFlag string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Count people in one video file",
	Long: `Runs a single counting pass over --input and writes the annotated video to
--output, printing progress to the terminal.`,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&inputFlag, "input", "i", "", "Video to process (mp4, avi or mov)")
	processCmd.Flags().StringVarP(&outputFlag, "output", "o", "processed_video.mp4", "Where to write the annotated video")
	_ = processCmd.MarkFlagRequired("input")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	in, err := os.Open(inputFlag)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	s := session.New()
	defer s.Discard()

	reporter := &consoleReporter{out: cmd.OutOrStdout()}
	res, err := a.orchestrator.Process(ctx, s, session.UploadedVideo{
		Filename: filepath.Base(inputFlag),
		Body:     in,
	}, reporter)
	if err != nil {
		a.logger.Error("Processing failed", zap.String("input", inputFlag), zap.Error(err))
		return errors.New(session.UserMessage(err))
	}

	if err := copyFile(res.Artifact.Path, outputFlag); err != nil {
		return err
	}

	if res.Artifact.Empty {
		fmt.Fprintf(cmd.OutOrStdout(), "Video contained no frames; wrote an empty file to %s\n", outputFlag)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Processed %d frames into %s\n", res.Artifact.Frames, outputFlag)
	return nil
}

// consoleReporter draws a single-line progress bar.
type consoleReporter struct {
	out  io.Writer
	last int
}

func (c *consoleReporter) Report(processed, total int) {
	fraction, indeterminate := progress.Fraction(processed, total)
	if indeterminate {
		if processed%25 == 0 {
			fmt.Fprintf(c.out, "\rProcessing video... %d frames", processed)
		}
		return
	}

	percent := int(fraction * 100)
	if percent == c.last && processed != 1 {
		return
	}
	c.last = percent

	const width = 40
	filled := int(fraction * width)
	bar := make([]byte, width)
	for i := range bar {
		if i < filled {
			bar[i] = '#'
		} else {
			bar[i] = '-'
		}
	}
	fmt.Fprintf(c.out, "\r[%s] %3d%% (%d/%d)", bar, percent, processed, total)
}

func (c *consoleReporter) Clear() {
	fmt.Fprintln(c.out)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}
	return out.Close()
}
