// Package convert transcodes attachments before upload. Conversion is best
// effort: on any failure the original file is passed through unchanged.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/memohai/evernoterobot/internal/media"
)

const DefaultTimeout = time.Minute

var ErrToolUnavailable = errors.New("conversion tool unavailable")

// ConversionError describes one failed tool invocation.
type ConversionError struct {
	Tool   string
	Source string
	Target string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s to %s with %s: %v", e.Source, e.Target, e.Tool, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Output is the file to attach. Converted is false when the original was
// passed through.
type Output struct {
	Path      string
	Mime      string
	Converted bool
}

// Tool is an external converter binary.
type Tool struct {
	Name    string
	Accepts func(source, target string) bool
	Args    func(in, out string) []string
}

// Runner executes a resolved binary.
type Runner func(ctx context.Context, path string, args ...string) error

type Options struct {
	Timeout  time.Duration
	Tools    []Tool
	LookPath func(file string) (string, error)
	Run      Runner
}

type Converter struct {
	logger   *slog.Logger
	timeout  time.Duration
	tools    []Tool
	lookPath func(string) (string, error)
	run      Runner
}

// DefaultTools tries opusdec for ogg voice notes, then ffmpeg for any audio.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name: "opusdec",
			Accepts: func(source, target string) bool {
				return (source == "audio/ogg" || source == "audio/opus") && target == "audio/wav"
			},
			Args: func(in, out string) []string { return []string{"--quiet", in, out} },
		},
		{
			Name: "ffmpeg",
			Accepts: func(source, target string) bool {
				return strings.HasPrefix(source, "audio/") && strings.HasPrefix(target, "audio/")
			},
			Args: func(in, out string) []string {
				return []string{"-y", "-loglevel", "error", "-i", in, out}
			},
		},
	}
}

func New(log *slog.Logger, opts Options) *Converter {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Tools == nil {
		opts.Tools = DefaultTools()
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Run == nil {
		opts.Run = execRun
	}
	return &Converter{
		logger:   log.With(slog.String("service", "convert")),
		timeout:  opts.Timeout,
		tools:    opts.Tools,
		lookPath: opts.LookPath,
		run:      opts.Run,
	}
}

// Convert transcodes in from sourceMime to targetMime. It never fails: when
// no tool succeeds the original path and mime are returned.
func (c *Converter) Convert(ctx context.Context, in, sourceMime, targetMime string) Output {
	source := media.BaseMime(sourceMime)
	target := media.BaseMime(targetMime)
	original := Output{Path: in, Mime: source}
	if target == "" || target == source {
		return original
	}

	out := in + media.ExtensionFromMime(target)
	var failures []error
	for _, tool := range c.tools {
		if !tool.Accepts(source, target) {
			continue
		}
		err := c.runTool(ctx, tool, in, out)
		if err == nil {
			c.logger.Debug("converted", slog.String("tool", tool.Name), slog.String("path", out))
			return Output{Path: out, Mime: target, Converted: true}
		}
		_ = os.Remove(out)
		failures = append(failures, &ConversionError{Tool: tool.Name, Source: source, Target: target, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	if len(failures) == 0 {
		failures = append(failures, &ConversionError{Tool: "none", Source: source, Target: target, Err: ErrToolUnavailable})
	}
	c.logger.Warn("conversion failed, passing original through",
		slog.String("path", in),
		slog.String("source", source),
		slog.String("target", target),
		slog.Any("error", errors.Join(failures...)),
	)
	return original
}

func (c *Converter) runTool(ctx context.Context, tool Tool, in, out string) error {
	bin, err := c.lookPath(tool.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.run(runCtx, bin, tool.Args(in, out)...); err != nil {
		return err
	}
	info, err := os.Stat(out)
	if err != nil {
		return fmt.Errorf("missing output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("empty output")
	}
	return nil
}

func execRun(ctx context.Context, path string, args ...string) error {
	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}
