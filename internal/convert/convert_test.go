package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func voiceFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "voice.ogg")
	require.NoError(t, os.WriteFile(p, []byte("OggS"), 0o644))
	return p
}

func lookAll(file string) (string, error) { return "/usr/bin/" + file, nil }

func lookNone(file string) (string, error) { return "", exec404(file) }

func exec404(file string) error { return errors.New(file + ": executable file not found in $PATH") }

// writeOutput fakes a tool that writes its last argument.
func writeOutput(_ context.Context, _ string, args ...string) error {
	return os.WriteFile(args[len(args)-1], []byte("RIFF"), 0o644)
}

func TestConvertFallsBackWhenToolMissing(t *testing.T) {
	t.Parallel()
	in := voiceFile(t)
	c := New(nil, Options{LookPath: lookNone, Run: func(context.Context, string, ...string) error {
		t.Fatal("runner must not be called without a binary")
		return nil
	}})

	out := c.Convert(context.Background(), in, "audio/ogg", "audio/wav")
	assert.Equal(t, Output{Path: in, Mime: "audio/ogg"}, out)
	_, err := os.Stat(out.Path)
	assert.NoError(t, err)
}

func TestConvertFallsBackWhenEveryToolFails(t *testing.T) {
	t.Parallel()
	in := voiceFile(t)
	var tried []string
	c := New(nil, Options{LookPath: lookAll, Run: func(_ context.Context, path string, _ ...string) error {
		tried = append(tried, filepath.Base(path))
		return errors.New("exit status 1")
	}})

	out := c.Convert(context.Background(), in, "audio/ogg; codecs=opus", "audio/wav")
	assert.False(t, out.Converted)
	assert.Equal(t, in, out.Path)
	assert.Equal(t, "audio/ogg", out.Mime)
	assert.Equal(t, []string{"opusdec", "ffmpeg"}, tried)
	_, err := os.Stat(in + ".wav")
	assert.True(t, os.IsNotExist(err))
}

func TestConvertUsesFirstWorkingTool(t *testing.T) {
	t.Parallel()
	in := voiceFile(t)
	var used string
	c := New(nil, Options{LookPath: lookAll, Run: func(ctx context.Context, path string, args ...string) error {
		used = filepath.Base(path)
		return writeOutput(ctx, path, args...)
	}})

	out := c.Convert(context.Background(), in, "audio/ogg", "audio/wav")
	assert.Equal(t, Output{Path: in + ".wav", Mime: "audio/wav", Converted: true}, out)
	assert.Equal(t, "opusdec", used)
}

func TestConvertFallsThroughToFFmpeg(t *testing.T) {
	t.Parallel()
	in := voiceFile(t)
	c := New(nil, Options{
		LookPath: func(file string) (string, error) {
			if file == "opusdec" {
				return "", exec404(file)
			}
			return "/usr/bin/" + file, nil
		},
		Run: writeOutput,
	})

	out := c.Convert(context.Background(), in, "audio/ogg", "audio/mpeg")
	require.True(t, out.Converted)
	assert.Equal(t, in+".mp3", out.Path)
	assert.Equal(t, "audio/mpeg", out.Mime)
}

func TestConvertRejectsEmptyOutput(t *testing.T) {
	t.Parallel()
	in := voiceFile(t)
	c := New(nil, Options{LookPath: lookAll, Run: func(_ context.Context, _ string, args ...string) error {
		return os.WriteFile(args[len(args)-1], nil, 0o644)
	}})

	out := c.Convert(context.Background(), in, "audio/ogg", "audio/wav")
	assert.False(t, out.Converted)
	assert.Equal(t, in, out.Path)
}

func TestConvertNoopForSameOrEmptyTarget(t *testing.T) {
	t.Parallel()
	c := New(nil, Options{LookPath: lookNone})
	assert.Equal(t, Output{Path: "/a.jpg", Mime: "image/jpeg"}, c.Convert(context.Background(), "/a.jpg", "image/jpeg", ""))
	assert.Equal(t, Output{Path: "/a.wav", Mime: "audio/wav"}, c.Convert(context.Background(), "/a.wav", "audio/wav", "audio/wav"))
}

func TestConversionErrorUnwraps(t *testing.T) {
	t.Parallel()
	err := &ConversionError{Tool: "ffmpeg", Source: "audio/ogg", Target: "audio/wav", Err: ErrToolUnavailable}
	assert.ErrorIs(t, err, ErrToolUnavailable)
	assert.Contains(t, err.Error(), "ffmpeg")
}
