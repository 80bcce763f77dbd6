package render

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"tvb/internal/pkg/errors"
)

// FFmpeg runs the ffmpeg binary with a prepared argument list.
type FFmpeg struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

func (f *FFmpeg) Run(ctx context.Context, args []string) error {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "ffmpeg.run", "transform interrupted")
		}
		return errors.Wrap(err, "ffmpeg.run", "ffmpeg exited with error: "+tail(stderr.String(), 500))
	}
	return nil
}

// tail keeps the last n bytes of ffmpeg's stderr, which is where the
// actual failure reason ends up.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
