// Package ffargs maps session render settings to an ffmpeg argument list.
// It is pure (no process invocation) so the drawtext escaping and word
// wrapping stay unit-testable on their own.
package ffargs

import (
	"fmt"
	"strings"

	"tvb/internal/sessions"
)

// Drawtext layout constants tuned for 1080x1920 vertical output.
const (
	wrapLineLen  = 26
	wrapMaxLines = 3
	fontSize     = 86
	lineSpacing  = 18
	boxBorder    = 40
	textBaseline = 520
)

// Spec describes one transform.
type Spec struct {
	Width       int
	Height      int
	AudioPolicy sessions.AudioPolicy
	OverlayText string
	FontPath    string
}

// Build returns the full ffmpeg argument list (binary name excluded) for
// transforming inPath into outPath.
func Build(spec Spec, inPath, outPath string) []string {
	args := []string{
		"-y",
		"-i", inPath,
		"-vf", FilterGraph(spec),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
	}
	if spec.AudioPolicy == sessions.AudioMute {
		args = append(args, "-an")
	} else {
		args = append(args, "-c:a", "copy")
	}
	return append(args, outPath)
}

// FilterGraph builds the -vf expression: scale-and-crop to the target
// frame, plus an optional boxed drawtext overlay.
func FilterGraph(spec Spec) string {
	base := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		spec.Width, spec.Height, spec.Width, spec.Height)

	text := strings.TrimSpace(spec.OverlayText)
	if text == "" {
		return base
	}

	wrapped := WrapText(strings.ToUpper(text), wrapLineLen, wrapMaxLines)
	return base + "," + fmt.Sprintf(
		"drawtext=fontfile='%s':text='%s':fontcolor=black:fontsize=%d:line_spacing=%d:"+
			"box=1:boxcolor=white@0.85:boxborderw=%d:shadowcolor=black@0.25:shadowx=2:shadowy=2:"+
			"x=(w-text_w)/2:y=h-%d",
		EscapeDrawtext(spec.FontPath), EscapeDrawtext(wrapped),
		fontSize, lineSpacing, boxBorder, textBaseline)
}

// EscapeDrawtext escapes a value for embedding in a single-quoted drawtext
// parameter. Backslashes go first so later escapes are not doubled.
func EscapeDrawtext(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, ":", `\:`)
	s = strings.ReplaceAll(s, "'", `\'`)
	return s
}

// WrapText word-wraps text to at most maxLines lines of maxLineLen runes.
// When words are dropped the last line gets an ellipsis.
func WrapText(text string, maxLineLen, maxLines int) string {
	words := strings.Fields(text)
	var lines []string
	line := ""

	for _, w := range words {
		next := w
		if line != "" {
			next = line + " " + w
		}
		if len([]rune(next)) <= maxLineLen {
			line = next
			continue
		}
		if line != "" {
			lines = append(lines, line)
		}
		line = w
		if len(lines) >= maxLines-1 {
			break
		}
	}
	if line != "" && len(lines) < maxLines {
		lines = append(lines, line)
	}

	used := len(strings.Fields(strings.Join(lines, " ")))
	if used < len(words) && len(lines) > 0 {
		last := strings.TrimRight(lines[len(lines)-1], ".")
		lines[len(lines)-1] = last + "…"
	}
	return strings.Join(lines, "\n")
}
