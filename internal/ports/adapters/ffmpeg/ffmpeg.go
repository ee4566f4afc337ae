package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forPelevin/phrasecut/internal/ports"
)

type Adapter struct {
	ffmpeg  string
	ffprobe string
}

func New(ffmpegPath, ffprobePath string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// RenderClip cuts [start, end) out of inPath. The seek happens before the
// input is opened so long sources stay fast. fps may be a fraction like
// "30000/1001"; empty leaves the source rate alone. videoArgs selects the
// video codec, e.g. ["-c:v", "libx264", "-preset", "ultrafast"].
func (a *Adapter) RenderClip(ctx context.Context, inPath string, start, end float64, fps string, videoArgs []string, outPath string) error {
	args := []string{
		"-y",
		"-ss", fmtSeconds(start),
		"-i", inPath,
		"-t", fmtSeconds(end - start),
		"-c:a", "aac",
		"-ac", "2",
	}
	if fps != "" {
		args = append(args, "-r", fps)
	}
	args = append(args, videoArgs...)
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, a.ffmpeg, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return wrapExec("ffmpeg render clip", err, b)
	}
	return nil
}

func (a *Adapter) ProcessVideo(ctx context.Context, inPath string, opts ports.ProcessOpts, outPath string) error {
	args := []string{"-y"}
	if opts.StartTrim > 0 {
		args = append(args, "-ss", fmtSeconds(opts.StartTrim))
	}
	args = append(args, "-i", inPath)
	if opts.Duration > 0 {
		args = append(args, "-t", fmtSeconds(opts.Duration))
	}

	var videoFilters []string
	slowed := opts.Speed > 0 && opts.Speed != 1
	if slowed {
		videoFilters = append(videoFilters, "setpts=PTS/"+fmtRate(opts.Speed))
	}
	if opts.Width > 0 && opts.Height > 0 {
		videoFilters = append(videoFilters, fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
			opts.Width, opts.Height, opts.Width, opts.Height,
		))
	}
	if len(videoFilters) > 0 {
		args = append(args, "-vf", strings.Join(videoFilters, ","))
	}
	if slowed {
		args = append(args, "-af", "atempo="+fmtRate(opts.Speed))
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-vsync", "cfr",
		"-r", "30",
		"-pix_fmt", "yuv420p",
		outPath,
	)

	cmd := exec.CommandContext(ctx, a.ffmpeg, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return wrapExec("ffmpeg process video", err, b)
	}
	return nil
}

// Concat joins the files listed in listPath (concat demuxer syntax).
// codecArgs decides between stream copy and a re-encode; the caller owns
// the full codec selection.
func (a *Adapter) Concat(ctx context.Context, listPath string, codecArgs []string, outPath string) error {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
	}
	args = append(args, codecArgs...)
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, a.ffmpeg, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return wrapExec("ffmpeg concat", err, b)
	}
	return nil
}

func (a *Adapter) ProbeDuration(ctx context.Context, inPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inPath,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, wrapExec("ffprobe duration", err, b)
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return sec, nil
}

// ProbeFPS returns the source frame rate as the raw ffprobe fraction, e.g.
// "24000/1001". Callers fall back to a fixed rate when this fails.
func (a *Adapter) ProbeFPS(ctx context.Context, inPath string) (string, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inPath,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return "", wrapExec("ffprobe fps", err, b)
	}
	rate := strings.TrimSpace(string(b))
	if line, _, found := strings.Cut(rate, "\n"); found {
		rate = strings.TrimSpace(line)
	}
	if rate == "" || rate == "0/0" {
		return "", fmt.Errorf("probe fps: no video frame rate in %s", inPath)
	}
	return rate, nil
}

func (a *Adapter) ProbeDimensions(ctx context.Context, inPath string) (int, int, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		inPath,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, 0, wrapExec("ffprobe dimensions", err, b)
	}
	s := strings.TrimSpace(string(b))
	if line, _, found := strings.Cut(s, "\n"); found {
		s = strings.TrimSpace(line)
	}
	wStr, hStr, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, fmt.Errorf("parse dimensions %q", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(wStr))
	if err != nil {
		return 0, 0, fmt.Errorf("parse width %q: %w", wStr, err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hStr))
	if err != nil {
		return 0, 0, fmt.Errorf("parse height %q: %w", hStr, err)
	}
	return w, h, nil
}

func (a *Adapter) HasVideoStream(ctx context.Context, inPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-select_streams", "v",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		inPath,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return false, wrapExec("ffprobe streams", err, b)
	}
	return strings.Contains(string(b), "video"), nil
}

func (a *Adapter) ListEncoders(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, a.ffmpeg, "-hide_banner", "-encoders")
	b, err := cmd.CombinedOutput()
	if err != nil {
		return "", wrapExec("ffmpeg list encoders", err, b)
	}
	return string(b), nil
}

// ProbeEncoder runs a tiny synthetic encode to check that the given encoder
// actually initializes on this machine, not just that the build lists it.
func (a *Adapter) ProbeEncoder(ctx context.Context, encoder string, args []string) error {
	cmdArgs := []string{
		"-y",
		"-f", "lavfi",
		"-i", "testsrc2=duration=0.2:size=640x480:rate=25",
		"-t", "0.2",
		"-c:v", encoder,
	}
	cmdArgs = append(cmdArgs, args...)
	cmdArgs = append(cmdArgs, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, a.ffmpeg, cmdArgs...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return wrapExec("ffmpeg probe encoder", err, b)
	}
	return nil
}

func wrapExec(op string, err error, output []byte) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ports.ExecError{Tool: op, ExitCode: exitErr.ExitCode(), Stderr: string(output)}
	}
	return fmt.Errorf("%s: %w\n%s", op, err, string(output))
}

func fmtSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func fmtRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}
