package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	// TargetWidth / TargetHeight は横向き変換の出力解像度です。
	TargetWidth  = 1920
	TargetHeight = 1080
)

// ConvertOptions は横向き変換のパラメータです。
type ConvertOptions struct {
	InputPath   string
	OutputPath  string // 空の場合は入力と同じディレクトリに converted_{jobID}.mp4
	JobID       string
	OnProgress  func(percent float64)
	IsCancelled func() bool
}

// ProbeDimensions は動画の幅と高さを返します。
func (t *Toolset) ProbeDimensions(ctx context.Context, path string) (width, height int, err error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to probe dimensions: %w", err)
	}
	return parseDimensions(string(out))
}

// ProbeDuration は動画の長さを秒で返します。
func (t *Toolset) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to probe duration: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return duration, nil
}

// ConvertToHorizontal は動画を 1920x1080 の横向きフォーマットへ変換します。
// アスペクト比を維持してスケールし、足りない部分は黒でパディングします。
func (t *Toolset) ConvertToHorizontal(ctx context.Context, opts ConvertOptions) (string, error) {
	if _, err := os.Stat(opts.InputPath); err != nil {
		return "", fmt.Errorf("input file not found: %w", err)
	}

	output := opts.OutputPath
	if output == "" {
		output = filepath.Join(filepath.Dir(opts.InputPath), fmt.Sprintf("converted_%s.mp4", opts.JobID))
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o750); err != nil {
		return "", err
	}

	// 進捗計算のため先に全体の長さを得る（失敗しても変換は続行）
	duration, _ := t.ProbeDuration(ctx, opts.InputPath)

	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
		TargetWidth, TargetHeight, TargetWidth, TargetHeight,
	)
	cmd := exec.CommandContext(ctx, t.FFmpeg,
		"-y",
		"-i", opts.InputPath,
		"-vf", vf,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	)

	err := runWithStderrLines(ctx, cmd, func(line string) {
		if opts.OnProgress == nil || duration <= 0 {
			return
		}
		if elapsed, ok := parseProgressClock(line); ok {
			percent := elapsed / duration * 100
			if percent > 100 {
				percent = 100
			}
			opts.OnProgress(percent)
		}
	}, opts.IsCancelled)
	if err != nil {
		_ = os.Remove(output)
		return "", err
	}
	if _, err := os.Stat(output); err != nil {
		return "", fmt.Errorf("converted file missing: %w", err)
	}
	return output, nil
}

var dimensionsRe = regexp.MustCompile(`^(\d+)x(\d+)`)

func parseDimensions(out string) (int, int, error) {
	m := dimensionsRe.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return 0, 0, fmt.Errorf("unexpected ffprobe output: %q", strings.TrimSpace(out))
	}
	width, _ := strconv.Atoi(m[1])
	height, _ := strconv.Atoi(m[2])
	if width == 0 || height == 0 {
		return 0, 0, fmt.Errorf("invalid dimensions: %dx%d", width, height)
	}
	return width, height, nil
}

// progressClockRe は ffmpeg の進捗行 "time=00:01:23.45" にマッチします。
var progressClockRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

func parseProgressClock(line string) (seconds float64, ok bool) {
	m := progressClockRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.ParseFloat(m[1], 64)
	minutes, _ := strconv.ParseFloat(m[2], 64)
	secs, _ := strconv.ParseFloat(m[3], 64)
	return hours*3600 + minutes*60 + secs, true
}
