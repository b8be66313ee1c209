package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// SplitOptions は区間切り出しのパラメータです。Input は保存済み動画のURLでも
// ローカルパスでも構いません（ffmpeg がそのまま読みます）。
type SplitOptions struct {
	Input               string
	OutputPath          string
	Start               float64
	End                 float64 // 0 以下の場合は末尾まで
	ConvertToHorizontal bool
	OnProgress          func(percent float64)
	IsCancelled         func() bool
}

// Split は動画の区間を切り出します。
// -ss を -i より前に置く入力シークで、URL 入力でも範囲外を読みません。
// 変換不要の場合はコーデックコピーで再エンコードを避けます。
func (t *Toolset) Split(ctx context.Context, opts SplitOptions) (string, error) {
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o750); err != nil {
		return "", err
	}

	args := []string{"-y"}
	if opts.Start > 0 {
		args = append(args, "-ss", formatSeconds(opts.Start))
	}
	args = append(args, "-i", opts.Input)

	duration := 0.0
	if opts.End > opts.Start {
		duration = opts.End - opts.Start
		args = append(args, "-t", formatSeconds(duration))
	}

	encode := false
	if opts.ConvertToHorizontal {
		// 縦動画のみ再エンコードする。判定できない場合はコピーに倒す。
		if width, height, err := t.ProbeDimensions(ctx, opts.Input); err == nil && height > width {
			encode = true
		}
	}
	if encode {
		vf := fmt.Sprintf(
			"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
			TargetWidth, TargetHeight, TargetWidth, TargetHeight,
		)
		args = append(args,
			"-vf", vf,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "23",
			"-c:a", "aac",
			"-b:a", "128k",
		)
	} else {
		args = append(args,
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
		)
	}
	args = append(args, opts.OutputPath)

	cmd := exec.CommandContext(ctx, t.FFmpeg, args...)
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
		_ = os.Remove(opts.OutputPath)
		return "", err
	}
	if _, err := os.Stat(opts.OutputPath); err != nil {
		return "", fmt.Errorf("split output missing: %w", err)
	}
	return opts.OutputPath, nil
}

func formatSeconds(s float64) string {
	return fmt.Sprintf("%.3f", s)
}
