package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// thumbnailOffset はサムネイル抽出位置（秒）です。先頭は黒画面のことが多いため少し進めます。
const thumbnailOffset = 1.0

// Thumbnail は動画から1フレームを JPEG として切り出します。
func (t *Toolset) Thumbnail(ctx context.Context, inputPath, outputPath string, width, height int) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o750); err != nil {
		return err
	}

	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		width, height, width, height,
	)
	cmd := exec.CommandContext(ctx, t.FFmpeg,
		"-y",
		"-ss", formatSeconds(thumbnailOffset),
		"-i", inputPath,
		"-vframes", "1",
		"-vf", vf,
		"-q:v", "2",
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("thumbnail generation failed: %w: %s", err, lastLine(out))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("thumbnail missing: %w", err)
	}
	return nil
}

func lastLine(out []byte) string {
	lines := splitNonEmptyLines(string(out))
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
