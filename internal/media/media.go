// Package media は ffmpeg / ffprobe / yt-dlp を外部プロセスとして呼び出す
// ステージ実行層を提供します。各ランナーは進捗コールバックとキャンセル確認を
// 受け取り、中断時には ErrCancelled を返します。
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrCancelled はユーザー要求によって処理が中断されたことを表します。
// 失敗とは区別して扱います。
var ErrCancelled = errors.New("media: operation cancelled")

// probeTimeout はメタデータ取得系コマンドの実行上限です。
const probeTimeout = 30 * time.Second

// Toolset は解決済みの外部ツールパスを保持します。
type Toolset struct {
	FFmpeg  string
	FFprobe string
	YtDlp   string
}

// NewToolset はツールパスを解決します。設定で明示されたパスを優先し、
// 空の場合は PATH から探します。
func NewToolset(ffmpegPath, ffprobePath, ytdlpPath string) (*Toolset, error) {
	ffmpeg, err := resolveTool(ffmpegPath, "ffmpeg")
	if err != nil {
		return nil, err
	}
	ffprobe, err := resolveTool(ffprobePath, "ffprobe")
	if err != nil {
		return nil, err
	}
	ytdlp, err := resolveTool(ytdlpPath, "yt-dlp")
	if err != nil {
		return nil, err
	}
	return &Toolset{
		FFmpeg:  ffmpeg,
		FFprobe: ffprobe,
		YtDlp:   ytdlp,
	}, nil
}

func resolveTool(configured, name string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

// scanConsoleLines は \n に加えて \r も行区切りとして扱う SplitFunc です。
// ffmpeg は繰り返し表示するステータス行を改行ではなく復帰文字で
// 上書き出力するため、既定の ScanLines では実行終了まで1行も届きません。
func scanConsoleLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// \r\n は1つの区切りとして消費する
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		// 末尾が \r の場合は続く \n を確認するため追加の読み込みを待つ
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// runWithStderrLines はコマンドを実行し、stderr を1行ずつ onLine へ渡します。
// isCancelled が true を返した時点でプロセスを強制終了し ErrCancelled を返します。
func runWithStderrLines(ctx context.Context, cmd *exec.Cmd, onLine func(string), isCancelled func() bool) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	cancelled := false
	var tail []string
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanConsoleLines)
	for scanner.Scan() {
		if isCancelled != nil && isCancelled() {
			cancelled = true
			_ = cmd.Process.Kill()
			break
		}
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > 5 {
			tail = tail[1:]
		}
		if onLine != nil {
			onLine(line)
		}
	}

	waitErr := cmd.Wait()
	if cancelled {
		return ErrCancelled
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if waitErr != nil {
		return fmt.Errorf("%s exited with error: %w: %s", cmd.Path, waitErr, strings.Join(tail, " / "))
	}
	return nil
}
