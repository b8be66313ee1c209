package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// VideoMetadata は yt-dlp が報告する動画メタデータです。
type VideoMetadata struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	Uploader  string  `json:"uploader"`
	ViewCount int64   `json:"view_count"`
	Filesize  int64   `json:"filesize"`
	Ext       string  `json:"ext"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

// DownloadOptions はダウンロード実行のパラメータです。
type DownloadOptions struct {
	URL                string
	Format             string // 空の場合は bestvideo+bestaudio/best
	OutputDir          string
	JobID              string
	MaxFileSizeMB      int64
	NoCheckCertificate bool
	OnProgress         func(percent float64, speed, eta string)
	IsCancelled        func() bool
}

// FetchMetadata はダウンロードせずに動画メタデータを取得します。
func (t *Toolset) FetchMetadata(ctx context.Context, url string, noCheckCertificate bool) (*VideoMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{"--dump-json", "--no-download", "--no-warnings"}
	if noCheckCertificate {
		args = append(args, "--no-check-certificate")
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, t.YtDlp, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch video metadata: %w", err)
	}

	var meta VideoMetadata
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse video metadata: %w", err)
	}
	return &meta, nil
}

// Download は yt-dlp で動画を取得し、最終ファイルのパスを返します。
// 進捗は --newline 出力のパースで、最終パスは --print after_move:filepath で得ます。
func (t *Toolset) Download(ctx context.Context, opts DownloadOptions) (string, error) {
	if err := os.MkdirAll(opts.OutputDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	format := opts.Format
	if format == "" {
		format = "bestvideo+bestaudio/best"
	}

	outtmpl := filepath.Join(opts.OutputDir, fmt.Sprintf("video_%s.%%(ext)s", opts.JobID))
	args := []string{
		"--newline",
		"--no-warnings",
		"-f", format,
		"-o", outtmpl,
		"--print", "after_move:filepath",
		"--no-simulate",
	}
	if opts.MaxFileSizeMB > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%dM", opts.MaxFileSizeMB))
	}
	if opts.NoCheckCertificate {
		args = append(args, "--no-check-certificate")
	}
	args = append(args, opts.URL)

	cmd := exec.CommandContext(ctx, t.YtDlp, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start yt-dlp: %w", err)
	}

	// stderr は捨てずに読み切る（パイプ詰まり防止）
	errTail := make(chan string, 1)
	go func() {
		var tail string
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				tail = line
			}
		}
		errTail <- tail
	}()

	finalPath := ""
	cancelled := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if opts.IsCancelled != nil && opts.IsCancelled() {
			cancelled = true
			_ = cmd.Process.Kill()
			break
		}
		line := scanner.Text()
		if percent, speed, eta, ok := parseDownloadProgress(line); ok {
			if opts.OnProgress != nil {
				opts.OnProgress(percent, speed, eta)
			}
			continue
		}
		// 進捗行以外の非空行は after_move:filepath の出力
		if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "[") {
			finalPath = trimmed
		}
	}

	waitErr := cmd.Wait()
	tail := <-errTail
	if cancelled {
		return "", ErrCancelled
	}
	if ctx.Err() != nil {
		return "", ErrCancelled
	}
	if waitErr != nil {
		if tail != "" {
			return "", fmt.Errorf("yt-dlp failed: %s", tail)
		}
		return "", fmt.Errorf("yt-dlp failed: %w", waitErr)
	}
	if finalPath == "" {
		// --print が使えない環境向けのフォールバック: 出力テンプレートに一致する最新ファイル
		found, err := newestMatch(opts.OutputDir, fmt.Sprintf("video_%s.*", opts.JobID))
		if err != nil || found == "" {
			return "", fmt.Errorf("downloaded file not found in %s", opts.OutputDir)
		}
		finalPath = found
	}
	if _, err := os.Stat(finalPath); err != nil {
		return "", fmt.Errorf("downloaded file missing: %w", err)
	}
	return finalPath, nil
}

// downloadProgressRe は "[download]  42.3% of ~120.51MiB at 1.25MiB/s ETA 00:30" 形式にマッチします。
var downloadProgressRe = regexp.MustCompile(`^\[download\]\s+([\d.]+)%(?:\s+of\s+~?\S+)?(?:\s+at\s+(\S+))?(?:\s+ETA\s+(\S+))?`)

func parseDownloadProgress(line string) (percent float64, speed, eta string, ok bool) {
	m := downloadProgressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, "", "", false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", "", false
	}
	speed = m[2]
	eta = m[3]
	if speed == "Unknown" {
		speed = ""
	}
	if eta == "Unknown" {
		eta = ""
	}
	return percent, speed, eta, true
}

// newestMatch はパターンに一致する最も新しいファイルを返します。
// 結合前の中間ファイル（.fNNN 付き）は除外します。
func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}
	newest := ""
	var newestMod int64
	for _, m := range matches {
		if isIntermediateFragment(m) {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = m
			newestMod = mod
		}
	}
	return newest, nil
}

var fragmentRe = regexp.MustCompile(`\.f\d{2,4}\.[^.]+$`)

func isIntermediateFragment(path string) bool {
	return fragmentRe.MatchString(filepath.Base(path))
}
