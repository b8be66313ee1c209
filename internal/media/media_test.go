package media

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestScanConsoleLinesSplitsOnCarriageReturn(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("time=1\rtime=2\r\ntime=3\ntime=4"))
	scanner.Split(scanConsoleLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	want := []string{"time=1", "time=2", "time=3", "time=4"}
	if len(lines) != len(want) {
		t.Fatalf("unexpected lines: %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("unexpected lines: %q want %q", lines, want)
		}
	}
}

func TestRunWithStderrLinesDeliversCarriageReturnStatus(t *testing.T) {
	// ffmpeg のステータス行は \r 区切りで上書き表示されるため、
	// 実行中に1行ずつ届くことを確認する
	script := `for i in 1 2 3; do printf 'time=00:00:0%d.00\r' "$i" >&2; done`
	cmd := exec.Command("/bin/sh", "-c", script)

	var lines []string
	err := runWithStderrLines(context.Background(), cmd, func(line string) {
		if line != "" {
			lines = append(lines, line)
		}
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 status lines, got %q", lines)
	}
	if lines[2] != "time=00:00:03.00" {
		t.Fatalf("unexpected last line: %q", lines[2])
	}
}

func TestRunWithStderrLinesCancelsDuringStatusStream(t *testing.T) {
	// \r 区切りのステータスしか出さないプロセスでも行ごとの
	// キャンセル確認が効き、完走を待たずに終了すること
	script := `i=0; while [ $i -lt 40 ]; do printf 'time=00:00:00.0\r' >&2; sleep 0.1; i=$((i+1)); done`
	cmd := exec.Command("/bin/sh", "-c", script)

	start := time.Now()
	err := runWithStderrLines(context.Background(), cmd, nil, func() bool { return true })
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("process was not killed promptly: %v", elapsed)
	}
}

func TestParseDownloadProgress(t *testing.T) {
	percent, speed, eta, ok := parseDownloadProgress("[download]  42.3% of ~120.51MiB at 1.25MiB/s ETA 00:30")
	if !ok {
		t.Fatalf("expected progress line to parse")
	}
	if percent != 42.3 {
		t.Fatalf("unexpected percent: %f", percent)
	}
	if speed != "1.25MiB/s" {
		t.Fatalf("unexpected speed: %q", speed)
	}
	if eta != "00:30" {
		t.Fatalf("unexpected eta: %q", eta)
	}
}

func TestParseDownloadProgressWithoutSpeed(t *testing.T) {
	percent, speed, eta, ok := parseDownloadProgress("[download] 100.0% of 10.00MiB")
	if !ok {
		t.Fatalf("expected progress line to parse")
	}
	if percent != 100 {
		t.Fatalf("unexpected percent: %f", percent)
	}
	if speed != "" || eta != "" {
		t.Fatalf("expected empty speed/eta, got %q %q", speed, eta)
	}
}

func TestParseDownloadProgressIgnoresOtherLines(t *testing.T) {
	for _, line := range []string{
		"[youtube] abc123: Downloading webpage",
		"[Merger] Merging formats into \"video_x.mp4\"",
		"/tmp/jobs/downloads/video_x.mp4",
		"",
	} {
		if _, _, _, ok := parseDownloadProgress(line); ok {
			t.Fatalf("line should not parse as progress: %q", line)
		}
	}
}

func TestParseProgressClock(t *testing.T) {
	seconds, ok := parseProgressClock("frame= 1234 fps= 30 q=28.0 size=2048kB time=00:01:23.45 bitrate=2000kbits/s")
	if !ok {
		t.Fatalf("expected time to parse")
	}
	if seconds != 83.45 {
		t.Fatalf("unexpected seconds: %f", seconds)
	}

	if _, ok := parseProgressClock("frame=  100 fps=25"); ok {
		t.Fatalf("line without time= should not parse")
	}
}

func TestParseDimensions(t *testing.T) {
	width, height, err := parseDimensions("1080x1920\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if width != 1080 || height != 1920 {
		t.Fatalf("unexpected dimensions: %dx%d", width, height)
	}

	if _, _, err := parseDimensions("N/A"); err == nil {
		t.Fatalf("expected error for non-numeric output")
	}
}

func TestParsePtsTime(t *testing.T) {
	ts, ok := parsePtsTime("[Parsed_showinfo_1 @ 0x55] n:   3 pts: 123456 pts_time:12.345678 duration:0.04")
	if !ok {
		t.Fatalf("expected pts_time to parse")
	}
	if ts != 12.345678 {
		t.Fatalf("unexpected timestamp: %f", ts)
	}

	if _, ok := parsePtsTime("frame=  100 fps=25"); ok {
		t.Fatalf("line without pts_time should not parse")
	}
}

func TestNormalizeSceneTimes(t *testing.T) {
	times := normalizeSceneTimes([]float64{5.0, 5.05, 1.2, 12.7, 12.75, 1.2})
	want := []float64{0, 1.2, 5.0, 12.7}
	if len(times) != len(want) {
		t.Fatalf("unexpected count: got %v", times)
	}
	for i := range want {
		if times[i] != want[i] {
			t.Fatalf("unexpected times: got %v want %v", times, want)
		}
	}
}

func TestNormalizeSceneTimesEmptyAlwaysHasLeadFrame(t *testing.T) {
	times := normalizeSceneTimes(nil)
	if len(times) != 1 || times[0] != 0 {
		t.Fatalf("expected [0], got %v", times)
	}
}

func TestNormalizeSceneTimesKeepsEarlyFirstScene(t *testing.T) {
	// 先頭シーンが 0.1 秒以内に始まる場合は 0.0 を重ねて挿入しない
	times := normalizeSceneTimes([]float64{0.05, 3.0})
	if times[0] != 0.05 {
		t.Fatalf("expected first scene kept, got %v", times)
	}
}

func TestIsIntermediateFragment(t *testing.T) {
	if !isIntermediateFragment("/tmp/downloads/video_abc.f251.webm") {
		t.Fatalf("expected fragment file to be detected")
	}
	if isIntermediateFragment("/tmp/downloads/video_abc.mp4") {
		t.Fatalf("merged file misdetected as fragment")
	}
}

func TestFormatTimestamp(t *testing.T) {
	if got := FormatTimestamp(3723.456); got != "01:02:03.456" {
		t.Fatalf("unexpected format: %s", got)
	}
	if got := FormatTimestamp(0); got != "00:00:00.000" {
		t.Fatalf("unexpected format: %s", got)
	}
}

func TestWriteStoryboardHTML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.html")

	entries := []StoryboardEntry{
		{Index: 0, TimeString: "00:00:00.000", Keywords: []string{"intro", "title"}},
		{Index: 1, TimeString: "00:00:12.300"},
	}
	if err := WriteStoryboardHTML(path, "job-42", "demo.mp4", entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read html: %v", err)
	}
	html := string(data)
	if !strings.Contains(html, "/api/storyboard/job-42/frame/0") {
		t.Fatalf("frame url missing from html")
	}
	if !strings.Contains(html, "Shot #2") {
		t.Fatalf("1-origin shot numbering missing")
	}
	if !strings.Contains(html, "intro, title") {
		t.Fatalf("keywords missing from html")
	}
}
