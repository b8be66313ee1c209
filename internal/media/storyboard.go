package media

import (
	"context"
	"fmt"
	"html/template"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// minSceneGap はシーン候補の最小間隔（秒）です。これ未満の近接は重複として捨てます。
const minSceneGap = 0.1

// DetectScenes はシーン切り替えのタイムスタンプを検出します。
// しきい値を超えるフレームを select フィルタで抜き出し、showinfo の
// pts_time をパースします。先頭フレーム（0.0秒）は常に含まれます。
func (t *Toolset) DetectScenes(ctx context.Context, input string, threshold float64, isCancelled func() bool) ([]float64, error) {
	cmd := exec.CommandContext(ctx, t.FFmpeg,
		"-i", input,
		"-vf", fmt.Sprintf("select='gt(scene,%g)',showinfo", threshold),
		"-f", "null",
		"-",
	)

	var times []float64
	err := runWithStderrLines(ctx, cmd, func(line string) {
		if ts, ok := parsePtsTime(line); ok {
			times = append(times, ts)
		}
	}, isCancelled)
	if err != nil {
		return nil, err
	}
	return normalizeSceneTimes(times), nil
}

// ExtractFrame は指定タイムスタンプのフレームを JPEG として保存します。
func (t *Toolset) ExtractFrame(ctx context.Context, input string, timestamp float64, outputPath string, width, height int) error {
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
		"-ss", formatSeconds(timestamp),
		"-i", input,
		"-vframes", "1",
		"-vf", vf,
		"-q:v", "2",
		outputPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("frame extraction at %.3fs failed: %w: %s", timestamp, err, lastLine(out))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return fmt.Errorf("extracted frame missing: %w", err)
	}
	return nil
}

var ptsTimeRe = regexp.MustCompile(`pts_time:([\d.]+)`)

func parsePtsTime(line string) (float64, bool) {
	m := ptsTimeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	ts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// normalizeSceneTimes はタイムスタンプを昇順に整列し、0.1秒未満の近接を除去します。
// 先頭フレームがない場合は 0.0 を先頭に挿入します。
func normalizeSceneTimes(times []float64) []float64 {
	sorted := append([]float64(nil), times...)
	sort.Float64s(sorted)
	if len(sorted) == 0 || sorted[0] > minSceneGap {
		sorted = append([]float64{0}, sorted...)
	}

	filtered := sorted[:1]
	for _, ts := range sorted[1:] {
		if ts-filtered[len(filtered)-1] >= minSceneGap {
			filtered = append(filtered, ts)
		}
	}
	return filtered
}

// FormatTimestamp は秒を HH:MM:SS.mmm 形式にします。
func FormatTimestamp(seconds float64) string {
	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	millis := int((seconds - float64(int(seconds))) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, secs, millis)
}

// StoryboardEntry はストーリーボードHTMLの1コマ分の情報です。
type StoryboardEntry struct {
	Index      int
	TimeString string
	Keywords   []string
}

var storyboardFuncs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

var storyboardTemplate = template.Must(template.New("storyboard").Funcs(storyboardFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Video Storyboard{{if .Title}} - {{.Title}}{{end}}</title>
<style>
body { font-family: 'Segoe UI', Tahoma, sans-serif; background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); padding: 20px; min-height: 100vh; margin: 0; }
.container { max-width: 1400px; margin: 0 auto; background: white; border-radius: 12px; box-shadow: 0 10px 40px rgba(0,0,0,0.2); padding: 30px; }
h1 { color: #333; text-align: center; }
.subtitle { text-align: center; color: #666; margin-bottom: 30px; }
.stats { text-align: center; margin-bottom: 30px; padding: 20px; background: #f8f9fa; border-radius: 8px; }
.stat-value { font-size: 2em; font-weight: bold; color: #667eea; }
.stat-label { color: #666; font-size: 0.9em; }
.grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(300px, 1fr)); gap: 20px; }
.card { background: #fff; border-radius: 8px; overflow: hidden; box-shadow: 0 4px 6px rgba(0,0,0,0.1); }
.card img { width: 100%; height: 180px; object-fit: cover; display: block; }
.info { padding: 15px; background: #f8f9fa; }
.number { font-weight: bold; color: #667eea; }
.time { color: #666; font-size: 0.9em; }
.keywords { color: #888; font-size: 0.85em; margin-top: 5px; }
</style>
</head>
<body>
<div class="container">
<h1>Video Storyboard</h1>
<div class="subtitle">Scene changes detected and extracted</div>
<div class="stats"><span class="stat-value">{{len .Entries}}</span> <span class="stat-label">Scenes Detected</span></div>
<div class="grid">
{{- range .Entries}}
<div class="card">
<img src="/api/storyboard/{{$.JobID}}/frame/{{.Index}}" alt="Frame at {{.TimeString}}" loading="lazy">
<div class="info">
<div class="number">Shot #{{.Index | inc}}</div>
<div class="time">{{.TimeString}}</div>
{{- if .Keywords}}
<div class="keywords">{{join .Keywords ", "}}</div>
{{- end}}
</div>
</div>
{{- end}}
</div>
</div>
</body>
</html>
`))

// WriteStoryboardHTML はフレーム一覧のHTMLページを書き出します。
// 画像はストーリーボードAPI経由で配信される前提のURLを参照します。
func WriteStoryboardHTML(path, jobID, title string, entries []StoryboardEntry) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open storyboard html: %w", err)
	}
	defer file.Close()

	return storyboardTemplate.Execute(file, struct {
		JobID   string
		Title   string
		Entries []StoryboardEntry
	}{JobID: jobID, Title: title, Entries: entries})
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}
