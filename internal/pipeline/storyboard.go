package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/yourusername/video-forge/internal/library"
	"github.com/yourusername/video-forge/internal/media"
	"github.com/yourusername/video-forge/internal/storage"
)

// storyboardFrame は生成された1コマ分の情報です。ジョブのメタデータと
// ライブラリレコードにこの形で記録されます。
type storyboardFrame struct {
	Index     int      `json:"index"`
	Timestamp float64  `json:"timestamp"`
	TimeStr   string   `json:"time_str"`
	S3Key     string   `json:"image_s3_key,omitempty"`
	Keywords  []string `json:"keywords"`

	localPath string
}

// runStoryboard はシーン検出でコマを抽出し、キーワードを付与した
// ストーリーボードHTMLを生成してアップロードします。完了後、親動画の
// ライブラリレコードへコマ情報を書き戻します。
func (s *Service) runStoryboard(ctx context.Context, jobID string, req Request, tr Tracker) {
	if tr.Cancelled() {
		return
	}

	tr.Progress("storyboard", 0, "Starting storyboard generation...", "", "")

	outputDir := filepath.Join(s.tempDir, "storyboards", jobID)
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		tr.Fail(fmt.Sprintf("Failed to create storyboard directory: %v", err))
		return
	}
	defer os.RemoveAll(outputDir)

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = s.sceneThreshold
	}
	thumbWidth, thumbHeight := req.ThumbWidth, req.ThumbHeight
	if thumbWidth <= 0 {
		thumbWidth = s.thumbWidth
	}
	if thumbHeight <= 0 {
		thumbHeight = s.thumbHeight
	}

	source, err := s.storyboardSource(ctx, req)
	if err != nil {
		failUnlessCancelled(tr, err, "Failed to resolve source video URL")
		return
	}

	tr.Progress("storyboard", 10, "Detecting scene changes...", "", "")
	times, err := s.tools.DetectScenes(ctx, source, threshold, tr.Cancelled)
	if err != nil {
		failUnlessCancelled(tr, err, "Scene detection failed")
		return
	}

	tr.Progress("storyboard", 30, fmt.Sprintf("Found %d scenes, extracting frames...", len(times)), "", "")

	frames := make([]*storyboardFrame, 0, len(times))
	extractSpan := span{30, 90}
	for i, timestamp := range times {
		if tr.Cancelled() {
			return
		}
		framePath := filepath.Join(outputDir, fmt.Sprintf("frame_%04d.jpg", i))
		if err := s.tools.ExtractFrame(ctx, source, timestamp, framePath, thumbWidth, thumbHeight); err != nil {
			failUnlessCancelled(tr, err, fmt.Sprintf("Failed to extract frame at %.1fs", timestamp))
			return
		}
		frames = append(frames, &storyboardFrame{
			Index:     i,
			Timestamp: timestamp,
			TimeStr:   media.FormatTimestamp(timestamp),
			Keywords:  []string{},
			localPath: framePath,
		})
		tr.Progress("storyboard", extractSpan.at(float64(i+1)/float64(len(times))*100),
			fmt.Sprintf("Extracting frame %d/%d...", i+1, len(times)), "", "")
	}

	// キーワード抽出は失敗してもストーリーボード自体は成立する
	tr.Progress("storyboard", 80, "Extracting keywords from frames...", "", "")
	keywordSpan := span{80, 85}
	for i, frame := range frames {
		if tr.Cancelled() {
			return
		}
		kws, err := s.keywords.Extract(ctx, frame.localPath)
		if err != nil {
			s.logger.Printf("warn: keyword extraction failed for frame %d: %v", frame.Index, err)
			continue
		}
		if kws != nil {
			frame.Keywords = kws
		}
		tr.Progress("storyboard", keywordSpan.at(float64(i+1)/float64(len(frames))*100),
			fmt.Sprintf("Extracting keywords %d/%d...", i+1, len(frames)), "", "")
	}

	uploadSpan := span{85, 90}
	for i, frame := range frames {
		if tr.Cancelled() {
			return
		}
		tr.Progress("storyboard", uploadSpan.at(float64(i)/float64(len(frames))*100),
			fmt.Sprintf("Uploading frame %d/%d...", i+1, len(frames)), "", "")
		key, err := s.storage.Upload(ctx, frame.localPath, storage.StoryboardFrameKey(jobID, frame.Index), nil)
		if err != nil {
			s.logger.Printf("warn: could not upload frame %d for job %s: %v", frame.Index, jobID, err)
			continue
		}
		frame.S3Key = key
	}

	entries := make([]media.StoryboardEntry, len(frames))
	for i, frame := range frames {
		entries[i] = media.StoryboardEntry{
			Index:      frame.Index,
			TimeString: frame.TimeStr,
			Keywords:   frame.Keywords,
		}
	}
	htmlPath := filepath.Join(outputDir, "index.html")
	if err := media.WriteStoryboardHTML(htmlPath, jobID, storyboardTitle(req.URL), entries); err != nil {
		tr.Fail(fmt.Sprintf("Failed to build storyboard page: %v", err))
		return
	}

	tr.Progress("storyboard", 90, "Uploading storyboard HTML to S3...", "", "")
	htmlSpan := span{90, 95}
	htmlKey, err := s.storage.Upload(ctx, htmlPath, storage.StoryboardHTMLKey(jobID), func(p float64) {
		tr.Progress("storyboard", htmlSpan.at(p), "Uploading storyboard HTML to S3...", "", "")
	})
	if err != nil {
		failUnlessCancelled(tr, err, "Failed to upload storyboard")
		return
	}

	frameMeta := make([]map[string]any, len(frames))
	for i, frame := range frames {
		frameMeta[i] = map[string]any{
			"index":        frame.Index,
			"timestamp":    frame.Timestamp,
			"time_str":     frame.TimeStr,
			"image_s3_key": frame.S3Key,
			"keywords":     frame.Keywords,
		}
	}
	meta := map[string]any{
		"html_s3_key": htmlKey,
		"frame_count": len(frames),
		"frames":      frameMeta,
		"video_url":   source,
	}

	resultURL, err := s.storage.URL(ctx, htmlKey)
	if err != nil {
		failUnlessCancelled(tr, err, "Failed to resolve storyboard URL")
		return
	}

	tr.Complete(resultURL, meta)

	s.backfillParentRecord(ctx, jobID, htmlKey, frameMeta)
}

// backfillParentRecord はこのストーリーボードを起動した親動画の
// ライブラリレコードへコマ情報を反映します。レコードが未登録でも
// ジョブメタデータから参照できるため、失敗はログに留めます。
func (s *Service) backfillParentRecord(ctx context.Context, jobID, htmlKey string, frames []map[string]any) {
	if s.library == nil {
		return
	}
	file, err := s.library.FindFileByStoryboardJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, library.ErrNotFound) {
			s.logger.Printf("warn: could not look up parent record for storyboard %s: %v", jobID, err)
		}
		return
	}
	if file.Metadata == nil {
		file.Metadata = map[string]any{}
	}
	file.Metadata["frames"] = frames
	file.Metadata["storyboard_html_key"] = htmlKey
	file.Metadata["storyboard_completed"] = true
	file.Metadata["storyboard_frame_count"] = len(frames)
	if err := s.library.UpdateFile(ctx, file); err != nil {
		s.logger.Printf("warn: could not update parent record %s with storyboard frames: %v", file.ID, err)
	}
}

// storyboardSource は入力動画のURLを決めます。保存済み動画（SourceKey あり）は
// キーから新しい署名付きURLを発行します。親ジョブが発行したURLは、キューの
// 滞留で実行が遅れると期限切れになっていることがあるためです。
func (s *Service) storyboardSource(ctx context.Context, req Request) (string, error) {
	if req.SourceKey == "" || s.storage == nil {
		return req.URL, nil
	}
	return s.storage.URL(ctx, req.SourceKey)
}

func storyboardTitle(videoURL string) string {
	if u, err := url.Parse(videoURL); err == nil && u.Path != "" && u.Path != "/" {
		return path.Base(u.Path)
	}
	return path.Base(videoURL)
}
