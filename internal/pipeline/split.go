package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/yourusername/video-forge/internal/media"
	"github.com/yourusername/video-forge/internal/storage"
)

// 分割で引き継がないストーリーボード由来のメタデータ。クリップには
// 新しいストーリーボードが生成されるため元の値は破棄します。
var storyboardMetaFields = []string{
	"frames", "storyboard_job_id", "storyboard_html_s3_url",
	"storyboard_html_key", "storyboard_completed", "storyboard_frame_count",
	"html_path", "html_s3_url", "html_s3_key", "frames_dir", "frame_count",
}

// runSplit は保存済み動画の区間を切り出して新しい成果物として
// アップロードします。ffmpeg はURL入力を直接読めるため、事前の
// ダウンロードは行いません。
func (s *Service) runSplit(ctx context.Context, jobID string, req Request, tr Tracker) {
	if tr.Cancelled() {
		return
	}

	tr.Progress("split", 0, "Splitting video from S3...", "", "")

	outputPath := filepath.Join(s.tempDir, "split_"+jobID+".mp4")
	splitPath, err := s.tools.Split(ctx, media.SplitOptions{
		Input:               req.URL,
		OutputPath:          outputPath,
		Start:               req.Start,
		End:                 req.End,
		ConvertToHorizontal: req.ConvertHorizontal,
		OnProgress: func(p float64) {
			tr.Progress("split", p, "Splitting video...", "", "")
		},
		IsCancelled: tr.Cancelled,
	})
	if err != nil {
		failUnlessCancelled(tr, err, "Failed to split video")
		return
	}
	defer removeIfExists(splitPath)

	if tr.Cancelled() {
		return
	}

	meta := splitMeta(req)

	tr.Progress("upload", 0, "Generating thumbnail...", "", "")
	thumbnailPath := filepath.Join(s.tempDir, "thumb_"+jobID+".jpg")
	if err := s.tools.Thumbnail(ctx, splitPath, thumbnailPath, s.thumbWidth, s.thumbHeight); err != nil {
		s.logger.Printf("warn: could not generate thumbnail for job %s: %v", jobID, err)
		thumbnailPath = ""
	}
	defer removeIfExists(thumbnailPath)

	tr.Progress("upload", 10, "Uploading trimmed video to S3...", "", "")

	uploadSpan := span{10, 90}
	videoKey := storage.VideoKey(jobID, ".mp4")
	if _, err := s.storage.Upload(ctx, splitPath, videoKey, func(p float64) {
		tr.Progress("upload", uploadSpan.at(p), "Uploading trimmed video to S3...", "", "")
	}); err != nil {
		failUnlessCancelled(tr, err, "Upload failed")
		return
	}
	meta["s3_key"] = videoKey

	if thumbnailPath != "" {
		tr.Progress("upload", 90, "Uploading thumbnail...", "", "")
		if key, err := s.storage.Upload(ctx, thumbnailPath, storage.ThumbnailKey(jobID), nil); err != nil {
			s.logger.Printf("warn: could not upload thumbnail for job %s: %v", jobID, err)
		} else {
			meta["thumbnail_key"] = key
			if url, err := s.storage.URL(ctx, key); err == nil {
				meta["thumbnail_url"] = url
			}
		}
	}

	resultURL, err := s.storage.URL(ctx, videoKey)
	if err != nil {
		failUnlessCancelled(tr, err, "Failed to resolve uploaded video URL")
		return
	}

	if childID, ok := s.spawnStoryboard(ctx, resultURL, videoKey); ok {
		meta["storyboard_job_id"] = childID
	}

	tr.Complete(resultURL, meta)
}

// splitMeta は元動画のメタデータからクリップ用のメタデータを組み立てます。
func splitMeta(req Request) map[string]any {
	rangeLabel := fmt.Sprintf("from %.1fs", req.Start)
	if req.End > 0 {
		rangeLabel = fmt.Sprintf("%.1fs-%.1fs", req.Start, req.End)
	}

	meta := map[string]any{}
	if len(req.OriginalMeta) > 0 {
		for k, v := range req.OriginalMeta {
			meta[k] = v
		}
		for _, field := range storyboardMetaFields {
			delete(meta, field)
		}
		title, _ := req.OriginalMeta["title"].(string)
		if title == "" {
			title = "Unknown"
		}
		meta["title"] = fmt.Sprintf("%s (Split %s)", title, rangeLabel)
		meta["original_duration"] = req.OriginalMeta["duration"]
		meta["split_start"] = req.Start
		if req.End > 0 {
			meta["split_end"] = req.End
		}
	} else {
		meta["title"] = fmt.Sprintf("Split Video (%s)", rangeLabel)
		meta["split_start"] = req.Start
		if req.End > 0 {
			meta["split_end"] = req.End
		}
	}
	meta["is_split"] = true
	return meta
}
