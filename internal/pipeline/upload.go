package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/video-forge/internal/media"
	"github.com/yourusername/video-forge/internal/storage"
)

// runUpload はアップロードされたファイルを 1920x1080 へ変換し、サムネイル
// とともにS3へ保存します。変換が前半 0-50、アップロードが 60-85 を占めます。
func (s *Service) runUpload(ctx context.Context, jobID string, req Request, tr Tracker) {
	defer removeIfExists(req.UploadPath)

	if tr.Cancelled() {
		return
	}

	tr.Progress("upload", 0, "Converting video to 1920x1080...", "", "")

	convertSpan := span{0, 50}
	convertedPath, err := s.tools.ConvertToHorizontal(ctx, media.ConvertOptions{
		InputPath: req.UploadPath,
		JobID:     jobID,
		OnProgress: func(p float64) {
			tr.Progress("upload", convertSpan.at(p), "Converting video to 1920x1080...", "", "")
		},
		IsCancelled: tr.Cancelled,
	})
	if err != nil {
		failUnlessCancelled(tr, err, "Failed to convert video")
		return
	}
	defer removeIfExists(convertedPath)

	if tr.Cancelled() {
		return
	}

	tr.Progress("upload", 50, "Generating thumbnail...", "", "")
	thumbnailPath := filepath.Join(s.tempDir, "thumb_"+jobID+".jpg")
	if err := s.tools.Thumbnail(ctx, convertedPath, thumbnailPath, s.thumbWidth, s.thumbHeight); err != nil {
		s.logger.Printf("warn: could not generate thumbnail for job %s: %v", jobID, err)
		thumbnailPath = ""
	}
	defer removeIfExists(thumbnailPath)

	tr.Progress("upload", 60, "Uploading to S3...", "", "")

	uploadSpan := span{60, 85}
	videoKey := storage.VideoKey(jobID, ".mp4")
	if _, err := s.storage.Upload(ctx, convertedPath, videoKey, func(p float64) {
		tr.Progress("upload", uploadSpan.at(p), "Uploading to S3...", "", "")
	}); err != nil {
		failUnlessCancelled(tr, err, "Upload failed")
		return
	}

	meta := map[string]any{
		"title":                   strings.TrimSuffix(filepath.Base(req.Filename), filepath.Ext(req.Filename)),
		"uploader":                "Local Upload",
		"format":                  "mp4",
		"ext":                     "mp4",
		"s3_key":                  videoKey,
		"width":                   media.TargetWidth,
		"height":                  media.TargetHeight,
		"converted_to_horizontal": true,
	}
	if info, err := os.Stat(convertedPath); err == nil {
		meta["filesize"] = info.Size()
	}
	if duration, err := s.tools.ProbeDuration(ctx, convertedPath); err == nil {
		meta["duration"] = duration
	}

	if thumbnailPath != "" {
		tr.Progress("upload", 85, "Uploading thumbnail...", "", "")
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
