package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/yourusername/video-forge/internal/media"
	"github.com/yourusername/video-forge/internal/storage"
)

// runDownload は動画のダウンロード、必要に応じた横向き変換、サムネイル
// 生成、S3アップロードまでを実行します。進捗はダウンロード中が
// download ステージの 0-100、以降は upload ステージに切り替わります。
func (s *Service) runDownload(ctx context.Context, jobID string, req Request, tr Tracker) {
	if tr.Cancelled() {
		return
	}

	tr.Progress("download", 0, "Starting download...", "", "")

	meta := map[string]any{}
	if info, err := s.tools.FetchMetadata(ctx, req.URL, s.noCheckCertificate); err != nil {
		s.logger.Printf("warn: could not fetch metadata for %s: %v", req.URL, err)
	} else {
		meta["title"] = info.Title
		meta["duration"] = info.Duration
		meta["uploader"] = info.Uploader
		meta["view_count"] = info.ViewCount
		meta["ext"] = info.Ext
		meta["width"] = info.Width
		meta["height"] = info.Height
		tr.SetMeta(meta)
	}

	outputDir := filepath.Join(s.tempDir, "downloads")
	videoPath, err := s.tools.Download(ctx, media.DownloadOptions{
		URL:                req.URL,
		Format:             req.Format,
		OutputDir:          outputDir,
		JobID:              jobID,
		MaxFileSizeMB:      s.maxFileSizeMB,
		NoCheckCertificate: s.noCheckCertificate,
		OnProgress: func(percent float64, speed, eta string) {
			tr.Progress("download", percent, "Downloading...", speed, eta)
		},
		IsCancelled: tr.Cancelled,
	})
	if err != nil {
		failUnlessCancelled(tr, err, "Download failed")
		return
	}
	defer removeIfExists(videoPath)

	if tr.Cancelled() {
		return
	}

	// 縦動画は 1920x1080 へ変換してからアップロードする
	converted := false
	uploadPath := videoPath
	if width, height, err := s.tools.ProbeDimensions(ctx, videoPath); err != nil {
		s.logger.Printf("warn: could not probe dimensions of %s: %v", videoPath, err)
	} else if height > width {
		tr.Progress("upload", 0, "Converting vertical video to horizontal...", "", "")
		convertSpan := span{0, 40}
		convertedPath, err := s.tools.ConvertToHorizontal(ctx, media.ConvertOptions{
			InputPath: videoPath,
			JobID:     jobID,
			OnProgress: func(p float64) {
				tr.Progress("upload", convertSpan.at(p), "Converting vertical video to horizontal...", "", "")
			},
			IsCancelled: tr.Cancelled,
		})
		if err != nil {
			failUnlessCancelled(tr, err, "Failed to convert video")
			return
		}
		defer removeIfExists(convertedPath)
		uploadPath = convertedPath
		converted = true
	}

	if tr.Cancelled() {
		return
	}

	// サムネイルは失敗してもジョブは継続する
	thumbnailPercent := 0.0
	if converted {
		thumbnailPercent = 40
	}
	tr.Progress("upload", thumbnailPercent, "Generating thumbnail...", "", "")
	thumbnailPath := filepath.Join(s.tempDir, "thumb_"+jobID+".jpg")
	if err := s.tools.Thumbnail(ctx, uploadPath, thumbnailPath, s.thumbWidth, s.thumbHeight); err != nil {
		s.logger.Printf("warn: could not generate thumbnail for job %s: %v", jobID, err)
		thumbnailPath = ""
	}
	defer removeIfExists(thumbnailPath)

	uploadStart := 10.0
	if converted {
		uploadStart = 50
	}
	tr.Progress("upload", uploadStart, "Uploading to S3...", "", "")

	uploadSpan := span{uploadStart, uploadStart + 35}
	videoKey := storage.VideoKey(jobID, filepath.Ext(uploadPath))
	if _, err := s.storage.Upload(ctx, uploadPath, videoKey, func(p float64) {
		tr.Progress("upload", uploadSpan.at(p), "Uploading to S3...", "", "")
	}); err != nil {
		failUnlessCancelled(tr, err, "Upload failed")
		return
	}

	meta["s3_key"] = videoKey
	meta["converted_to_horizontal"] = converted
	if info, err := os.Stat(uploadPath); err == nil {
		meta["filesize"] = info.Size()
	}
	if converted {
		meta["width"] = media.TargetWidth
		meta["height"] = media.TargetHeight
	}

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
