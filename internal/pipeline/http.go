package pipeline

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HandlerOptions はジョブ受付ハンドラーの設定です。
type HandlerOptions struct {
	AllowedHosts     []string
	BucketConfigured bool
	TempDir          string
	Logger           *log.Logger
}

func (o HandlerOptions) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

type downloadRequest struct {
	URL    string `json:"url" binding:"required"`
	Format string `json:"format"`
}

type splitRequest struct {
	S3URL               string         `json:"s3_url" binding:"required"`
	StartTime           float64        `json:"start_time"`
	EndTime             *float64       `json:"end_time"`
	ConvertToHorizontal bool           `json:"convert_to_horizontal"`
	OriginalMetadata    map[string]any `json:"original_metadata"`
}

type storyboardRequest struct {
	VideoURL        string   `json:"video_url" binding:"required"`
	Threshold       *float64 `json:"threshold"`
	ThumbnailWidth  int      `json:"thumbnail_width"`
	ThumbnailHeight int      `json:"thumbnail_height"`
}

// DownloadHandler は POST /api/download のハンドラーを返します。
func DownloadHandler(starter Starter, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req downloadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "url is required",
			})
			return
		}
		if err := validateDownloadURL(req.URL, opts.AllowedHosts); err != nil {
			respondWithError(c, err)
			return
		}
		if !opts.BucketConfigured {
			respondBucketNotConfigured(c)
			return
		}

		jobID, err := starter.Start(c.Request.Context(), req.URL, Request{
			Kind:   KindDownload,
			URL:    req.URL,
			Format: req.Format,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		respondJobStarted(c, jobID, "Download job started. Connect to WebSocket to track progress.")
	}
}

// UploadHandler は POST /api/upload のハンドラーを返します。multipart の
// video フィールドを一時保存し、変換ジョブを起動します。ファイル種別は
// 拡張子ではなく内容のスニッフィングで判定します。
func UploadHandler(starter Starter, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !opts.BucketConfigured {
			respondBucketNotConfigured(c)
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart field 'file' is required",
			})
			return
		}

		src, err := fileHeader.Open()
		if err != nil {
			respondWithError(c, err)
			return
		}
		mtype, err := mimetype.DetectReader(src)
		src.Close()
		if err != nil || !strings.HasPrefix(mtype.String(), "video/") {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "File must be a video",
			})
			return
		}

		uploadDir := filepath.Join(opts.TempDir, "uploads")
		if err := os.MkdirAll(uploadDir, 0o750); err != nil {
			respondWithError(c, err)
			return
		}
		tempPath := filepath.Join(uploadDir, "upload_"+uuid.NewString()+filepath.Ext(fileHeader.Filename))
		if err := c.SaveUploadedFile(fileHeader, tempPath); err != nil {
			respondWithError(c, err)
			return
		}

		jobID, err := starter.Start(c.Request.Context(), "upload:"+fileHeader.Filename, Request{
			Kind:       KindUpload,
			UploadPath: tempPath,
			Filename:   fileHeader.Filename,
		})
		if err != nil {
			if removeErr := os.Remove(tempPath); removeErr != nil {
				opts.logger().Printf("warn: failed to remove %s: %v", tempPath, removeErr)
			}
			respondWithError(c, err)
			return
		}
		respondJobStarted(c, jobID, "Upload job started. Connect to WebSocket to track progress.")
	}
}

// SplitHandler は POST /api/split のハンドラーを返します。
func SplitHandler(starter Starter, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req splitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "s3_url is required",
			})
			return
		}
		if req.StartTime < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "start_time must not be negative",
			})
			return
		}
		if req.EndTime != nil && *req.EndTime <= req.StartTime {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "end_time must be greater than start_time",
			})
			return
		}

		end := 0.0
		if req.EndTime != nil {
			end = *req.EndTime
		}
		jobID, err := starter.Start(c.Request.Context(), "split:"+req.S3URL, Request{
			Kind:              KindSplit,
			URL:               req.S3URL,
			Start:             req.StartTime,
			End:               end,
			ConvertHorizontal: req.ConvertToHorizontal,
			OriginalMeta:      req.OriginalMetadata,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		respondJobStarted(c, jobID, "Split job started. Connect to WebSocket to track progress.")
	}
}

// StoryboardHandler は POST /api/storyboard のハンドラーを返します。
func StoryboardHandler(starter Starter, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req storyboardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "video_url is required",
			})
			return
		}
		threshold := 0.0
		if req.Threshold != nil {
			threshold = *req.Threshold
			if threshold <= 0 || threshold >= 1 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "threshold must be between 0 and 1",
				})
				return
			}
		}

		jobID, err := starter.Start(c.Request.Context(), "storyboard:"+req.VideoURL, Request{
			Kind:        KindStoryboard,
			URL:         req.VideoURL,
			Threshold:   threshold,
			ThumbWidth:  req.ThumbnailWidth,
			ThumbHeight: req.ThumbnailHeight,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}
		respondJobStarted(c, jobID, "Storyboard generation started. Connect to WebSocket to track progress.")
	}
}

func respondJobStarted(c *gin.Context, jobID, message string) {
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":   jobID,
		"status":  "started",
		"message": message,
	})
}

func respondBucketNotConfigured(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "CONFIG_ERROR",
		"message": "S3 bucket not configured. Please set S3_BUCKET environment variable.",
	})
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		if apiErr.Code == "LIMIT_EXCEEDED" {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "request was cancelled",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		})
	}
}
