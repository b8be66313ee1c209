package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/video-forge/internal/jobs"
	"github.com/yourusername/video-forge/internal/library"
	"github.com/yourusername/video-forge/internal/storage"
)

// jobAPI はジョブ状態・ストーリーボード・動画URLの読み取り系
// エンドポイント群です。レジストリに無いジョブは履歴とライブラリへ
// フォールバックします。
type jobAPI struct {
	registry *jobs.Registry
	history  *jobs.History
	store    *library.Store
	storage  *storage.Client
	logger   *log.Logger
}

func newJobAPI(registry *jobs.Registry, history *jobs.History, store *library.Store, storageClient *storage.Client, logger *log.Logger) *jobAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &jobAPI{
		registry: registry,
		history:  history,
		store:    store,
		storage:  storageClient,
		logger:   logger,
	}
}

// JobStatus は GET /api/job/:id のハンドラーです。レジストリから消えた
// 終端ジョブはRedisの履歴から返します。
func (a *jobAPI) JobStatus(c *gin.Context) {
	jobID := c.Param("id")
	if strings.TrimSpace(jobID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "job id is required",
		})
		return
	}

	if snap, ok := a.registry.Snapshot(jobID); ok {
		c.JSON(http.StatusOK, snap)
		return
	}

	if a.history != nil {
		snap, err := a.history.Get(c.Request.Context(), jobID)
		if err != nil {
			a.logger.Printf("failed to load job history for %s: %v", jobID, err)
		} else if snap != nil {
			c.JSON(http.StatusOK, snap)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"code":    "JOB_NOT_FOUND",
		"message": "Job not found",
	})
}

// CancelJob は POST /api/job/:id/cancel のハンドラーです。
func (a *jobAPI) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if !a.registry.Cancel(jobID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "Job cannot be cancelled (may already be complete, error, or not found)",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "cancelled",
		"message": "Job cancellation requested",
	})
}

// ListJobs は GET /api/jobs のハンドラーです。
func (a *jobAPI) ListJobs(c *gin.Context) {
	includeCompleted := c.Query("include_completed") == "true"
	c.JSON(http.StatusOK, gin.H{"jobs": a.registry.List(includeCompleted)})
}

// storyboardRecord はストーリーボードの参照に必要なメタデータです。
// ジョブIDはストーリーボードジョブ自身のIDでも、その親となった
// 動画ジョブのIDでも引けます。
type storyboardRecord struct {
	frames  []map[string]any
	htmlKey string
	stage   jobs.Stage
}

// resolveStoryboard はジョブIDからストーリーボード情報を解決します。
// レジストリ → 親ジョブのメタにあるstoryboard_job_id → ライブラリの
// 順に探します。
func (a *jobAPI) resolveStoryboard(ctx context.Context, jobID string) (*storyboardRecord, bool) {
	if snap, ok := a.registry.Snapshot(jobID); ok {
		if rec := storyboardFromMeta(snap.Meta, snap.Stage); rec != nil {
			return rec, true
		}
		// 親ジョブのIDで引かれた場合はリンク先のストーリーボードジョブを見る
		if linked, ok := snap.Meta["storyboard_job_id"].(string); ok && linked != "" {
			if linkedSnap, ok := a.registry.Snapshot(linked); ok {
				if rec := storyboardFromMeta(linkedSnap.Meta, linkedSnap.Stage); rec != nil {
					return rec, true
				}
			}
		}
	}

	if a.store == nil {
		return nil, false
	}
	file, err := a.store.FindFileByStoryboardJob(ctx, jobID)
	if err != nil {
		file, err = a.store.FindFileByJob(ctx, jobID)
	}
	if err != nil || file == nil {
		return nil, false
	}
	if rec := storyboardFromMeta(file.Metadata, jobs.StageComplete); rec != nil {
		return rec, true
	}
	// レコードは見つかったがフレーム未保存（ストーリーボード処理中など）
	return &storyboardRecord{stage: jobs.StageComplete}, true
}

// storyboardFromMeta はメタデータからフレーム一覧とHTMLキーを取り出します。
// どちらも無ければ nil を返します。
func storyboardFromMeta(meta map[string]any, stage jobs.Stage) *storyboardRecord {
	if meta == nil {
		return nil
	}
	frames := framesFromMeta(meta)
	htmlKey, _ := meta["storyboard_html_key"].(string)
	if htmlKey == "" {
		htmlKey, _ = meta["html_s3_key"].(string)
	}
	if len(frames) == 0 && htmlKey == "" {
		return nil
	}
	return &storyboardRecord{frames: frames, htmlKey: htmlKey, stage: stage}
}

// framesFromMeta はメタデータのフレーム一覧を正規化します。レジストリ上は
// []map[string]any、JSON経由（履歴・DB）では []any になるため両方を受けます。
func framesFromMeta(meta map[string]any) []map[string]any {
	switch v := meta["frames"].(type) {
	case []map[string]any:
		return v
	case []any:
		frames := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				frames = append(frames, m)
			}
		}
		return frames
	default:
		return nil
	}
}

// StoryboardStatus は GET /api/storyboard/:id/status のハンドラーです。
// フロントエンドはポーリングで叩くため、未知のIDでも404にせず
// not_found ステータスを200で返します。
func (a *jobAPI) StoryboardStatus(c *gin.Context) {
	jobID := c.Param("id")
	rec, ok := a.resolveStoryboard(c.Request.Context(), jobID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"job_id":      jobID,
			"status":      "not_found",
			"frame_count": 0,
			"has_frames":  false,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":      jobID,
		"status":      string(rec.stage),
		"frame_count": len(rec.frames),
		"has_frames":  len(rec.frames) > 0,
	})
}

// StoryboardFrames は GET /api/storyboard/:id/frames のハンドラーです。
// 各フレームの画像URLは保存キーから都度生成します。
func (a *jobAPI) StoryboardFrames(c *gin.Context) {
	jobID := c.Param("id")
	rec, ok := a.resolveStoryboard(c.Request.Context(), jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "Storyboard not found",
		})
		return
	}

	frames := make([]gin.H, 0, len(rec.frames))
	for i, frame := range rec.frames {
		imageURL := ""
		if key, _ := frame["image_s3_key"].(string); key != "" && a.storage != nil {
			if url, err := a.storage.URL(c.Request.Context(), key); err == nil {
				imageURL = url
			}
		}
		if imageURL == "" {
			imageURL = fmt.Sprintf("/api/storyboard/%s/frame/%d", jobID, i)
		}
		frames = append(frames, gin.H{
			"index":     frame["index"],
			"timestamp": frame["timestamp"],
			"time_str":  frame["time_str"],
			"image_url": imageURL,
			"keywords":  frame["keywords"],
		})
	}
	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

// StoryboardFrame は GET /api/storyboard/:id/frame/:idx のハンドラーです。
// 画像本体は配信せず、新しい署名付きURLへリダイレクトします。
func (a *jobAPI) StoryboardFrame(c *gin.Context) {
	jobID := c.Param("id")
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "invalid frame index",
		})
		return
	}

	rec, ok := a.resolveStoryboard(c.Request.Context(), jobID)
	if !ok || idx >= len(rec.frames) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "Frame not found",
		})
		return
	}

	key, _ := rec.frames[idx]["image_s3_key"].(string)
	a.redirectToKey(c, key, "Frame not found")
}

// StoryboardHTML は GET /api/storyboard/:id/html のハンドラーです。
func (a *jobAPI) StoryboardHTML(c *gin.Context) {
	rec, ok := a.resolveStoryboard(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "Storyboard not found",
		})
		return
	}
	a.redirectToKey(c, rec.htmlKey, "Storyboard HTML not found")
}

// Video は GET /api/video/:id のハンドラーです。ジョブIDから動画の
// 保存キーを解決し、新しい署名付きURLへリダイレクトします。
func (a *jobAPI) Video(c *gin.Context) {
	jobID := c.Param("id")

	key := ""
	if snap, ok := a.registry.Snapshot(jobID); ok {
		key, _ = snap.Meta["s3_key"].(string)
	}
	if key == "" && a.store != nil {
		if file, err := a.store.FindFileByJob(c.Request.Context(), jobID); err == nil {
			key = file.S3Key
			if key == "" {
				key, _ = file.Metadata["s3_key"].(string)
			}
		}
	}
	a.redirectToKey(c, key, "Video not found")
}

func (a *jobAPI) redirectToKey(c *gin.Context, key, notFoundMessage string) {
	if key == "" || a.storage == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": notFoundMessage,
		})
		return
	}
	url, err := a.storage.URL(c.Request.Context(), key)
	if err != nil {
		a.logger.Printf("failed to generate presigned url for %s: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "failed to generate download URL",
		})
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, url)
}
