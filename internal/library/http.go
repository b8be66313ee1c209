package library

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// URLSource は保存済みオブジェクトの取得URLを都度生成します。
// 署名付きURLは期限切れになるため、レコードにはキーを保持し、
// 返却時にここで新しいURLへ差し替えます。
type URLSource interface {
	URL(ctx context.Context, key string) (string, error)
	KeyFromURL(rawURL string) string
}

// Handlers はファイル・プレイリストAPIのハンドラー群です。
type Handlers struct {
	store  *Store
	urls   URLSource
	logger *log.Logger
}

// NewHandlers は Handlers を作成します。
func NewHandlers(store *Store, urls URLSource, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.Default()
	}
	return &Handlers{store: store, urls: urls, logger: logger}
}

type saveFileRequest struct {
	S3URL        string         `json:"s3_url"`
	JobID        string         `json:"job_id"`
	Metadata     map[string]any `json:"metadata"`
	VideoWidth   int            `json:"video_width"`
	VideoHeight  int            `json:"video_height"`
	ThumbnailURL string         `json:"thumbnail_url"`
	PlaylistID   string         `json:"playlist_id"`
	CreatedAt    string         `json:"created_at"`
}

// 分割クリップのレコードに持ち込まないストーリーボード項目。
// storyboard_job_id は残し、クリップ自身のストーリーボード完成後に
// フレームが書き戻されます。
var staleStoryboardFields = []string{
	"frames", "html_path", "html_s3_url", "html_s3_key", "frames_dir", "frame_count",
}

// SaveFile は POST /api/files のハンドラーです。
func (h *Handlers) SaveFile(c *gin.Context) {
	var req saveFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "invalid file metadata payload",
		})
		return
	}

	meta := map[string]any{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if isSplit, _ := meta["is_split"].(bool); isSplit {
		for _, field := range staleStoryboardFields {
			delete(meta, field)
		}
	}

	s3Key, _ := meta["s3_key"].(string)
	if s3Key == "" && req.S3URL != "" && h.urls != nil {
		s3Key = h.urls.KeyFromURL(req.S3URL)
	}
	thumbnailKey, _ := meta["thumbnail_key"].(string)
	if thumbnailKey == "" && req.ThumbnailURL != "" && h.urls != nil {
		thumbnailKey = h.urls.KeyFromURL(req.ThumbnailURL)
	}

	file := &File{
		ID:           uuid.NewString(),
		S3URL:        req.S3URL,
		S3Key:        s3Key,
		JobID:        req.JobID,
		Metadata:     meta,
		VideoWidth:   req.VideoWidth,
		VideoHeight:  req.VideoHeight,
		ThumbnailURL: req.ThumbnailURL,
		ThumbnailKey: thumbnailKey,
		PlaylistID:   req.PlaylistID,
	}
	if req.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.CreatedAt); err == nil {
			file.CreatedAt = t
		}
	}

	if err := h.store.SaveFile(c.Request.Context(), file); err != nil {
		h.logger.Printf("failed to save file record: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "failed to save file metadata",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": file.ID, "message": "File metadata saved successfully"})
}

// ListFiles は GET /api/files のハンドラーです。レコードのURLは期限切れの
// 可能性があるため、キーから新しいURLを生成して返します。
func (h *Handlers) ListFiles(c *gin.Context) {
	files, err := h.store.ListFiles(c.Request.Context(), c.Query("playlist_id"))
	if err != nil {
		h.logger.Printf("failed to list file records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "failed to load files",
		})
		return
	}

	for _, file := range files {
		h.refreshURLs(c.Request.Context(), file)
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// refreshURLs はファイルの取得URLを再生成します。キー未保存の古い
// レコードはURLからキーを取り出して保存し直します。
func (h *Handlers) refreshURLs(ctx context.Context, file *File) {
	if h.urls == nil {
		return
	}

	backfilled := false
	if file.S3Key == "" && file.S3URL != "" {
		if key := h.urls.KeyFromURL(file.S3URL); key != "" {
			file.S3Key = key
			backfilled = true
		}
	}
	if file.ThumbnailKey == "" && file.ThumbnailURL != "" {
		if key := h.urls.KeyFromURL(file.ThumbnailURL); key != "" {
			file.ThumbnailKey = key
			backfilled = true
		}
	}
	if backfilled {
		if err := h.store.UpdateFile(ctx, file); err != nil {
			h.logger.Printf("failed to backfill keys for file %s: %v", file.ID, err)
		}
	}

	if file.S3Key != "" {
		if url, err := h.urls.URL(ctx, file.S3Key); err == nil {
			file.S3URL = url
		}
	}
	if file.ThumbnailKey != "" {
		if url, err := h.urls.URL(ctx, file.ThumbnailKey); err == nil {
			file.ThumbnailURL = url
		}
	}
}

type updateFileRequest struct {
	Title *string `json:"title"`
}

// UpdateFile は PUT /api/files/:id のハンドラーです。
func (h *Handlers) UpdateFile(c *gin.Context) {
	var req updateFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "invalid update payload",
		})
		return
	}

	file, err := h.store.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "File not found")
		return
	}

	if req.Title == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No updates provided"})
		return
	}

	if file.Metadata == nil {
		file.Metadata = map[string]any{}
	}
	file.Metadata["title"] = *req.Title
	if err := h.store.UpdateFile(c.Request.Context(), file); err != nil {
		respondStoreError(c, err, "File not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File updated successfully"})
}

// DeleteFile は DELETE /api/files/:id のハンドラーです。
func (h *Handlers) DeleteFile(c *gin.Context) {
	if err := h.store.DeleteFile(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err, "File not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File deleted successfully"})
}

type createPlaylistRequest struct {
	Title         string `json:"title" binding:"required"`
	Description   string `json:"description"`
	PublishStatus string `json:"publish_status"`
}

type updatePlaylistRequest struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	PublishStatus *string `json:"publish_status"`
}

// CreatePlaylist は POST /api/playlists のハンドラーです。
func (h *Handlers) CreatePlaylist(c *gin.Context) {
	var req createPlaylistRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "Playlist title is required",
		})
		return
	}

	playlist := &Playlist{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(req.Title),
		Description:   req.Description,
		PublishStatus: req.PublishStatus,
	}
	if err := h.store.CreatePlaylist(c.Request.Context(), playlist); err != nil {
		h.logger.Printf("failed to create playlist: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "failed to create playlist",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       playlist.ID,
		"playlist": playlist,
		"message":  "Playlist created successfully",
	})
}

// ListPlaylists は GET /api/playlists のハンドラーです。
func (h *Handlers) ListPlaylists(c *gin.Context) {
	playlists, err := h.store.ListPlaylists(c.Request.Context())
	if err != nil {
		h.logger.Printf("failed to list playlists: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "failed to load playlists",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"playlists": playlists})
}

// GetPlaylist は GET /api/playlists/:id のハンドラーです。
func (h *Handlers) GetPlaylist(c *gin.Context) {
	playlist, err := h.store.GetPlaylist(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "Playlist not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"playlist": playlist})
}

// UpdatePlaylist は PUT /api/playlists/:id のハンドラーです。
func (h *Handlers) UpdatePlaylist(c *gin.Context) {
	var req updatePlaylistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "invalid update payload",
		})
		return
	}

	playlist, err := h.store.GetPlaylist(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err, "Playlist not found")
		return
	}

	if req.Title != nil {
		playlist.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		playlist.Description = *req.Description
	}
	if req.PublishStatus != nil {
		playlist.PublishStatus = *req.PublishStatus
	}
	if err := h.store.UpdatePlaylist(c.Request.Context(), playlist); err != nil {
		respondStoreError(c, err, "Playlist not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"playlist": playlist,
		"message":  "Playlist updated successfully",
	})
}

// DeletePlaylist は DELETE /api/playlists/:id のハンドラーです。
// 所属ファイルはプレイリストから外れるだけで削除されません。
func (h *Handlers) DeletePlaylist(c *gin.Context) {
	if err := h.store.DeletePlaylist(c.Request.Context(), c.Param("id")); err != nil {
		respondStoreError(c, err, "Playlist not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Playlist deleted successfully"})
}

func respondStoreError(c *gin.Context, err error, notFoundMessage string) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": notFoundMessage,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "internal server error",
	})
}
