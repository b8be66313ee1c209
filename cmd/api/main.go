// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/video-forge/internal/auth"
	"github.com/yourusername/video-forge/internal/config"
	"github.com/yourusername/video-forge/internal/jobs"
	"github.com/yourusername/video-forge/internal/keywords"
	"github.com/yourusername/video-forge/internal/library"
	"github.com/yourusername/video-forge/internal/media"
	"github.com/yourusername/video-forge/internal/pipeline"
	"github.com/yourusername/video-forge/internal/storage"
	"github.com/yourusername/video-forge/internal/subscribe"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	sessionStore := cookie.NewStore([]byte(cfg.SessionSecret))
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// SIGINT/SIGTERM で停止処理へ移行する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// メディアツール群（ffmpeg / ffprobe / yt-dlp）の解決
	tools, err := media.NewToolset(cfg.FFmpegPath, cfg.FFprobePath, cfg.YtDlpPath)
	if err != nil {
		log.Fatalf("Failed to locate media tools: %v", err)
	}

	// オブジェクトストレージ。バケット未設定のローカル開発でも
	// 起動はできるが、ジョブ受付時に CONFIG_ERROR を返す。
	var storageClient *storage.Client
	if cfg.S3Bucket != "" {
		storageClient, err = storage.NewClient(ctx, storage.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			EndpointURL:     cfg.S3EndpointURL,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			URLExpiration:   time.Duration(cfg.S3URLExpiration) * time.Second,
			PublicURLs:      cfg.S3PublicURLs,
		})
		if err != nil {
			log.Fatalf("Failed to initialize storage client: %v", err)
		}
	} else {
		log.Printf("S3_BUCKET not set; job submission will be rejected until configured")
	}

	// ライブラリ（SQLite）
	store, err := library.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open library database: %v", err)
	}
	defer store.Close()

	// キーワード抽出器
	extractor := keywords.New(keywords.Config{
		Backend:     keywords.Backend(cfg.KeywordBackend),
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.OpenAIModel,
		MaxKeywords: cfg.KeywordMaxCount,
	})

	// ジョブレジストリと購読者への通知
	registry := jobs.NewRegistry(log.Default())
	if storageClient != nil {
		// スナップショット返却時に期限切れの resultUrl を引き直す
		registry.SetRefresher(func(meta map[string]any) (string, bool) {
			key, _ := meta["s3_key"].(string)
			if key == "" {
				return "", false
			}
			url, err := storageClient.URL(context.Background(), key)
			if err != nil {
				return "", false
			}
			return url, true
		})
	}
	notifier := jobs.NewNotifier(registry, log.Default())
	notifier.Start(ctx)

	// 終了ジョブの履歴（Redis）
	redisOpt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		log.Fatalf("Failed to parse QUEUE_REDIS_URL: %v", err)
	}
	historyTTL := time.Duration(cfg.JobHistoryMinutes) * time.Minute
	history := jobs.NewHistory(redis.NewClient(redisOpt), historyTTL)

	// ジョブ実行サービスとワーカー
	service := pipeline.NewService(pipeline.ServiceOptions{
		Tools:              tools,
		Storage:            storageClient,
		Library:            store,
		Keywords:           extractor,
		Logger:             log.Default(),
		TempDir:            cfg.TempDir,
		MaxFileSizeMB:      cfg.MaxFileSizeMB,
		NoCheckCertificate: cfg.NoCheckCertificate,
		SceneThreshold:     cfg.SceneThreshold,
		ThumbnailWidth:     cfg.ThumbnailWidth,
		ThumbnailHeight:    cfg.ThumbnailHeight,
	})
	manager, err := jobs.NewManager(cfg, registry, history, service, log.Default())
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	// ストーリーボードの派生起動のため、ワーカー開始前に注入する
	service.SetSpawner(manager)
	manager.StartWorkers()

	// ルーティングの設定
	setupRoutes(router, cfg, routeDeps{
		registry: registry,
		history:  history,
		store:    store,
		storage:  storageClient,
		manager:  manager,
	})

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("Job manager shutdown: %v", err)
	}
	registry.Shutdown()
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "video-forge-api",
		"version": "0.1.0",
	})
}

type routeDeps struct {
	registry *jobs.Registry
	history  *jobs.History
	store    *library.Store
	storage  *storage.Client
	manager  *jobs.Manager
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, deps routeDeps) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	// 進捗配信のWebSocket。ジョブIDの知識を認可の代わりとする
	router.GET("/ws/:jobId", subscribe.Handler(deps.registry, log.Default()))

	authManager := auth.NewManager(cfg)

	handlerOpts := pipeline.HandlerOptions{
		AllowedHosts:     splitHosts(cfg.AllowedHosts),
		BucketConfigured: deps.storage != nil,
		TempDir:          cfg.TempDir,
		Logger:           log.Default(),
	}
	jobHandlers := newJobAPI(deps.registry, deps.history, deps.store, deps.storage, log.Default())
	libraryHandlers := library.NewHandlers(deps.store, urlSource(deps.storage), log.Default())

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		// メディア系ルートはセッション必須にしない。フロントエンドの
		// ログインUI用に認証エンドポイントだけ提供する
		protected := api.Group("")
		{
			// ジョブ受付
			protected.POST("/download", pipeline.DownloadHandler(deps.manager, handlerOpts))
			protected.POST("/upload", pipeline.UploadHandler(deps.manager, handlerOpts))
			protected.POST("/split", pipeline.SplitHandler(deps.manager, handlerOpts))
			protected.POST("/storyboard", pipeline.StoryboardHandler(deps.manager, handlerOpts))

			// ジョブ状態
			protected.GET("/jobs", jobHandlers.ListJobs)
			protected.GET("/job/:id", jobHandlers.JobStatus)
			protected.POST("/job/:id/cancel", jobHandlers.CancelJob)

			// ストーリーボード参照
			protected.GET("/storyboard/:id/status", jobHandlers.StoryboardStatus)
			protected.GET("/storyboard/:id/frames", jobHandlers.StoryboardFrames)
			protected.GET("/storyboard/:id/frame/:idx", jobHandlers.StoryboardFrame)
			protected.GET("/storyboard/:id/html", jobHandlers.StoryboardHTML)

			// 動画の取得（署名付きURLへのリダイレクト）
			protected.GET("/video/:id", jobHandlers.Video)

			// ライブラリ
			protected.POST("/files", libraryHandlers.SaveFile)
			protected.GET("/files", libraryHandlers.ListFiles)
			protected.PUT("/files/:id", libraryHandlers.UpdateFile)
			protected.DELETE("/files/:id", libraryHandlers.DeleteFile)
			protected.POST("/playlists", libraryHandlers.CreatePlaylist)
			protected.GET("/playlists", libraryHandlers.ListPlaylists)
			protected.GET("/playlists/:id", libraryHandlers.GetPlaylist)
			protected.PUT("/playlists/:id", libraryHandlers.UpdatePlaylist)
			protected.DELETE("/playlists/:id", libraryHandlers.DeletePlaylist)
		}
	}
}

// splitHosts はカンマ区切りの許可ドメインをパースします。空なら制限なし。
func splitHosts(raw string) []string {
	var hosts []string
	for _, host := range strings.Split(raw, ",") {
		if host = strings.TrimSpace(host); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// urlSource は storage.Client を library.URLSource として渡します。
// nil の *storage.Client を非nilインターフェースにしないための変換です。
func urlSource(client *storage.Client) library.URLSource {
	if client == nil {
		return nil
	}
	return client
}
