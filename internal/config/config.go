// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// オブジェクトストレージ設定（S3互換）
	S3Bucket           string // バケット名
	S3Region           string // リージョン
	S3EndpointURL      string // カスタムエンドポイント（MinIO等）
	AWSAccessKeyID     string // アクセスキー
	AWSSecretAccessKey string // シークレットキー
	S3URLExpiration    int    // 署名付きURLの有効期限（秒）
	S3PublicURLs       bool   // 署名なしの公開URLを使用するか

	// ダウンロード/変換設定
	MaxFileSizeMB      int64  // ダウンロード対象の最大サイズ（MB）
	TempDir            string // 一時ファイル格納ディレクトリ
	AllowedHosts       string // ダウンロードを許可するドメイン（カンマ区切り、空なら制限なし）
	FFmpegPath         string // FFmpeg実行ファイルのパス（空ならPATHから解決）
	FFprobePath        string // FFprobe実行ファイルのパス（空ならPATHから解決）
	YtDlpPath          string // yt-dlp実行ファイルのパス（空ならPATHから解決）
	NoCheckCertificate bool   // ダウンロード時にSSL証明書検証を無効化するか

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL
	JobConcurrency    int    // 同時実行するメディアジョブ数
	JobHistoryMinutes int    // 終了ジョブ履歴のRedis保持時間（分）

	// ストーリーボード設定
	SceneThreshold  float64 // シーン検出のしきい値（0.0-1.0）
	ThumbnailWidth  int     // フレームサムネイルの幅
	ThumbnailHeight int     // フレームサムネイルの高さ

	// キーワード抽出設定
	KeywordBackend  string // "openai", "basic", "auto"
	OpenAIAPIKey    string // OpenAI APIキー
	OpenAIBaseURL   string // カスタムエンドポイント用ベースURL
	OpenAIModel     string // 使用するモデル名
	KeywordMaxCount int    // フレームあたりの最大キーワード数

	// レコードストア設定
	DatabasePath string // SQLiteデータベースファイルのパス
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ストレージ設定
		S3Bucket:           getEnv("S3_BUCKET", ""),
		S3Region:           getEnv("S3_REGION", "us-east-1"),
		S3EndpointURL:      getEnv("S3_ENDPOINT_URL", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3URLExpiration:    getEnvAsInt("S3_URL_EXPIRATION", 3600),
		S3PublicURLs:       getEnvAsBool("S3_PUBLIC_URLS", false),

		// ダウンロード/変換設定
		MaxFileSizeMB:      getEnvAsInt64("MAX_FILE_SIZE_MB", 5000),
		TempDir:            getEnv("TEMP_DIR", "./tmp/jobs"),
		AllowedHosts:       getEnv("ALLOWED_HOSTS", ""),
		FFmpegPath:         getEnv("FFMPEG_PATH", ""),
		FFprobePath:        getEnv("FFPROBE_PATH", ""),
		YtDlpPath:          getEnv("YTDLP_PATH", ""),
		NoCheckCertificate: getEnvAsBool("NO_CHECK_CERTIFICATE", false),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobConcurrency:    getEnvAsInt("JOB_CONCURRENCY", 4),
		JobHistoryMinutes: getEnvAsInt("JOB_HISTORY_MINUTES", 1440),

		// ストーリーボード設定
		SceneThreshold:  getEnvAsFloat("SCENE_THRESHOLD", 0.3),
		ThumbnailWidth:  getEnvAsInt("THUMBNAIL_WIDTH", 320),
		ThumbnailHeight: getEnvAsInt("THUMBNAIL_HEIGHT", 180),

		// キーワード抽出設定
		KeywordBackend:  getEnv("KEYWORD_EXTRACTION_BACKEND", "auto"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		KeywordMaxCount: getEnvAsInt("KEYWORD_MAX_COUNT", 10),

		// レコードストア設定
		DatabasePath: getEnv("DATABASE_PATH", "./data/library.db"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証・ストレージ設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	if c.SceneThreshold < 0 || c.SceneThreshold > 1 {
		return fmt.Errorf("SCENE_THRESHOLD must be between 0.0 and 1.0")
	}
	if c.JobConcurrency <= 0 {
		return fmt.Errorf("JOB_CONCURRENCY must be positive")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
