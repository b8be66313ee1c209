// Package storage は S3 互換オブジェクトストレージへのアーティファクト保存と
// 取得URLの生成を提供します。
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config はストレージクライアントの設定です。
type Config struct {
	Bucket          string
	Region          string
	EndpointURL     string // MinIO 等のカスタムエンドポイント（空なら AWS 標準）
	AccessKeyID     string
	SecretAccessKey string
	URLExpiration   time.Duration
	PublicURLs      bool // true の場合は署名なしURLを返す
}

// Client は S3 互換ストレージのクライアントです。
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
	cfg     Config
}

// NewClient は Client を作成します。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.URLExpiration <= 0 {
		cfg.URLExpiration = time.Hour
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &Client{
		api:     api,
		presign: s3.NewPresignClient(api),
		cfg:     cfg,
	}, nil
}

// Bucket は設定されたバケット名を返します。
func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// Upload はローカルファイルをアップロードし、オブジェクトキーを返します。
// onProgress にはアップロード済み割合（0-100）が渡されます。
func (c *Client) Upload(ctx context.Context, localPath, key string, onProgress func(percent float64)) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open upload source: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	var body io.Reader = file
	if onProgress != nil && info.Size() > 0 {
		body = &progressReader{file: file, total: info.Size(), onProgress: onProgress}
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentTypeForPath(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return key, nil
}

// URL はオブジェクトの取得URLを生成します。署名付きURLは期限付きのため
// 呼び出しごとに作り直し、キャッシュしません。
func (c *Client) URL(ctx context.Context, key string) (string, error) {
	if c.cfg.PublicURLs {
		return c.publicURL(key), nil
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.cfg.URLExpiration))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Delete はオブジェクトを削除します。
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// KeyFromURL は取得URLからオブジェクトキーを復元します。
// クエリ（署名パラメータ）を捨て、パス形式・仮想ホスト形式の両方を扱います。
// キーを特定できない場合は空文字列を返します。
func (c *Client) KeyFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.TrimPrefix(parsed.Path, "/")
	if p == "" {
		return ""
	}

	// パス形式: /<bucket>/<key>
	if strings.HasPrefix(p, c.cfg.Bucket+"/") {
		return strings.TrimPrefix(p, c.cfg.Bucket+"/")
	}
	// 仮想ホスト形式: <bucket>.s3.<region>.amazonaws.com/<key>
	if strings.HasPrefix(parsed.Host, c.cfg.Bucket+".") {
		return p
	}
	return ""
}

func (c *Client) publicURL(key string) string {
	if c.cfg.EndpointURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.cfg.EndpointURL, "/"), c.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.cfg.Bucket, c.cfg.Region, key)
}

// VideoKey は動画アーティファクトのキーを返します。
func VideoKey(jobID, ext string) string {
	if ext == "" {
		ext = ".mp4"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("videos/%s/video_%s%s", jobID, jobID, ext)
}

// ThumbnailKey はサムネイルのキーを返します。
func ThumbnailKey(jobID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", jobID)
}

// StoryboardFrameKey はストーリーボードフレームのキーを返します。
func StoryboardFrameKey(jobID string, index int) string {
	return fmt.Sprintf("storyboards/%s/frame_%04d.jpg", jobID, index)
}

// StoryboardHTMLKey はストーリーボードHTMLのキーを返します。
func StoryboardHTMLKey(jobID string) string {
	return fmt.Sprintf("storyboards/%s/index.html", jobID)
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".html": "text/html",
}

// ContentTypeForPath は拡張子から Content-Type を決めます。
func ContentTypeForPath(p string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(p))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// progressReader は読み取り量を数えて進捗を報告する io.Reader です。
// 署名リトライ時の巻き戻しに備えて Seek も転送します。
type progressReader struct {
	file       *os.File
	total      int64
	read       int64
	onProgress func(percent float64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.file.Read(p)
	if n > 0 {
		read := atomic.AddInt64(&r.read, int64(n))
		r.onProgress(float64(read) / float64(r.total) * 100)
	}
	return n, err
}

func (r *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.file.Seek(offset, whence)
	if err == nil {
		atomic.StoreInt64(&r.read, pos)
	}
	return pos, err
}
