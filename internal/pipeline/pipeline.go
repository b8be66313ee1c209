// Package pipeline はメディアジョブ（ダウンロード・変換アップロード・分割・
// ストーリーボード生成）の実行フローを提供します。外部ツールの起動は
// internal/media に、成果物の保存は internal/storage に委譲し、進捗は
// Tracker を通じてジョブレジストリへ反映します。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/yourusername/video-forge/internal/keywords"
	"github.com/yourusername/video-forge/internal/library"
	"github.com/yourusername/video-forge/internal/media"
	"github.com/yourusername/video-forge/internal/storage"
)

// Kind はジョブの種別です。
type Kind string

const (
	KindDownload   Kind = "download"
	KindUpload     Kind = "upload"
	KindSplit      Kind = "split"
	KindStoryboard Kind = "storyboard"
)

// Request はジョブ実行に必要な入力一式です。キューのペイロードとして
// JSON でシリアライズされます。
type Request struct {
	Kind Kind `json:"kind"`

	// download / storyboard / split の入力URL
	URL    string `json:"url,omitempty"`
	Format string `json:"format,omitempty"`

	// upload の一時保存パスと元ファイル名
	UploadPath string `json:"uploadPath,omitempty"`
	Filename   string `json:"filename,omitempty"`

	// split のパラメータ
	Start             float64        `json:"start,omitempty"`
	End               float64        `json:"end,omitempty"` // 0 以下は末尾まで
	ConvertHorizontal bool           `json:"convertHorizontal,omitempty"`
	OriginalMeta      map[string]any `json:"originalMeta,omitempty"`

	// storyboard のパラメータ（0 はサービス既定値）。保存済み動画に対する
	// ストーリーボードは SourceKey を持ち、実行開始時にキーから新しい
	// 署名付きURLを発行します。キュー滞留で起動が遅れると親ジョブが
	// 発行したURLは期限切れになっていることがあるためです。
	SourceKey   string  `json:"sourceKey,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	ThumbWidth  int     `json:"thumbWidth,omitempty"`
	ThumbHeight int     `json:"thumbHeight,omitempty"`
}

// Tracker はジョブの進捗と終端状態を記録します。jobs パッケージ側の
// アダプタが実装します。
type Tracker interface {
	Progress(stage string, percent float64, message, speed, eta string)
	SetMeta(meta map[string]any)
	Complete(resultURL string, meta map[string]any)
	Fail(message string)
	Cancelled() bool
}

// Starter は新しいジョブを受け付けて実行を開始します。HTTPハンドラーと、
// 完了後に派生ジョブを起動するランナーの両方が利用します。
type Starter interface {
	Start(ctx context.Context, source string, req Request) (string, error)
}

// ServiceOptions は Service の依存と既定値です。
type ServiceOptions struct {
	Tools    *media.Toolset
	Storage  *storage.Client
	Library  *library.Store
	Keywords *keywords.Extractor
	Logger   *log.Logger

	TempDir            string
	MaxFileSizeMB      int64
	NoCheckCertificate bool
	SceneThreshold     float64
	ThumbnailWidth     int
	ThumbnailHeight    int
}

// Service はジョブ種別ごとの実行フローを束ねます。
type Service struct {
	tools    *media.Toolset
	storage  *storage.Client
	library  *library.Store
	keywords *keywords.Extractor
	spawn    Starter
	logger   *log.Logger

	tempDir            string
	maxFileSizeMB      int64
	noCheckCertificate bool
	sceneThreshold     float64
	thumbWidth         int
	thumbHeight        int
}

// NewService は Service を作成します。
func NewService(opts ServiceOptions) *Service {
	s := &Service{
		tools:              opts.Tools,
		storage:            opts.Storage,
		library:            opts.Library,
		keywords:           opts.Keywords,
		logger:             opts.Logger,
		tempDir:            opts.TempDir,
		maxFileSizeMB:      opts.MaxFileSizeMB,
		noCheckCertificate: opts.NoCheckCertificate,
		sceneThreshold:     opts.SceneThreshold,
		thumbWidth:         opts.ThumbnailWidth,
		thumbHeight:        opts.ThumbnailHeight,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.sceneThreshold <= 0 {
		s.sceneThreshold = 0.3
	}
	if s.thumbWidth <= 0 {
		s.thumbWidth = 320
	}
	if s.thumbHeight <= 0 {
		s.thumbHeight = 180
	}
	return s
}

// SetSpawner は派生ジョブの起動先を設定します。Service と Starter の
// 実装が相互に依存するため、構築後に注入します。
func (s *Service) SetSpawner(spawn Starter) {
	s.spawn = spawn
}

// Run はリクエストの種別に応じたフローを実行します。終端状態
// （complete / error / cancelled）への遷移まで含めてここで完結し、
// エラーは返しません。
func (s *Service) Run(ctx context.Context, jobID string, req Request, tr Tracker) {
	switch req.Kind {
	case KindDownload:
		s.runDownload(ctx, jobID, req, tr)
	case KindUpload:
		s.runUpload(ctx, jobID, req, tr)
	case KindSplit:
		s.runSplit(ctx, jobID, req, tr)
	case KindStoryboard:
		s.runStoryboard(ctx, jobID, req, tr)
	default:
		tr.Fail(fmt.Sprintf("unknown job kind: %s", req.Kind))
	}
}

// span はステージ内の進捗（0-100）をジョブ全体の進捗区間へ写像します。
type span struct {
	lo, hi float64
}

func (w span) at(p float64) float64 {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	return w.lo + (w.hi-w.lo)*p/100
}

// failUnlessCancelled は実行エラーを終端状態へ変換します。キャンセル起因の
// 場合はレジストリ側で既に cancelled へ遷移しているため何もしません。
func failUnlessCancelled(tr Tracker, err error, context string) {
	if errors.Is(err, media.ErrCancelled) || tr.Cancelled() {
		return
	}
	tr.Fail(fmt.Sprintf("%s: %v", context, err))
}

// spawnStoryboard は完了した動画に対するストーリーボード生成ジョブを
// 起動し、子ジョブのIDを返します。起動失敗は親ジョブに影響させません。
// 子には署名付きURLではなく保存キーを渡し、URLは子が実行時に引き直します。
func (s *Service) spawnStoryboard(ctx context.Context, videoURL, videoKey string) (string, bool) {
	if s.spawn == nil {
		return "", false
	}
	childID, err := s.spawn.Start(ctx, "storyboard:"+videoURL, Request{
		Kind:        KindStoryboard,
		URL:         videoURL,
		SourceKey:   videoKey,
		Threshold:   s.sceneThreshold,
		ThumbWidth:  s.thumbWidth,
		ThumbHeight: s.thumbHeight,
	})
	if err != nil {
		s.logger.Printf("warn: failed to start storyboard job for %s: %v", videoURL, err)
		return "", false
	}
	return childID, true
}

func removeIfExists(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
