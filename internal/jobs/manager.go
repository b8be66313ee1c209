package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/video-forge/internal/config"
	"github.com/yourusername/video-forge/internal/pipeline"
)

const (
	taskTypeMedia = "media:process"
	queueMedia    = "media"
)

// TaskPayload はメディア処理ジョブのペイロードです。
type TaskPayload struct {
	JobID   string           `json:"jobId"`
	Request pipeline.Request `json:"request"`
}

// Manager はジョブの受付とワーカーでの実行を担います。
// pipeline.Starter を実装し、HTTPハンドラーと派生ジョブの両方から
// 利用されます。
type Manager struct {
	cfg       *config.Config
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	registry  *Registry
	history   *History
	service   *pipeline.Service
	logger    *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, registry *Registry, history *History, service *pipeline.Service, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if service == nil {
		return nil, errors.New("service is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.JobConcurrency,
			Queues: map[string]int{
				queueMedia: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:       cfg,
		client:    client,
		server:    server,
		inspector: asynq.NewInspector(opt),
		mux:       mux,
		registry:  registry,
		history:   history,
		service:   service,
		logger:    logger,
	}
	mux.HandleFunc(taskTypeMedia, manager.handleMediaTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	if err := m.inspector.Close(); err != nil {
		m.logger.Printf("failed to close inspector: %v", err)
	}
	return m.client.Close()
}

// Start はジョブをレジストリへ登録してキューに投入し、ジョブIDを
// 返します。Registry.Cancel が実行中タスクへ届くよう、タスクの
// 処理中断を呼び出すキャンセル関数を併せて登録します。
func (m *Manager) Start(ctx context.Context, source string, req pipeline.Request) (string, error) {
	jobID := uuid.NewString()
	m.registry.Create(jobID, source)

	body, err := json.Marshal(&TaskPayload{JobID: jobID, Request: req})
	if err != nil {
		m.registry.Fail(jobID, "Failed to encode job payload")
		return "", err
	}

	task := asynq.NewTask(taskTypeMedia, body, asynq.Queue(queueMedia))
	info, err := m.client.EnqueueContext(ctx, task, asynq.TaskID(uuid.NewString()), asynq.MaxRetry(0))
	if err != nil {
		m.registry.Fail(jobID, fmt.Sprintf("Failed to queue job: %v", err))
		return "", err
	}

	taskID := info.ID
	m.registry.SetCancelFunc(jobID, func() {
		if err := m.inspector.CancelProcessing(taskID); err != nil {
			m.logger.Printf("failed to cancel task %s for job %s: %v", taskID, jobID, err)
		}
	})
	return jobID, nil
}

func (m *Manager) handleMediaTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}

	// 実行前にキャンセルされたジョブは起動しない
	if m.registry.IsCancelled(payload.JobID) {
		return nil
	}

	// 業務上の失敗は Run の中で error ステージへ遷移済みなので、
	// asynq へはエラーを返さない（リトライさせない）。
	m.service.Run(ctx, payload.JobID, payload.Request, &tracker{registry: m.registry, jobID: payload.JobID})

	m.saveHistory(payload.JobID)
	return nil
}

// saveHistory は終端状態のスナップショットをRedisへ写します。タスクの
// コンテキストはキャンセル済みの場合があるため使いません。
func (m *Manager) saveHistory(jobID string) {
	if m.history == nil {
		return
	}
	snap, ok := m.registry.Snapshot(jobID)
	if !ok || !snap.Stage.IsTerminal() {
		return
	}
	if err := m.history.Save(context.Background(), snap); err != nil {
		m.logger.Printf("failed to save job history %s: %v", jobID, err)
	}
}

// tracker はレジストリを pipeline.Tracker として公開するアダプタです。
type tracker struct {
	registry *Registry
	jobID    string
}

func (t *tracker) Progress(stage string, percent float64, message, speed, eta string) {
	t.registry.UpdateStatus(t.jobID, Stage(stage), percent, message, speed, eta)
}

func (t *tracker) SetMeta(meta map[string]any) {
	t.registry.SetMeta(t.jobID, meta)
}

func (t *tracker) Complete(resultURL string, meta map[string]any) {
	t.registry.Complete(t.jobID, resultURL, meta)
}

func (t *tracker) Fail(message string) {
	t.registry.Fail(t.jobID, message)
}

func (t *tracker) Cancelled() bool {
	return t.registry.IsCancelled(t.jobID)
}
