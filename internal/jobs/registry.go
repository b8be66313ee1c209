// Package jobs はメディアジョブの状態管理と非同期実行を提供します。
package jobs

import (
	"log"
	"sort"
	"sync"
	"time"
)

// URLRefresher は保存済みアーティファクトの取得URLを再生成します。
// 署名付きURLは期限切れになるため、スナップショット取得のたびに
// メタデータ中のストレージキーから作り直します。
type URLRefresher func(meta map[string]any) (string, bool)

// job はレジストリ内部のジョブ状態です。フィールドは Registry.mu で保護されます。
type job struct {
	id              string
	source          string
	stage           Stage
	percent         float64
	message         string
	speed           string
	eta             string
	resultURL       string
	meta            map[string]any
	createdAt       time.Time
	cancelRequested bool
	cancel          func()
	subscribers     map[Subscriber]struct{}
}

// Registry は実行中ジョブの状態をメモリ上で管理します。
// すべての操作は未知のジョブIDに対して no-op（または false）となります。
type Registry struct {
	mu        sync.Mutex
	jobs      map[string]*job
	notifier  *Notifier
	refresher URLRefresher
	logger    *log.Logger
}

// NewRegistry は Registry を作成します。
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		jobs:   make(map[string]*job),
		logger: logger,
	}
}

// SetRefresher は結果URLの再生成フックを設定します。起動時に一度だけ呼びます。
func (r *Registry) SetRefresher(fn URLRefresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresher = fn
}

// Create はジョブを pending 状態で登録します。既存IDの場合は何もしません。
func (r *Registry) Create(jobID, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; ok {
		return
	}
	r.jobs[jobID] = &job{
		id:          jobID,
		source:      source,
		stage:       StagePending,
		message:     "waiting",
		createdAt:   time.Now().UTC(),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// UpdateStatus はジョブの段階と進捗を更新し、購読者へ通知します。
// 終端状態のジョブは変更されません。
func (r *Registry) UpdateStatus(jobID string, stage Stage, percent float64, message, speed, eta string) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok || j.stage.IsTerminal() {
		r.mu.Unlock()
		return
	}
	j.stage = stage
	j.percent = clampPercent(percent)
	j.message = message
	j.speed = speed
	j.eta = eta
	r.mu.Unlock()

	r.notify(jobID)
}

// SetMeta はジョブのメタデータを丸ごと置き換えます。終端状態では無視されます。
func (r *Registry) SetMeta(jobID string, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.stage.IsTerminal() {
		return
	}
	j.meta = copyMeta(meta)
}

// Complete はジョブを完了状態にし、結果URLとメタデータを確定させます。
func (r *Registry) Complete(jobID, resultURL string, meta map[string]any) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok || j.stage.IsTerminal() {
		r.mu.Unlock()
		return
	}
	j.stage = StageComplete
	j.percent = 100
	j.message = "completed"
	j.speed = ""
	j.eta = ""
	j.resultURL = resultURL
	if meta != nil {
		j.meta = copyMeta(meta)
	}
	r.mu.Unlock()

	r.notify(jobID)
}

// Fail はジョブを失敗状態にします。
func (r *Registry) Fail(jobID, message string) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok || j.stage.IsTerminal() {
		r.mu.Unlock()
		return
	}
	j.stage = StageError
	j.message = message
	j.speed = ""
	j.eta = ""
	r.mu.Unlock()

	r.notify(jobID)
}

// Snapshot はジョブ状態のコピーを返します。
// ストレージキーを持つジョブは結果URLを再生成してから返します（ロック外で実行）。
func (r *Registry) Snapshot(jobID string) (Snapshot, bool) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return Snapshot{}, false
	}
	snap := j.snapshotLocked()
	refresher := r.refresher
	r.mu.Unlock()

	if refresher != nil && snap.Meta != nil {
		if _, hasKey := snap.Meta["s3_key"]; hasKey {
			if fresh, ok := refresher(snap.Meta); ok {
				snap.ResultURL = fresh
			}
		}
	}
	return snap, true
}

// Cancel はジョブのキャンセルを要求します。
// キャンセル可能な状態で呼ばれた最初の一回だけ true を返します。
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok || j.stage.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	j.cancelRequested = true
	j.stage = StageCancelled
	j.message = "cancelled"
	j.speed = ""
	j.eta = ""
	cancel := j.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.notify(jobID)
	return true
}

// IsCancelled はキャンセル要求の有無を返します。未知のジョブIDは true です。
func (r *Registry) IsCancelled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return true
	}
	return j.cancelRequested
}

// SetCancelFunc はバックグラウンド処理の中断ハンドルを設定します。
// 設定前にキャンセル要求が届いていた場合は直ちに呼び出します。
func (r *Registry) SetCancelFunc(jobID string, fn func()) {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok || j.cancel != nil {
		r.mu.Unlock()
		return
	}
	j.cancel = fn
	pending := j.cancelRequested
	r.mu.Unlock()

	if pending && fn != nil {
		fn()
	}
}

// Register は購読者をジョブに登録します。
func (r *Registry) Register(jobID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || sub == nil {
		return
	}
	j.subscribers[sub] = struct{}{}
}

// Unregister は購読者の登録を解除します。
func (r *Registry) Unregister(jobID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return
	}
	delete(j.subscribers, sub)
}

// List は全ジョブのスナップショットを作成日時の降順で返します。
// includeTerminal が false の場合は実行中のジョブのみを返します。
func (r *Registry) List(includeTerminal bool) []Snapshot {
	r.mu.Lock()
	snaps := make([]Snapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		if !includeTerminal && j.stage.IsTerminal() {
			continue
		}
		snaps = append(snaps, j.snapshotLocked())
	}
	r.mu.Unlock()

	sort.Slice(snaps, func(i, k int) bool {
		return snaps[i].CreatedAt.After(snaps[k].CreatedAt)
	})
	return snaps
}

// Shutdown は全購読者をクローズし、ジョブテーブルを破棄します。
func (r *Registry) Shutdown() {
	r.mu.Lock()
	var subs []Subscriber
	for _, j := range r.jobs {
		for sub := range j.subscribers {
			subs = append(subs, sub)
		}
		j.subscribers = make(map[Subscriber]struct{})
	}
	r.jobs = make(map[string]*job)
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil && r.logger != nil {
			r.logger.Printf("failed to close subscriber: %v", err)
		}
	}
}

// subscribersOf は通知配送用に購読者リストのコピーを返します。
func (r *Registry) subscribersOf(jobID string) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	subs := make([]Subscriber, 0, len(j.subscribers))
	for sub := range j.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Registry) notify(jobID string) {
	r.mu.Lock()
	n := r.notifier
	r.mu.Unlock()
	if n != nil {
		n.Notify(jobID)
	}
}

func (j *job) snapshotLocked() Snapshot {
	return Snapshot{
		JobID:     j.id,
		Source:    j.source,
		Stage:     j.stage,
		Percent:   j.percent,
		Message:   j.message,
		Speed:     j.speed,
		ETA:       j.eta,
		ResultURL: j.resultURL,
		Meta:      copyMeta(j.meta),
		CreatedAt: j.createdAt,
	}
}

func copyMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func clampPercent(percent float64) float64 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
