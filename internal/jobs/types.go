package jobs

import "time"

// Stage はジョブの処理段階を表します。
type Stage string

const (
	StagePending    Stage = "pending"
	StageDownload   Stage = "download"
	StageConvert    Stage = "convert"
	StageUpload     Stage = "upload"
	StageSplit      Stage = "split"
	StageStoryboard Stage = "storyboard"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
	StageCancelled  Stage = "cancelled"
)

// IsTerminal は完了・失敗・キャンセルのいずれかであれば true を返します。
func (s Stage) IsTerminal() bool {
	switch s {
	case StageComplete, StageError, StageCancelled:
		return true
	default:
		return false
	}
}

// Snapshot はジョブ状態のある時点のコピーを表します。
// 読み取り側に渡され、以後レジストリの更新の影響を受けません。
type Snapshot struct {
	JobID     string         `json:"jobId"`
	Source    string         `json:"source,omitempty"`
	Stage     Stage          `json:"stage"`
	Percent   float64        `json:"percent"`
	Message   string         `json:"message,omitempty"`
	Speed     string         `json:"speed,omitempty"`
	ETA       string         `json:"eta,omitempty"`
	ResultURL string         `json:"resultUrl,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Subscriber はジョブ状態の更新通知を受け取る購読者を表します。
// Send が失敗した購読者は登録解除され Close されます。
type Subscriber interface {
	Send(snapshot Snapshot) error
	Close() error
}
