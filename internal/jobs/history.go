package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const historyKeyPrefix = "mediajob:"

// History は終端状態に達したジョブのスナップショットを Redis に保持します。
// レジストリはプロセス再起動で空になるため、完了済みジョブの照会は
// ここへフォールバックします。Redis なしでも動作します（nil セーフ）。
type History struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewHistory は History を作成します。rdb が nil の場合は無効化された状態になります。
func NewHistory(rdb *redis.Client, ttl time.Duration) *History {
	return &History{
		rdb: rdb,
		ttl: ttl,
	}
}

// Save は終端スナップショットを保存します。ベストエフォートで、失敗は呼び出し側でログします。
func (h *History) Save(ctx context.Context, snap Snapshot) error {
	if h == nil || h.rdb == nil {
		return nil
	}
	if snap.JobID == "" {
		return fmt.Errorf("jobID is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return h.rdb.Set(ctx, historyKey(snap.JobID), payload, h.ttl).Err()
}

// Get は保存済みスナップショットを取得します。見つからない場合は nil を返します。
func (h *History) Get(ctx context.Context, jobID string) (*Snapshot, error) {
	if h == nil || h.rdb == nil {
		return nil, nil
	}
	data, err := h.rdb.Get(ctx, historyKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func historyKey(id string) string {
	return historyKeyPrefix + id
}
