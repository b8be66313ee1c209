package jobs

import (
	"context"
	"log"
)

const notifyBufferSize = 256

// Notifier はジョブ更新の通知を購読者へ配送します。
// 状態変更スレッドから購読者への書き込みを切り離すため、
// 通知はバッファ付きチャネル経由で専用ゴルーチンに引き渡されます。
type Notifier struct {
	registry *Registry
	ch       chan string
	logger   *log.Logger
}

// NewNotifier は Notifier を作成し、レジストリに接続します。
func NewNotifier(registry *Registry, logger *log.Logger) *Notifier {
	n := &Notifier{
		registry: registry,
		ch:       make(chan string, notifyBufferSize),
		logger:   logger,
	}
	registry.mu.Lock()
	registry.notifier = n
	registry.mu.Unlock()
	return n
}

// Start は配送ゴルーチンを起動します。ctx のキャンセルで停止します。
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case jobID := <-n.ch:
				n.deliver(jobID)
			}
		}
	}()
}

// Notify はジョブ更新を通知キューへ積みます。決してブロックしません。
// バッファが満杯の場合は破棄します（購読者はポーリングで追従できます）。
func (n *Notifier) Notify(jobID string) {
	select {
	case n.ch <- jobID:
	default:
	}
}

// deliver は1件の通知を全購読者へ送信します。
// 送信に失敗した購読者は登録解除してクローズし、残りへの配送は継続します。
func (n *Notifier) deliver(jobID string) {
	snap, ok := n.registry.Snapshot(jobID)
	if !ok {
		return
	}
	for _, sub := range n.registry.subscribersOf(jobID) {
		if err := sub.Send(snap); err != nil {
			n.registry.Unregister(jobID, sub)
			_ = sub.Close()
			if n.logger != nil {
				n.logger.Printf("dropped subscriber job=%s: %v", jobID, err)
			}
		}
	}
}
