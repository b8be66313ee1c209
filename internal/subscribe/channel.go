// Package subscribe はWebSocketによるジョブ進捗の配信を提供します。
// 接続はレジストリの購読者として登録され、通知ゴルーチンからの
// プッシュと定期ポーリングの両方で更新を受け取ります。
package subscribe

import (
	"sync"

	"github.com/yourusername/video-forge/internal/jobs"
)

// Conn はWebSocket接続のうちこのパッケージが使う操作です。
// gorilla/websocket の *websocket.Conn が満たします。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// channel は1本のWebSocket接続を jobs.Subscriber として公開します。
// 通知ゴルーチンとポーリングループが同じ接続へ書き込むため、
// 書き込みはミューテックスで直列化します。
type channel struct {
	conn Conn

	mu          sync.Mutex
	closed      bool
	sentAny     bool
	lastStage   jobs.Stage
	lastPercent float64
}

func newChannel(conn Conn) *channel {
	return &channel{conn: conn}
}

// Send はスナップショットを接続へ書き込みます。ステージとパーセントが
// 前回送信時から変わっていない場合は送信を省きます。
func (c *channel) Send(snap jobs.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.sentAny && snap.Stage == c.lastStage && snap.Percent == c.lastPercent {
		return nil
	}
	if err := c.conn.WriteJSON(snap); err != nil {
		return err
	}
	c.sentAny = true
	c.lastStage = snap.Stage
	c.lastPercent = snap.Percent
	return nil
}

// sendJSON は進捗以外のメッセージ（pong応答など）を書き込みます。
func (c *channel) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	return c.conn.WriteJSON(v)
}

// Close は接続を閉じます。複数回呼んでも安全です。
func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
