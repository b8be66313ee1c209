package subscribe

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/video-forge/internal/jobs"
)

var errClosed = errors.New("subscribe: connection closed")

const (
	// pollInterval はレジストリを確認する間隔です。通知が落ちた場合の
	// 保険であり、即時性は通知ゴルーチンが担います。
	pollInterval = 500 * time.Millisecond

	// lingerAfterTerminal は終端状態を送信してから切断するまでの猶予です。
	lingerAfterTerminal = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 認可はセッションではなくジョブIDの知識に依るため、オリジンは制限しない
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler は GET /ws/:jobId のハンドラーを返します。
func Handler(registry *jobs.Registry, logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Printf("websocket upgrade failed for job %s: %v", jobID, err)
			return
		}
		serve(registry, jobID, conn, logger)
	}
}

// serve は接続が閉じるか、ジョブが終端状態に達するまで更新を配信します。
// 未知のジョブIDでも接続は維持し、ジョブが現れるまでポーリングを
// 続けます（受付直後のジョブは購読が先行することがあるため）。
func serve(registry *jobs.Registry, jobID string, conn Conn, logger *log.Logger) {
	ch := newChannel(conn)
	defer func() {
		registry.Unregister(jobID, ch)
		if err := ch.Close(); err != nil {
			logger.Printf("websocket close failed for job %s: %v", jobID, err)
		}
	}()

	registered := false
	if snap, ok := registry.Snapshot(jobID); ok {
		registry.Register(jobID, ch)
		registered = true
		if err := ch.Send(snap); err != nil {
			return
		}
		if snap.Stage.IsTerminal() {
			time.Sleep(lingerAfterTerminal)
			return
		}
	}

	// 受信はポンプに分離する。クライアントからのメッセージには
	// pong を返し、切断はチャネルのクローズで主ループへ伝える。
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := ch.sendJSON(gin.H{"type": "pong", "data": string(data)}); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			snap, ok := registry.Snapshot(jobID)
			if !ok {
				continue
			}
			if !registered {
				registry.Register(jobID, ch)
				registered = true
			}
			if err := ch.Send(snap); err != nil {
				return
			}
			if snap.Stage.IsTerminal() {
				linger := time.NewTimer(lingerAfterTerminal)
				defer linger.Stop()
				select {
				case <-readDone:
				case <-linger.C:
				}
				return
			}
		}
	}
}
