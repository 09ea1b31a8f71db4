package controller

import (
	"net/http"
	"time"

	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/pkg/utils/logger"
	"judgedispatch/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	watchWriteWait  = 10 * time.Second
	watchPongWait   = 60 * time.Second
	watchPingPeriod = watchPongWait * 9 / 10
)

// Watcher subscribes to live updates of one submission.
type Watcher interface {
	Subscribe(submissionID int64) (<-chan model.SubmissionUpdate, func())
}

// WatchController streams submission status over a websocket.
type WatchController struct {
	submissions SubmissionService
	hub         Watcher
	upgrader    websocket.Upgrader
}

// NewWatchController creates a new WatchController.
func NewWatchController(submissions SubmissionService, hub Watcher) *WatchController {
	return &WatchController{
		submissions: submissions,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Watch sends the current status, then every update, and closes after the final one.
func (h *WatchController) Watch(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := logger.WithSubmission(c.Request.Context(), id)
	// subscribe before the snapshot so no update falls in between
	updates, cancel := h.hub.Subscribe(id)
	defer cancel()

	submission, err := h.submissions.GetSubmission(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(watchPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := model.UpdateFrom(submission)
	if !h.send(conn, snapshot) || snapshot.Final {
		h.closeNormal(conn)
		return
	}

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case update, ok := <-updates:
			if !ok {
				h.closeNormal(conn)
				return
			}
			if !h.send(conn, update) {
				return
			}
			if update.Final {
				h.closeNormal(conn)
				return
			}
		}
	}
}

func (h *WatchController) send(conn *websocket.Conn, update model.SubmissionUpdate) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(update) == nil
}

func (h *WatchController) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "final")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
}
