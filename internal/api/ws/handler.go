package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/hookhost/internal/api/middleware"
	"github.com/GriffinCanCode/hookhost/internal/host"
	"github.com/GriffinCanCode/hookhost/internal/logging"
	"github.com/GriffinCanCode/hookhost/internal/shared/utils"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = pingPeriod * 2
	maxMessage = 1 << 20
	logBuffer  = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || middleware.IsLoopbackOrigin(origin)
	},
}

// Message is a client request on the console socket
type Message struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`
}

// Handler serves the live console: log entries stream out, and clients
// may run inline scripts or broadcast events
type Handler struct {
	host   *host.Host
	logger *zap.Logger
}

// NewHandler creates a new console handler
func NewHandler(h *host.Host) *Handler {
	return &Handler{
		host:   h,
		logger: h.Logger().Named("console"),
	}
}

// HandleConnection upgrades the request and runs the session until either
// side closes
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	entries, unsubscribe := h.host.Stream().Subscribe(logBuffer)
	defer unsubscribe()

	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, entries, replies)
		cancel()
	}()

	replies <- gin.H{
		"type":    "system",
		"message": "Connected to hookhost " + host.Version,
	}
	h.readLoop(ctx, conn, replies)

	cancel()
	<-writerDone
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- any) {
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		reply := h.handle(ctx, msg)
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handle(ctx context.Context, msg Message) any {
	switch msg.Type {
	case "ping":
		return gin.H{"type": "pong"}
	case "run":
		if err := utils.ValidateName(msg.Name, "name"); err != nil {
			return errorReply(err.Error())
		}
		sb, err := h.host.Sandboxes().CreateVirtual(ctx, msg.Name, msg.Source)
		reply := gin.H{"type": "result"}
		if sb != nil {
			reply["sandbox"] = sb.Info()
		}
		if err != nil {
			reply["error"] = err.Error()
		}
		return reply
	case "invoke":
		if err := utils.ValidateEvent(msg.Event); err != nil {
			return errorReply(err.Error())
		}
		return gin.H{
			"type":   "invoked",
			"result": h.host.Sandboxes().Invoke(ctx, msg.Event),
		}
	case "stats":
		return gin.H{"type": "stats", "stats": h.host.Stats()}
	default:
		return errorReply("unknown message type")
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, entries <-chan logging.Entry, replies <-chan any) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var out any
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			out = gin.H{"type": "log", "entry": e}
		case out = <-replies:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(out); err != nil {
			return
		}
	}
}

func errorReply(msg string) gin.H {
	return gin.H{
		"type":    "error",
		"message": msg,
	}
}
