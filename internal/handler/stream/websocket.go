package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	chatmodel "github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/service/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/service/orchestrator"
	"github.com/zhouzirui/persona-relay/backend/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Sessions checks a session exists before the connection is upgraded.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (chatmodel.Session, error)
}

// WebSocketHandler 通过WebSocket承载对话轮次，支持取消
type WebSocketHandler struct {
	runner   Runner
	sessions Sessions
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(runner Runner, sessions Sessions, checkOrigin func(r *http.Request) bool, logger *zap.Logger) *WebSocketHandler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &WebSocketHandler{
		runner:   runner,
		sessions: sessions,
		logger:   logging.OrNop(logger).Named("websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TextMessage 用户文本消息
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn serialises writes; gorilla allows only one concurrent writer.
type wsConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (c *wsConn) send(kind string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(outgoingMessage{
		Type:      kind,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// wsSink adapts one turn to the connection.
type wsSink struct{ conn *wsConn }

func (s wsSink) Chunk(text string) error { return s.conn.send("chunk", chunkPayload{Text: text}) }

func (s wsSink) Handoff(personaID string) error {
	return s.conn.send("handoff", newHandoffPayload(personaID))
}

func (s wsSink) Done(result orchestrator.Result) error { return s.conn.send("done", result) }

func (s wsSink) Error(reason orchestrator.Reason) error {
	return s.conn.send("error", newErrorPayload(reason))
}

// turnState tracks the connection's in-flight turn.
type turnState struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (t *turnState) start(parent context.Context, run func(ctx context.Context)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			t.cancel = nil
			t.mu.Unlock()
			cancel()
		}()
		run(ctx)
	}()
	return true
}

func (t *turnState) abort() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return false
	}
	t.cancel()
	return true
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			_ = utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = utils.RespondError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("connection opened", zap.String("session_id", sessionID))

	// 连接上下文独立于请求，升级后由读循环决定生命周期
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	c := &wsConn{conn: conn, sessionID: sessionID}
	var turns turnState
	defer turns.wg.Wait()
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(ctx, c)

	_ = c.send("connected", map[string]any{"sessionId": sessionID})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("read failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "message":
			var text TextMessage
			if err := json.Unmarshal(msg.Data, &text); err != nil {
				_ = c.send("error", newErrorPayload(orchestrator.ReasonInvalidRequest))
				continue
			}
			started := turns.start(ctx, func(turnCtx context.Context) {
				_, _ = h.runner.Run(turnCtx, orchestrator.Request{SessionID: sessionID, Message: text.Text}, wsSink{conn: c})
			})
			if !started {
				_ = c.send("error", newErrorPayload(orchestrator.ReasonTurnInProgress))
			}
		case "cancel":
			if !turns.abort() {
				h.logger.Debug("cancel without a running turn", zap.String("session_id", sessionID))
			}
		default:
			_ = c.send("error", errorPayload{Reason: string(orchestrator.ReasonInvalidRequest), Message: "unsupported message type"})
		}
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
