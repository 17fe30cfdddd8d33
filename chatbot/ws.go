package chatbot

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campusbot/authorization"
	"campusbot/logging"
)

const (
	wsReadLimit    = 8 << 10
	wsPongWait     = 60 * time.Second
	wsPingInterval = 50 * time.Second
	wsWriteWait    = 10 * time.Second
)

// newUpgrader accepts any origin when allowed is empty.
func newUpgrader(allowed []string) websocket.Upgrader {
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			origins[trimmed] = struct{}{}
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(origins) == 0 || origin == "" {
				return true
			}
			_, ok := origins[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

type wsRequest struct {
	ChatRoomID int    `json:"chat_room_id"`
	Content    string `json:"content"`
}

// handleWebSocket answers every text frame with a reply frame until the
// client disconnects.
func (m *Module) handleWebSocket(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var userID uint
	if identity, ok := authorization.CurrentIdentity(c); ok {
		userID = identity.ID
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(frames)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case data, ok := <-frames:
			if !ok {
				m.logClose(<-readErr)
				return
			}
			if err := m.answerFrame(c, conn, data, userID); err != nil {
				m.logger.Warn().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func (m *Module) answerFrame(c *gin.Context, conn *websocket.Conn, data []byte, userID uint) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))

	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Content) == "" {
		return conn.WriteJSON(gin.H{"error": "content is required"})
	}
	if !m.limiter.Allow(c.ClientIP()) {
		return conn.WriteJSON(gin.H{"error": "too many requests"})
	}

	ctx := logging.ContextWithRequestID(c.Request.Context(), uuid.NewString())
	reply := m.service.Reply(ctx, strings.TrimSpace(req.Content), roomContext{ChatRoomID: req.ChatRoomID, UserID: userID})
	return conn.WriteJSON(m.buildMessageResponse(req.ChatRoomID, reply))
}

func (m *Module) logClose(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) &&
		(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
		return
	}
	m.logger.Debug().Err(err).Msg("websocket closed")
}
