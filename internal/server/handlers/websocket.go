package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/lib/logger/sl"
	"ChatAssistant/internal/services/assistant"
	httpapi "ChatAssistant/internal/server/http"
)

const (
	pongWait   = 20 * time.Second
	pingPeriod = 15 * time.Second
	writeWait  = 5 * time.Second

	// inbound frames waiting for the chat worker
	queueSize = 16
)

type Chatter interface {
	Chat(ctx context.Context, in assistant.ChatInput) (assistant.ChatResult, error)
}

// WebSocketHandler runs the chat pipeline for every text frame of a connection
// and answers with the same bodies as POST /api/chat.
type WebSocketHandler struct {
	log      *slog.Logger
	chat     Chatter
	upgrader websocket.Upgrader

	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewWebSocketHandler accepts any origin when allowedOrigins is empty or lists "*".
func NewWebSocketHandler(log *slog.Logger, chat Chatter, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		log:  log.With(slog.String("component", "ws")),
		chat: chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleConnection(w, r)
}

// HandleConnection keeps reading frames (and so pongs) while a single worker
// answers them in order. The chat context is cancelled as soon as reading fails.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	const op = "WebSocketHandler.HandleConnection"

	log := h.log.With(slog.String("op", op), slog.String("remote", r.RemoteAddr))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", sl.Err(err))
		return
	}
	defer conn.Close()

	// the request context is not cancelled once the connection is hijacked
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	inbound := make(chan []byte, queueSize)

	wg := conc.NewWaitGroup()
	wg.Go(func() {
		ticker := time.NewTicker(h.pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					log.Debug("ping failed, closing", sl.Err(err))
					cancel()
					_ = conn.Close()
					return
				}
			}
		}
	})
	wg.Go(func() {
		for message := range inbound {
			if ctx.Err() != nil {
				return
			}
			resp := h.handleMessage(ctx, message)
			if ctx.Err() != nil {
				return
			}
			if err := write(resp); err != nil {
				log.Warn("write failed", sl.Err(err))
				cancel()
				_ = conn.Close()
				return
			}
		}
	})

	log.Debug("connection opened")

	h.readLoop(ctx, conn, inbound, log)

	cancel()
	close(inbound)
	wg.Wait()

	log.Debug("connection closed")
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- []byte, log *slog.Logger) {
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read failed", sl.Err(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case inbound <- message:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, msg []byte) any {
	var req domain.ChatReq
	if err := json.Unmarshal(msg, &req); err != nil {
		return domain.ErrorResp{Success: false, Error: "invalid json body"}
	}

	res, err := h.chat.Chat(ctx, assistant.ChatInput{
		Message:   req.Message,
		SessionID: req.SessionID,
	})
	if err != nil {
		status, text := httpapi.ErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("chat failed", sl.Err(err))
		}
		return domain.ErrorResp{Success: false, Error: text}
	}

	return httpapi.ChatResponse(res)
}
