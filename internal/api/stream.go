package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-trader/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// токен уже проверен, origin не ограничиваем
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream pushes the owner's events as JSON text frames. A slow client
// loses events rather than slowing the bus.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFrom(r.Context())
	send := make(chan []byte, sendBuffer)
	sub := s.bus.Subscribe(events.AllEvents, events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		if ev.Owner() != owner {
			return nil
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		select {
		case send <- data:
		default:
			s.logger.Debug("Stream client too slow, event dropped",
				zap.String("owner_id", owner), zap.String("type", string(ev.Type())))
		}
		return nil
	}))
	// подписка до апгрейда: клиент не теряет события сразу после рукопожатия
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	s.logger.Info("📡 Stream client connected", zap.String("owner_id", owner))
	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, send, done)

	sub.Unsubscribe()
	_ = conn.Close()
	s.logger.Info("Stream client disconnected", zap.String("owner_id", owner))
}

// readPump only consumes control frames; it closes done when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
