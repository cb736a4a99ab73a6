// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/n-ingest/internal/progress"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// A autenticação é pelo token; origin não é verificada (clients não-browser)
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleProgressSocket faz o upgrade para WebSocket e despacha os eventos
// do ProgressBus pertencentes ao principal autenticado. O token vem na
// query string porque browsers não enviam headers custom no handshake.
func (h *Handler) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.writeErrorStatus(w, http.StatusUnauthorized, "missing token query parameter")
		return
	}
	principal, err := h.verifier.Verify(token)
	if err != nil {
		h.writeErrorStatus(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "principal", principal.ID, "error", err)
		return
	}

	sub := h.bus.Subscribe(principal.ID)
	h.logger.Info("progress socket connected", "principal", principal.ID)

	sink := &socketSink{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Leitor: consome pings do cliente e detecta desconexão
	go func() {
		defer cancel()
		for {
			conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
			var msg struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "ping" {
				if err := sink.write(&progress.Event{Type: progress.EventPong, Timestamp: time.Now()}); err != nil {
					return
				}
			}
		}
	}()

	// Escritor: drena a fila do subscriber para o socket
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			break
		}
		if err := sink.write(ev); err != nil {
			break
		}
	}

	h.bus.Unsubscribe(sub)
	conn.Close()
	h.logger.Info("progress socket disconnected", "principal", principal.ID)
}

// socketSink serializa as escritas no socket: gorilla/websocket admite
// um único escritor concorrente.
type socketSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketSink) write(ev *progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}
