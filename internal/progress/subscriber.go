// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSubscriberClosed é retornado por Next quando o subscriber foi fechado.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber é uma fila limitada de eventos para um sink (ex: uma conexão
// WebSocket). Sob backpressure, o evento Progress mais antigo é descartado;
// eventos terminais (Completed/Error) nunca são descartados.
type Subscriber struct {
	principalID string
	capacity    int

	mu     sync.Mutex
	queue  []*Event
	notify chan struct{}
	closed bool

	lastActivity atomic.Int64 // UnixNano do último push/Next
}

func newSubscriber(principalID string, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = 64
	}
	s := &Subscriber{
		principalID: principalID,
		capacity:    capacity,
		notify:      make(chan struct{}, 1),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// PrincipalID retorna o principal dono deste subscriber.
func (s *Subscriber) PrincipalID() string {
	return s.principalID
}

// push enfileira um evento. Retorna false se o subscriber está fechado;
// o bus remove o sink morto e segue com os demais.
func (s *Subscriber) push(e *Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if len(s.queue) >= s.capacity {
		if dropped := s.dropOldestDroppable(); !dropped {
			// Fila cheia só com eventos não-descartáveis.
			if e.droppable() {
				// Descarta o evento que chega; os terminais têm prioridade.
				s.mu.Unlock()
				return true
			}
			// Evento terminal excede a capacidade temporariamente.
		}
	}

	s.queue = append(s.queue, e)
	s.lastActivity.Store(time.Now().UnixNano())
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// dropOldestDroppable remove o Progress mais antigo da fila.
// Deve ser chamado com s.mu held.
func (s *Subscriber) dropOldestDroppable() bool {
	for i, ev := range s.queue {
		if ev.droppable() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Next bloqueia até haver um evento na fila, o ctx ser cancelado ou o
// subscriber ser fechado. A ordem de entrega é a ordem de publicação.
func (s *Subscriber) Next(ctx context.Context) (*Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.lastActivity.Store(time.Now().UnixNano())
			s.mu.Unlock()
			return e, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrSubscriberClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close fecha o subscriber. Idempotente; desbloqueia um Next pendente.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pending retorna o número de eventos enfileirados (para testes e métricas).
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LastActivity retorna o instante do último push ou consumo.
func (s *Subscriber) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}
