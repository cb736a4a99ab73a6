// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bluele/gcache"
)

// sessionCacheSize limita quantos snapshots de sessão o bus retém.
const sessionCacheSize = 4096

// Publisher é a interface consumida pelos produtores de eventos
// (session manager, orquestrador de pipeline, recovery controller).
type Publisher interface {
	Publish(e *Event)
	StartSession(fileID, principalID, fileName string, fileSize int64)
	UpdateProgress(fileID string, progress float64, received, total int, stage string)
	CompleteSession(fileID, filePath string, size int64)
	ErrorSession(fileID, message string, retryable bool, history []ErrorSummary)
	RetrySession(fileID, message string, attempt int, delay time.Duration)
}

// BusOptions configura o ProgressBus.
type BusOptions struct {
	SubscriberBuffer  int           // capacidade da fila por subscriber (default: 64)
	EventRingSize     int           // eventos recentes retidos p/ diagnóstico (default: 256)
	ActiveTTL         time.Duration // TTL absoluto de um snapshot ativo (default: 24h)
	TerminalRetention time.Duration // retenção após estado terminal (default: 30s)
}

func (o *BusOptions) fillDefaults() {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.EventRingSize <= 0 {
		o.EventRingSize = 256
	}
	if o.ActiveTTL <= 0 {
		o.ActiveTTL = 24 * time.Hour
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = 30 * time.Second
	}
}

// Bus é o ProgressBus: entrega cada evento exatamente aos subscribers cujo
// principal é o dono do evento. A entrega é best-effort: sinks mortos são
// removidos sem falhar o publish.
//
// Garantia de ordem: eventos do mesmo fileId chegam a cada subscriber na
// ordem de publicação. Entre fileIds distintos não há garantia.
type Bus struct {
	opts   BusOptions
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // principalID → subscribers

	sessions gcache.Cache // fileID → *SessionInfo, TTL gerenciado pelo cache
	ring     *EventRing
}

// NewBus cria um ProgressBus.
func NewBus(opts BusOptions, logger *slog.Logger) *Bus {
	opts.fillDefaults()
	return &Bus{
		opts:     opts,
		logger:   logger,
		subs:     make(map[string]map[*Subscriber]struct{}),
		sessions: gcache.New(sessionCacheSize).LRU().Build(),
		ring:     NewEventRing(opts.EventRingSize),
	}
}

// Subscribe registra um novo subscriber para o principal.
func (b *Bus) Subscribe(principalID string) *Subscriber {
	sub := newSubscriber(principalID, b.opts.SubscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[principalID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[principalID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("subscriber registered", "principal", principalID)
	return sub
}

// Unsubscribe remove e fecha um subscriber. Idempotente.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.principalID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.principalID)
		}
	}
	b.mu.Unlock()
	sub.Close()
}

// Subscribers retorna o número de subscribers do principal (para testes).
func (b *Bus) Subscribers(principalID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[principalID])
}

// Publish entrega o evento aos subscribers do principal dono.
// Nenhum evento é entregue a um principal diferente do dono.
func (b *Bus) Publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.ring.Push(*e)

	b.mu.RLock()
	set := b.subs[e.PrincipalID]
	var dead []*Subscriber
	for sub := range set {
		if !sub.push(e) {
			dead = append(dead, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range dead {
		b.Unsubscribe(sub)
		b.logger.Debug("dead subscriber removed", "principal", e.PrincipalID)
	}
}

// RecentEvents retorna os últimos eventos publicados (diagnóstico).
func (b *Bus) RecentEvents(limit int) []Event {
	return b.ring.Recent(limit)
}

// StartSession registra o snapshot da sessão e emite upload_started.
func (b *Bus) StartSession(fileID, principalID, fileName string, fileSize int64) {
	now := time.Now()
	info := &SessionInfo{
		FileID:      fileID,
		PrincipalID: principalID,
		FileName:    fileName,
		FileSize:    fileSize,
		Status:      "active",
		StartTime:   now,
		LastUpdate:  now,
	}
	b.sessions.SetWithExpire(fileID, info, b.opts.ActiveTTL)

	b.Publish(&Event{
		Type:        EventStarted,
		FileID:      fileID,
		PrincipalID: principalID,
		FileName:    fileName,
		FileSize:    fileSize,
	})
}

// UpdateProgress atualiza o snapshot e emite upload_progress.
// Sem sessão registrada o update é descartado com warn.
func (b *Bus) UpdateProgress(fileID string, progress float64, received, total int, stage string) {
	info, ok := b.sessionInfo(fileID)
	if !ok {
		b.logger.Warn("progress update for unknown session", "file", fileID)
		return
	}

	info.Progress = progress
	info.LastUpdate = time.Now()
	b.sessions.SetWithExpire(fileID, info, b.opts.ActiveTTL)

	b.Publish(&Event{
		Type:           EventProgress,
		FileID:         fileID,
		PrincipalID:    info.PrincipalID,
		Progress:       progress,
		ReceivedChunks: received,
		TotalChunks:    total,
		Stage:          stage,
	})
}

// CompleteSession marca a sessão como terminal com sucesso e emite
// upload_completed. O snapshot fica retido por TerminalRetention.
func (b *Bus) CompleteSession(fileID, filePath string, size int64) {
	info, ok := b.sessionInfo(fileID)
	if !ok {
		b.logger.Warn("complete for unknown session", "file", fileID)
		return
	}

	info.Status = "completed"
	info.Progress = 1
	info.LastUpdate = time.Now()
	b.sessions.SetWithExpire(fileID, info, b.opts.TerminalRetention)

	b.Publish(&Event{
		Type:        EventCompleted,
		FileID:      fileID,
		PrincipalID: info.PrincipalID,
		FilePath:    filePath,
		Size:        size,
	})
}

// ErrorSession marca a sessão em erro e emite upload_error.
// Para erros terminais (retryable=false) a retenção curta se aplica.
func (b *Bus) ErrorSession(fileID, message string, retryable bool, history []ErrorSummary) {
	info, ok := b.sessionInfo(fileID)
	if !ok {
		b.logger.Warn("error for unknown session", "file", fileID)
		return
	}

	info.Status = "error"
	info.Error = message
	info.LastUpdate = time.Now()
	ttl := b.opts.ActiveTTL
	if !retryable {
		ttl = b.opts.TerminalRetention
	}
	b.sessions.SetWithExpire(fileID, info, ttl)

	b.Publish(&Event{
		Type:         EventError,
		FileID:       fileID,
		PrincipalID:  info.PrincipalID,
		Error:        message,
		Retryable:    boolPtr(retryable),
		ErrorHistory: history,
	})
}

// RetrySession emite upload_error retryable com o delay agendado pelo
// recovery. O snapshot mantém a retenção ativa: a sessão ainda vai tentar.
func (b *Bus) RetrySession(fileID, message string, attempt int, delay time.Duration) {
	info, ok := b.sessionInfo(fileID)
	if !ok {
		return
	}

	b.Publish(&Event{
		Type:        EventError,
		FileID:      fileID,
		PrincipalID: info.PrincipalID,
		Error:       message,
		Retryable:   boolPtr(true),
		Attempt:     attempt,
		DelayMS:     delay.Milliseconds(),
	})
}

// SessionStatus retorna o snapshot retido da sessão, se ainda existir.
// Snapshots terminais permanecem visíveis por TerminalRetention.
func (b *Bus) SessionStatus(fileID string) (*SessionInfo, bool) {
	return b.sessionInfo(fileID)
}

func (b *Bus) sessionInfo(fileID string) (*SessionInfo, bool) {
	v, err := b.sessions.GetIFPresent(fileID)
	if err != nil {
		return nil, false
	}
	info, ok := v.(*SessionInfo)
	return info, ok
}
