// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// SessionStatus é o estado da máquina de estados de uma sessão de upload.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusReceiving    SessionStatus = "receiving"
	StatusAssembling   SessionStatus = "assembling"
	StatusCompleted    SessionStatus = "completed"
	StatusCancelled    SessionStatus = "cancelled"
	StatusFailed       SessionStatus = "failed"
)

// Terminal informa se o estado não admite mais transições.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// FileMetadata descreve o arquivo sendo ingerido, conforme enviado no init.
type FileMetadata struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type,omitempty"`
	ToolResource string `json:"toolResource,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
}

// Session é a entidade raiz de uma ingestão em andamento.
//
// Invariantes: receivedChunks ⊆ [0,totalChunks); transições de status são
// monotônicas exceto receiving→receiving; assembly só é permitido com todos
// os chunks recebidos.
type Session struct {
	FileID      string
	OwnerID     string
	Meta        FileMetadata
	ChunkSize   int64
	TotalChunks int
	TempDir     string
	StartTime   time.Time

	mu       sync.Mutex
	status   SessionStatus
	received map[int]struct{}
	hashes   map[int]string

	lastActivity atomic.Int64 // UnixNano do último chunk/transição
	cancelled    atomic.Bool  // flag observada nos pontos de suspensão
	terminalAt   atomic.Int64 // UnixNano da entrada em estado terminal

	// throttle opcional de bytes/s para os reads do body (max_session_mbps)
	limiter *rate.Limiter
}

func newSession(fileID, ownerID string, meta FileMetadata, chunkSize int64, totalChunks int, tempDir string, bps float64) *Session {
	now := time.Now()
	s := &Session{
		FileID:      fileID,
		OwnerID:     ownerID,
		Meta:        meta,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		TempDir:     tempDir,
		StartTime:   now,
		status:      StatusInitializing,
		received:    make(map[int]struct{}),
		hashes:      make(map[int]string),
	}
	s.lastActivity.Store(now.UnixNano())
	if bps > 0 {
		// O burst precisa acomodar um chunk inteiro num único WaitN
		burst := int(bps)
		if burst < int(chunkSize) {
			burst = int(chunkSize)
		}
		s.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}
	return s
}

// Status retorna o estado atual.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Limiter retorna o rate limiter da sessão (nil quando sem throttle).
func (s *Session) Limiter() *rate.Limiter {
	return s.limiter
}

// Cancelled informa se o cancelamento foi sinalizado.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// LastActivity retorna o instante do último I/O ou transição.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// TerminalSince retorna quando a sessão entrou em estado terminal
// (zero quando ainda ativa).
func (s *Session) TerminalSince() time.Time {
	n := s.terminalAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// touch atualiza lastActivity.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// transition aplica uma transição de estado validando a monotonicidade.
// receiving→receiving é permitido (uploads concorrentes); estados terminais
// não admitem saída.
func (s *Session) transition(to SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to SessionStatus) error {
	from := s.status
	if from == to && from == StatusReceiving {
		return nil
	}
	if from.Terminal() {
		return newError(KindConflict, "session %s is %s", s.FileID, from)
	}

	valid := false
	switch from {
	case StatusInitializing:
		valid = to == StatusReceiving || to == StatusCancelled || to == StatusFailed
	case StatusReceiving:
		valid = to == StatusAssembling || to == StatusCancelled || to == StatusFailed
	case StatusAssembling:
		valid = to == StatusCompleted || to == StatusCancelled || to == StatusFailed ||
			to == StatusReceiving // retry após falha de assembly devolve ao receiving
	}
	if !valid {
		return newError(KindConflict, "invalid transition %s → %s for %s", from, to, s.FileID)
	}

	s.status = to
	s.touch()
	if to.Terminal() {
		s.terminalAt.Store(time.Now().UnixNano())
	}
	return nil
}

// markReceived registra o chunk como recebido com seu digest.
func (s *Session) markReceived(index int, digest string) (received, total int) {
	s.mu.Lock()
	s.received[index] = struct{}{}
	s.hashes[index] = digest
	received = len(s.received)
	total = s.TotalChunks
	s.mu.Unlock()
	s.touch()
	return received, total
}

// hasChunk informa se o índice já foi aceito.
func (s *Session) hasChunk(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.received[index]
	return ok
}

// receivedCount retorna quantos chunks foram aceitos.
func (s *Session) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// receivedIndices retorna os índices aceitos (sem ordem garantida).
func (s *Session) receivedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.received))
	for idx := range s.received {
		out = append(out, idx)
	}
	return out
}

// digest retorna o digest registrado para o índice ("" quando ausente).
func (s *Session) digest(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[index]
}

// reconcile substitui o conjunto de recebidos pelo estado do disco,
// preservando digests conhecidos. O store é a fonte de verdade no resume.
func (s *Session) reconcile(onDisk []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[int]struct{}, len(onDisk))
	hashes := make(map[int]string, len(onDisk))
	for _, idx := range onDisk {
		fresh[idx] = struct{}{}
		if h, ok := s.hashes[idx]; ok {
			hashes[idx] = h
		}
	}
	s.received = fresh
	s.hashes = hashes
}

// SessionSnapshot é a visão serializável de uma sessão para o status endpoint.
type SessionSnapshot struct {
	FileID         string        `json:"fileId"`
	OwnerID        string        `json:"ownerId"`
	Meta           FileMetadata  `json:"metadata"`
	ChunkSize      int64         `json:"chunkSize"`
	TotalChunks    int           `json:"totalChunks"`
	ReceivedChunks int           `json:"receivedChunks"`
	Status         SessionStatus `json:"status"`
	StartTime      time.Time     `json:"startTime"`
	LastActivity   time.Time     `json:"lastActivity"`
	TempDir        string        `json:"tempDir"`
}

// Snapshot captura o estado atual da sessão.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	received := len(s.received)
	status := s.status
	s.mu.Unlock()

	return SessionSnapshot{
		FileID:         s.FileID,
		OwnerID:        s.OwnerID,
		Meta:           s.Meta,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		ReceivedChunks: received,
		Status:         status,
		StartTime:      s.StartTime,
		LastActivity:   s.LastActivity(),
		TempDir:        s.TempDir,
	}
}
