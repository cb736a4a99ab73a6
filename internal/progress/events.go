// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package progress implementa o ProgressBus: fan-out de eventos de ingestão
// por principal, com retenção de estado de sessão para subscribers atrasados.
package progress

import "time"

// EventType identifica o tipo de um evento de progresso no push channel.
type EventType string

const (
	EventStarted   EventType = "upload_started"
	EventProgress  EventType = "upload_progress"
	EventCompleted EventType = "upload_completed"
	EventError     EventType = "upload_error"
	EventPong      EventType = "pong"
)

// Event é a união etiquetada enviada aos subscribers. Todos os eventos
// carregam FileID, PrincipalID e Timestamp; os demais campos dependem do tipo.
type Event struct {
	Type        EventType `json:"type"`
	FileID      string    `json:"fileId,omitempty"`
	PrincipalID string    `json:"principalId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// upload_started
	FileName string `json:"fileName,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`

	// upload_progress
	Progress       float64 `json:"progress,omitempty"`
	ReceivedChunks int     `json:"receivedChunks,omitempty"`
	TotalChunks    int     `json:"totalChunks,omitempty"`
	Stage          string  `json:"stage,omitempty"`

	// upload_completed
	FilePath string `json:"filePath,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// upload_error; Attempt/DelayMS presentes quando um retry foi agendado
	Error        string         `json:"error,omitempty"`
	Retryable    *bool          `json:"retryable,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`
	DelayMS      int64          `json:"delayMs,omitempty"`
	ErrorHistory []ErrorSummary `json:"errorHistory,omitempty"`
}

// ErrorSummary resume uma entrada do histórico de erros em falha terminal.
type ErrorSummary struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// droppable informa se o evento pode ser descartado sob backpressure.
// Completed/Error nunca são descartados; Progress e Started sim.
func (e *Event) droppable() bool {
	return e.Type == EventProgress || e.Type == EventStarted
}

// boolPtr é um helper para os campos Retryable.
func boolPtr(b bool) *bool { return &b }

// SessionInfo é o snapshot retido pelo bus para cada sessão de ingestão.
// Subscribers que conectam tarde observam o último estado via SessionStatus.
type SessionInfo struct {
	FileID      string    `json:"fileId"`
	PrincipalID string    `json:"principalId"`
	FileName    string    `json:"fileName,omitempty"`
	FileSize    int64     `json:"fileSize,omitempty"`
	Status      string    `json:"status"` // active | completed | error
	Progress    float64   `json:"progress"`
	StartTime   time.Time `json:"startTime"`
	LastUpdate  time.Time `json:"lastUpdate"`
	Error       string    `json:"error,omitempty"`
}
