// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/progress"
)

// ErrorCategory é a classificação de um erro de stage para fins de retry.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "network"
	CategorySize       ErrorCategory = "size"
	CategoryFormat     ErrorCategory = "format"
	CategoryPermission ErrorCategory = "permission"
	CategoryStorage    ErrorCategory = "storage"
	CategoryAuth       ErrorCategory = "auth"
	CategoryUnknown    ErrorCategory = "unknown"
)

// Recoverable informa se a categoria admite retry automático.
func (c ErrorCategory) Recoverable() bool {
	switch c {
	case CategoryNetwork, CategorySize, CategoryStorage, CategoryUnknown:
		return true
	}
	return false
}

// Classify categoriza um erro: primeiro pelo Kind tipado, depois por
// substrings case-insensitive da mensagem. Erros desconhecidos são
// tratados como recuperáveis (retry é barato, falha definitiva não).
func Classify(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindTimeout:
			return CategoryNetwork
		case KindSizeExceeded, KindSizeMismatch:
			return CategorySize
		case KindUnauthorized:
			return CategoryAuth
		case KindIOError:
			return CategoryStorage
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "network"), strings.Contains(msg, "timeout"):
		return CategoryNetwork
	case strings.Contains(msg, "size"), strings.Contains(msg, "limit"):
		return CategorySize
	case strings.Contains(msg, "format"), strings.Contains(msg, "type"),
		strings.Contains(msg, "unsupported"):
		return CategoryFormat
	case strings.Contains(msg, "permission"), strings.Contains(msg, "access"):
		return CategoryPermission
	case strings.Contains(msg, "storage"), strings.Contains(msg, "disk"),
		strings.Contains(msg, "io"):
		return CategoryStorage
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "auth"):
		return CategoryAuth
	}
	return CategoryUnknown
}

// RetryRecord é uma entrada do histórico de tentativas de um arquivo.
type RetryRecord struct {
	Attempt  int           `json:"attempt"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Time     time.Time     `json:"time"`
}

// Action é a decisão do controller para um erro de stage.
type Action struct {
	Retry   bool
	Delay   time.Duration
	Attempt int
}

// RetryFunc é invocada quando o delay de backoff expira e a tentativa
// deve ser reexecutada.
type RetryFunc func(fileID, stage string, attempt int)

// RecoveryController decide, por arquivo, entre retry com backoff
// exponencial e falha definitiva.
type RecoveryController struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	bus     progress.Publisher
	logger  *slog.Logger
	onRetry RetryFunc

	mu      sync.Mutex
	retries map[string]int           // fileID → tentativas consumidas
	history map[string][]RetryRecord // fileID → histórico

	timers sync.Map // fileID → *time.Timer
}

// NewRecoveryController cria o controller com a política de backoff dada.
func NewRecoveryController(base, max time.Duration, maxAttempts int, bus progress.Publisher, logger *slog.Logger) *RecoveryController {
	return &RecoveryController{
		base:        base,
		max:         max,
		maxAttempts: maxAttempts,
		bus:         bus,
		logger:      logger,
		retries:     make(map[string]int),
		history:     make(map[string][]RetryRecord),
	}
}

// OnRetry registra o callback disparado quando o backoff expira.
func (rc *RecoveryController) OnRetry(fn RetryFunc) {
	rc.onRetry = fn
}

// Delay computa o delay da tentativa n (1-based):
// min(max, base·2^(n-1)) mais jitter uniforme em [0, 10% do delay).
func (rc *RecoveryController) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := rc.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rc.max {
			d = rc.max
			break
		}
	}
	if d > rc.max {
		d = rc.max
	}
	if jitter := int64(d) / 10; jitter > 0 {
		d += time.Duration(rand.Int63n(jitter))
	}
	return d
}

// Handle decide o destino de um erro de stage. Quando a decisão é retry,
// agenda o callback após o delay e emite upload_error retryable; quando é
// falha definitiva, emite upload_error terminal com o histórico acumulado.
func (rc *RecoveryController) Handle(fileID, stage string, err error) Action {
	category := Classify(err)

	rc.mu.Lock()
	attempt := rc.retries[fileID] + 1
	record := RetryRecord{Attempt: attempt, Category: category, Message: err.Error(), Time: time.Now()}
	rc.history[fileID] = append(rc.history[fileID], record)
	retry := category.Recoverable() && attempt <= rc.maxAttempts
	if retry {
		rc.retries[fileID] = attempt
	}
	history := append([]RetryRecord(nil), rc.history[fileID]...)
	rc.mu.Unlock()

	if !retry {
		rc.logger.Error("stage failed permanently", "file", fileID, "stage", stage,
			"category", category, "attempts", attempt, "error", err)
		rc.bus.ErrorSession(fileID, err.Error(), false, summarize(history))
		return Action{Retry: false, Attempt: attempt}
	}

	delay := rc.Delay(attempt)
	rc.logger.Warn("scheduling retry", "file", fileID, "stage", stage,
		"category", category, "attempt", attempt, "delay", delay)
	rc.bus.RetrySession(fileID, err.Error(), attempt, delay)

	timer := time.AfterFunc(delay, func() {
		rc.timers.Delete(fileID)
		if rc.onRetry != nil {
			rc.onRetry(fileID, stage, attempt)
		}
	})
	if old, ok := rc.timers.Swap(fileID, timer); ok {
		old.(*time.Timer).Stop()
	}
	return Action{Retry: true, Delay: delay, Attempt: attempt}
}

// MarkSucceeded zera o estado de retry do arquivo após sucesso.
func (rc *RecoveryController) MarkSucceeded(fileID string) {
	rc.mu.Lock()
	delete(rc.retries, fileID)
	delete(rc.history, fileID)
	rc.mu.Unlock()

	if t, ok := rc.timers.LoadAndDelete(fileID); ok {
		t.(*time.Timer).Stop()
	}
}

// Attempts retorna quantas tentativas já foram consumidas pelo arquivo.
func (rc *RecoveryController) Attempts(fileID string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.retries[fileID]
}

// History retorna o histórico de tentativas do arquivo.
func (rc *RecoveryController) History(fileID string) []RetryRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]RetryRecord(nil), rc.history[fileID]...)
}

// Stop cancela todos os timers pendentes (shutdown limpo).
func (rc *RecoveryController) Stop() {
	rc.timers.Range(func(key, value any) bool {
		value.(*time.Timer).Stop()
		rc.timers.Delete(key)
		return true
	})
}

// summarize converte o histórico interno no formato dos eventos do bus.
func summarize(history []RetryRecord) []progress.ErrorSummary {
	out := make([]progress.ErrorSummary, 0, len(history))
	for _, r := range history {
		out = append(out, progress.ErrorSummary{
			Kind:    string(r.Category),
			Message: r.Message,
			Time:    r.Time,
		})
	}
	return out
}
