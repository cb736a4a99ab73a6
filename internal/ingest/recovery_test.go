// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/progress"
)

// stubBus captura as publicações do recovery sem um bus real.
type stubBus struct {
	mu      sync.Mutex
	errors  []string
	retries []int
}

func (s *stubBus) Publish(e *progress.Event) {}
func (s *stubBus) StartSession(fileID, principalID, fileName string, fileSize int64) {
}
func (s *stubBus) UpdateProgress(fileID string, p float64, received, total int, stage string) {}
func (s *stubBus) CompleteSession(fileID, filePath string, size int64)                        {}
func (s *stubBus) ErrorSession(fileID, message string, retryable bool, history []progress.ErrorSummary) {
	s.mu.Lock()
	s.errors = append(s.errors, message)
	s.mu.Unlock()
}
func (s *stubBus) RetrySession(fileID, message string, attempt int, delay time.Duration) {
	s.mu.Lock()
	s.retries = append(s.retries, attempt)
	s.mu.Unlock()
}

func (s *stubBus) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors)
}

func TestClassify_ByKind(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCategory
	}{
		{newError(KindTimeout, "deadline hit"), CategoryNetwork},
		{newError(KindSizeMismatch, "short file"), CategorySize},
		{newError(KindUnauthorized, "bad principal"), CategoryAuth},
		{newError(KindIOError, "write blew up"), CategoryStorage},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassify_BySubstring(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorCategory
	}{
		{"Network unreachable", CategoryNetwork},
		{"request TIMEOUT after 30s", CategoryNetwork},
		{"size limit reached", CategorySize},
		{"unsupported format", CategoryFormat},
		{"wrong content type", CategoryFormat},
		{"permission denied", CategoryPermission},
		{"access refused", CategoryPermission},
		{"disk full", CategoryStorage},
		{"authentication expired", CategoryAuth},
		{"something else entirely", CategoryUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestCategory_Recoverable(t *testing.T) {
	recoverable := map[ErrorCategory]bool{
		CategoryNetwork:    true,
		CategorySize:       true,
		CategoryStorage:    true,
		CategoryUnknown:    true,
		CategoryFormat:     false,
		CategoryPermission: false,
		CategoryAuth:       false,
	}
	for cat, want := range recoverable {
		if got := cat.Recoverable(); got != want {
			t.Errorf("%s.Recoverable() = %v, want %v", cat, got, want)
		}
	}
}

func TestDelay_ExponentialWithCapAndJitter(t *testing.T) {
	rc := NewRecoveryController(time.Second, 30*time.Second, 3, &stubBus{}, testLogger())

	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 30 * time.Second, // 32s capado em 30s
		9: 30 * time.Second,
	} {
		d := rc.Delay(attempt)
		if d < base {
			t.Errorf("Delay(%d) = %v, below base %v", attempt, d, base)
		}
		if max := base + base/10; d >= max {
			t.Errorf("Delay(%d) = %v, jitter exceeds 10%% of %v", attempt, d, base)
		}
	}
}

func TestDelay_Monotonic(t *testing.T) {
	rc := NewRecoveryController(time.Second, 30*time.Second, 10, &stubBus{}, testLogger())

	// Sem considerar jitter, o delay base nunca decresce
	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := rc.Delay(attempt)
		floor := d - d/10 // desconta o jitter máximo
		if floor < prev {
			t.Errorf("Delay(%d) base %v below previous %v", attempt, floor, prev)
		}
		if floor > prev {
			prev = floor
		}
	}
}

func TestHandle_RetriesThenFailsAtBudget(t *testing.T) {
	bus := &stubBus{}
	rc := NewRecoveryController(time.Millisecond, 10*time.Millisecond, 2, bus, testLogger())
	defer rc.Stop()

	netErr := errors.New("network reset")

	a1 := rc.Handle("f1", StageProcessing, netErr)
	if !a1.Retry || a1.Attempt != 1 {
		t.Fatalf("first action = %+v, want retry attempt 1", a1)
	}
	a2 := rc.Handle("f1", StageProcessing, netErr)
	if !a2.Retry || a2.Attempt != 2 {
		t.Fatalf("second action = %+v, want retry attempt 2", a2)
	}

	// Orçamento esgotado: falha definitiva com histórico completo
	a3 := rc.Handle("f1", StageProcessing, netErr)
	if a3.Retry {
		t.Fatal("third attempt should not retry with max_attempts=2")
	}
	if bus.errorCount() != 1 {
		t.Errorf("terminal errors published = %d, want 1", bus.errorCount())
	}
	if h := rc.History("f1"); len(h) != 3 {
		t.Errorf("history length = %d, want 3", len(h))
	}
}

func TestHandle_NonRecoverableFailsImmediately(t *testing.T) {
	bus := &stubBus{}
	rc := NewRecoveryController(time.Millisecond, 10*time.Millisecond, 3, bus, testLogger())
	defer rc.Stop()

	action := rc.Handle("f1", StageProcessing, errors.New("unsupported format"))
	if action.Retry {
		t.Error("format errors should never retry")
	}
	if bus.errorCount() != 1 {
		t.Errorf("terminal errors published = %d, want 1", bus.errorCount())
	}
}

func TestHandle_InvokesOnRetryAfterDelay(t *testing.T) {
	bus := &stubBus{}
	rc := NewRecoveryController(time.Millisecond, 5*time.Millisecond, 3, bus, testLogger())
	defer rc.Stop()

	fired := make(chan struct{})
	rc.OnRetry(func(fileID, stage string, attempt int) {
		if fileID == "f1" && stage == StageStorage && attempt == 1 {
			close(fired)
		}
	})

	rc.Handle("f1", StageStorage, errors.New("network glitch"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onRetry was not invoked after backoff")
	}
}

func TestMarkSucceeded_ResetsBudget(t *testing.T) {
	bus := &stubBus{}
	rc := NewRecoveryController(time.Millisecond, 5*time.Millisecond, 1, bus, testLogger())
	defer rc.Stop()

	rc.Handle("f1", StageProcessing, errors.New("network glitch"))
	if rc.Attempts("f1") != 1 {
		t.Fatalf("attempts = %d, want 1", rc.Attempts("f1"))
	}

	rc.MarkSucceeded("f1")
	if rc.Attempts("f1") != 0 {
		t.Errorf("attempts after success = %d, want 0", rc.Attempts("f1"))
	}

	// Novo ciclo de falhas começa do zero
	action := rc.Handle("f1", StageProcessing, errors.New("network glitch"))
	if !action.Retry || action.Attempt != 1 {
		t.Errorf("action after reset = %+v, want retry attempt 1", action)
	}
}
