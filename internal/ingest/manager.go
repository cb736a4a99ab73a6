// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/progress"
)

// terminalSessionGrace é quanto tempo uma sessão terminal permanece
// consultável antes do sweep liberá-la.
const terminalSessionGrace = 30 * time.Second

// DiskGuard é consultado antes de aceitar bytes novos. Retorna erro
// quando o disco está acima da marca d'água configurada.
type DiskGuard func() error

// ManagerOptions configura o SessionManager.
type ManagerOptions struct {
	UploadsPath   string
	ChunkSize     int64
	MaxChunks     int
	ChunkTimeout  time.Duration
	SessionTTL    time.Duration
	Checksum      string  // md5 | sha256
	MaxSessionBps float64 // 0 desativa o throttle por sessão
	DiskGuard     DiskGuard
}

// ManagerStats é o snapshot dos contadores do manager.
type ManagerStats struct {
	ActiveSessions    int   `json:"activeSessions"`
	SessionsStarted   int64 `json:"sessionsStarted"`
	SessionsCompleted int64 `json:"sessionsCompleted"`
	SessionsFailed    int64 `json:"sessionsFailed"`
	SessionsCancelled int64 `json:"sessionsCancelled"`
	ChunksReceived    int64 `json:"chunksReceived"`
	BytesReceived     int64 `json:"bytesReceived"`
}

// InitResult é a resposta da criação de sessão.
type InitResult struct {
	FileID      string    `json:"fileId"`
	ChunkSize   int64     `json:"chunkSize"`
	TotalChunks int       `json:"totalChunks"`
	StartTime   time.Time `json:"startTime"`
	TempDir     string    `json:"tempDir"`
}

// ChunkResult é a resposta da aceitação de um chunk.
type ChunkResult struct {
	Received        int     `json:"receivedChunks"`
	Total           int     `json:"totalChunks"`
	Progress        float64 `json:"progress"`
	AlreadyReceived bool    `json:"alreadyReceived,omitempty"`
}

// ResumeInfo descreve o que falta para completar um upload interrompido.
// O disco é a fonte de verdade: o estado em memória é reconciliado antes.
type ResumeInfo struct {
	FileID         string  `json:"fileId"`
	ChunkSize      int64   `json:"chunkSize"`
	TotalChunks    int     `json:"totalChunks"`
	ReceivedChunks []int   `json:"receivedChunks"`
	MissingChunks  []int   `json:"missingChunks"`
	Progress       float64 `json:"progress"`
}

// CompleteResult é a resposta da montagem bem-sucedida.
type CompleteResult struct {
	FilePath string `json:"filePath"`
	Size     int64  `json:"size"`
}

// ValidationReport é o resultado da verificação de integridade dos chunks.
type ValidationReport struct {
	Valid   bool  `json:"valid"`
	Missing []int `json:"missingChunks,omitempty"`
	Corrupt []int `json:"corruptChunks,omitempty"`
}

// RecoverySignal embrulha um erro de stage cuja recuperação foi agendada.
// A borda HTTP usa esses campos para montar o objeto recovery da resposta.
type RecoverySignal struct {
	Err     error
	Attempt int
	DelayMS int64
}

func (r *RecoverySignal) Error() string {
	return fmt.Sprintf("retry %d scheduled in %dms: %v", r.Attempt, r.DelayMS, r.Err)
}

func (r *RecoverySignal) Unwrap() error { return r.Err }

// Manager é o SessionManager: dono do ciclo de vida das sessões de upload,
// da aceitação de chunks e da passagem de bastão para o pipeline.
type Manager struct {
	opts     ManagerOptions
	store    *ChunkStore
	bus      progress.Publisher
	orch     *Orchestrator
	recovery *RecoveryController
	logger   *slog.Logger

	sessions  sync.Map // fileID → *Session
	assembled sync.Map // fileID → *AssembleResult

	sessionsStarted   atomic.Int64
	sessionsCompleted atomic.Int64
	sessionsFailed    atomic.Int64
	sessionsCancelled atomic.Int64
	chunksReceived    atomic.Int64
	bytesReceived     atomic.Int64
}

// NewManager cria o SessionManager e liga o callback de retry do recovery.
func NewManager(opts ManagerOptions, store *ChunkStore, bus progress.Publisher,
	orch *Orchestrator, recovery *RecoveryController, logger *slog.Logger) *Manager {

	m := &Manager{
		opts:     opts,
		store:    store,
		bus:      bus,
		orch:     orch,
		recovery: recovery,
		logger:   logger,
	}
	recovery.OnRetry(m.onRetry)
	return m
}

// Init cria (ou reinicia, se a anterior ficou terminal) a sessão de upload.
// Uma sessão ativa para o mesmo fileId é conflito.
func (m *Manager) Init(ownerID, fileID string, meta FileMetadata) (*InitResult, error) {
	if meta.Size < 0 {
		return nil, newError(KindBadIndex, "negative file size")
	}
	maxSize := m.opts.ChunkSize * int64(m.opts.MaxChunks)
	if meta.Size > maxSize {
		return nil, newError(KindSizeExceeded,
			"file size %d exceeds limit of %d chunks of %d bytes", meta.Size, m.opts.MaxChunks, m.opts.ChunkSize)
	}
	if m.opts.DiskGuard != nil {
		if err := m.opts.DiskGuard(); err != nil {
			return nil, wrapError(KindIOError, err, "disk watermark exceeded")
		}
	}

	if v, ok := m.sessions.Load(fileID); ok {
		old := v.(*Session)
		if !old.Status().Terminal() {
			return nil, newError(KindConflict, "session %s already active", fileID)
		}
		// Sessão terminal para o mesmo fileId: reset limpo
		m.store.Purge(old.OwnerID, fileID)
		m.orch.Remove(fileID)
		m.sessions.Delete(fileID)
		m.assembled.Delete(fileID)
	}

	tempDir, err := m.store.Prepare(ownerID, fileID)
	if err != nil {
		return nil, err
	}

	totalChunks := int((meta.Size + m.opts.ChunkSize - 1) / m.opts.ChunkSize)
	sess := newSession(fileID, ownerID, meta, m.opts.ChunkSize, totalChunks, tempDir, m.opts.MaxSessionBps)

	if _, loaded := m.sessions.LoadOrStore(fileID, sess); loaded {
		return nil, newError(KindConflict, "session %s already active", fileID)
	}

	m.bus.StartSession(fileID, ownerID, meta.Name, meta.Size)
	m.orch.Init(fileID, ownerID, meta, RequiredStages(meta))
	if err := m.orch.StartStage(fileID, StageUpload); err != nil {
		m.logger.Warn("starting upload stage", "file", fileID, "error", err)
	}
	if err := sess.transition(StatusReceiving); err != nil {
		return nil, err
	}

	m.sessionsStarted.Add(1)
	m.logger.Info("upload session created", "file", fileID, "owner", ownerID,
		"size", meta.Size, "chunks", totalChunks)

	return &InitResult{
		FileID:      fileID,
		ChunkSize:   m.opts.ChunkSize,
		TotalChunks: totalChunks,
		StartTime:   sess.StartTime,
		TempDir:     tempDir,
	}, nil
}

// chunkProgress é a fração de chunks recebidos; arquivos de zero bytes
// contam como completos.
func chunkProgress(received, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(received) / float64(total)
}

// UploadChunk aceita os bytes de um chunk. Idempotente por índice: o mesmo
// chunk reenviado responde sucesso sem dupla contagem. clientHash, quando
// presente, é verificado contra o digest calculado no servidor. Falhas de
// escrita passam pelo recovery: a resposta carrega o retry agendado.
func (m *Manager) UploadChunk(ctx context.Context, ownerID, fileID string, index int, data []byte, clientHash string) (*ChunkResult, error) {
	sess, err := m.session(ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if sess.Cancelled() {
		return nil, newError(KindCancelled, "session %s was cancelled", fileID)
	}
	if st := sess.Status(); st != StatusReceiving {
		return nil, newError(KindConflict, "session %s is %s, not receiving", fileID, st)
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, newError(KindBadIndex,
			"chunk index %d out of range [0,%d)", index, sess.TotalChunks)
	}
	if int64(len(data)) > sess.ChunkSize {
		return nil, newError(KindSizeExceeded,
			"chunk %d has %d bytes, session chunk size is %d", index, len(data), sess.ChunkSize)
	}
	if m.opts.DiskGuard != nil {
		if err := m.opts.DiskGuard(); err != nil {
			return nil, wrapError(KindIOError, err, "disk watermark exceeded")
		}
	}

	if lim := sess.Limiter(); lim != nil && len(data) > 0 {
		if err := lim.WaitN(ctx, len(data)); err != nil {
			return nil, wrapError(KindCancelled, err, "throttle wait interrupted")
		}
	}

	digest := m.digest(data)
	if clientHash != "" && clientHash != digest {
		return nil, newError(KindChecksumMismatch,
			"chunk %d digest %s does not match client hash %s", index, digest, clientHash)
	}

	// Reenvio idêntico do mesmo índice: responde o estado atual sem regravar.
	// Digest divergente regrava o chunk por inteiro (correção pós-falha).
	if sess.hasChunk(index) && sess.digest(index) == digest && m.store.Exists(ownerID, fileID, index) {
		received := sess.receivedCount()
		return &ChunkResult{
			Received:        received,
			Total:           sess.TotalChunks,
			Progress:        chunkProgress(received, sess.TotalChunks),
			AlreadyReceived: true,
		}, nil
	}

	if err := m.store.Write(ownerID, fileID, index, data); err != nil {
		return nil, m.failStage(sess, StageUpload, err)
	}

	received, total := sess.markReceived(index, digest)
	m.chunksReceived.Add(1)
	m.bytesReceived.Add(int64(len(data)))

	prog := chunkProgress(received, total)
	if err := m.orch.UpdateStageProgress(fileID, StageUpload, prog, received, total); err != nil {
		m.logger.Warn("updating upload progress", "file", fileID, "error", err)
	}
	return &ChunkResult{Received: received, Total: total, Progress: prog}, nil
}

// Resume reconcilia o estado em memória com o disco e devolve a lista de
// chunks faltantes. Chunks presentes em disco mas ausentes da memória
// (restart do servidor) contam como recebidos.
func (m *Manager) Resume(ownerID, fileID string) (*ResumeInfo, error) {
	sess, err := m.session(ownerID, fileID)
	if err != nil {
		return nil, err
	}

	onDisk, err := m.store.List(ownerID, fileID)
	if err != nil {
		return nil, err
	}
	sess.reconcile(onDisk)

	present := make(map[int]struct{}, len(onDisk))
	for _, idx := range onDisk {
		present[idx] = struct{}{}
	}
	missing := make([]int, 0)
	for i := 0; i < sess.TotalChunks; i++ {
		if _, ok := present[i]; !ok {
			missing = append(missing, i)
		}
	}

	return &ResumeInfo{
		FileID:         fileID,
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks,
		ReceivedChunks: onDisk,
		MissingChunks:  missing,
		Progress:       chunkProgress(len(onDisk), sess.TotalChunks),
	}, nil
}

// Complete monta o arquivo final e dispara os stages restantes do pipeline.
// Chamadas concorrentes: exatamente uma vence a transição para assembling,
// as demais recebem conflito.
func (m *Manager) Complete(ctx context.Context, ownerID, fileID, finalPath string) (*CompleteResult, error) {
	sess, err := m.session(ownerID, fileID)
	if err != nil {
		return nil, err
	}

	outPath, err := m.resolveFinalPath(finalPath, sess)
	if err != nil {
		return nil, err
	}

	if got := sess.receivedCount(); got != sess.TotalChunks {
		return nil, newError(KindConflict,
			"session %s has %d of %d chunks", fileID, got, sess.TotalChunks)
	}

	// CAS: a primeira chamada vence, as demais veem conflito
	if err := sess.transition(StatusAssembling); err != nil {
		return nil, err
	}

	if err := m.orch.CompleteStage(fileID, StageUpload); err != nil {
		m.logger.Warn("completing upload stage", "file", fileID, "error", err)
	}

	if err := m.runValidation(sess); err != nil {
		return nil, m.failStage(sess, StageValidation, err)
	}

	if err := m.orch.StartStage(fileID, StageProcessing); err != nil {
		m.logger.Warn("starting processing stage", "file", fileID, "error", err)
	}
	order := make([]int, sess.TotalChunks)
	for i := range order {
		order[i] = i
	}
	result, err := m.store.Assemble(ownerID, fileID, order, outPath, sess.Meta.Size)
	if err != nil {
		return nil, m.failStage(sess, StageProcessing, err)
	}
	m.assembled.Store(fileID, result)
	if err := m.orch.CompleteStage(fileID, StageProcessing); err != nil {
		m.logger.Warn("completing processing stage", "file", fileID, "error", err)
	}

	if err := m.runTail(ctx, sess, result, StageProcessing); err != nil {
		return nil, err
	}

	return &CompleteResult{FilePath: result.Path, Size: result.Size}, nil
}

// runValidation reverifica os digests gravados contra os bytes em disco.
func (m *Manager) runValidation(sess *Session) error {
	fileID := sess.FileID
	if err := m.orch.StartStage(fileID, StageValidation); err != nil {
		m.logger.Warn("starting validation stage", "file", fileID, "error", err)
	}

	total := sess.TotalChunks
	for i := 0; i < total; i++ {
		data, err := m.store.Read(sess.OwnerID, fileID, i)
		if err != nil {
			return err
		}
		if want := sess.digest(i); want != "" && m.digest(data) != want {
			return newError(KindChecksumMismatch, "chunk %d corrupted on disk", i)
		}
		if err := m.orch.UpdateStageProgress(fileID, StageValidation,
			float64(i+1)/float64(total), sess.receivedCount(), total); err != nil {
			m.logger.Warn("updating validation progress", "file", fileID, "error", err)
		}
	}

	if err := m.orch.CompleteStage(fileID, StageValidation); err != nil {
		m.logger.Warn("completing validation stage", "file", fileID, "error", err)
	}
	return nil
}

// runTail executa os stages posteriores a after (handlers plugáveis) e
// finaliza a sessão com cleanup, estado completed e upload_completed.
func (m *Manager) runTail(ctx context.Context, sess *Session, result *AssembleResult, after string) error {
	fileID := sess.FileID
	stages := RequiredStages(sess.Meta)

	seen := after == ""
	for _, spec := range stages {
		if !seen {
			if spec.Name == after {
				seen = true
			}
			continue
		}
		if spec.Name == StageCleanup {
			break
		}
		if err := m.runStage(ctx, sess, spec.Name, result); err != nil {
			return m.failStage(sess, spec.Name, err)
		}
	}

	// cleanup: chunks temporários fora, arquivo final fica
	if err := m.orch.StartStage(fileID, StageCleanup); err != nil {
		m.logger.Warn("starting cleanup stage", "file", fileID, "error", err)
	}
	m.store.Purge(sess.OwnerID, fileID)
	if err := m.orch.CompleteStage(fileID, StageCleanup); err != nil {
		m.logger.Warn("completing cleanup stage", "file", fileID, "error", err)
	}

	if err := sess.transition(StatusCompleted); err != nil {
		return err
	}
	m.recovery.MarkSucceeded(fileID)
	m.sessionsCompleted.Add(1)
	m.bus.CompleteSession(fileID, result.Path, result.Size)
	m.logger.Info("ingestion completed", "file", fileID, "path", result.Path, "bytes", result.Size)
	return nil
}

// runStage executa um stage via handler registrado. Sem handler o stage
// completa imediatamente (no-op configurável).
func (m *Manager) runStage(ctx context.Context, sess *Session, name string, result *AssembleResult) error {
	fileID := sess.FileID
	if err := m.orch.StartStage(fileID, name); err != nil {
		return err
	}

	if h := m.orch.Handler(name); h != nil {
		sc := StageContext{
			FileID:   fileID,
			OwnerID:  sess.OwnerID,
			Meta:     sess.Meta,
			FilePath: result.Path,
			Progress: func(p float64) {
				if err := m.orch.UpdateStageProgress(fileID, name, p, sess.receivedCount(), sess.TotalChunks); err != nil {
					m.logger.Warn("updating stage progress", "file", fileID, "stage", name, "error", err)
				}
			},
		}
		if err := h.Run(ctx, sc); err != nil {
			return err
		}
	}

	return m.orch.CompleteStage(fileID, name)
}

// failStage registra o erro no pipeline e delega a decisão ao recovery.
// Retry agendado volta como RecoverySignal para a borda; falha de assembly
// devolve a sessão a receiving (falha na fase de upload já está receiving);
// falha permanente leva a sessão a failed e purga os chunks.
func (m *Manager) failStage(sess *Session, stage string, stageErr error) error {
	fileID := sess.FileID

	if err := m.orch.HandleStageError(fileID, stage, stageErr, true); err != nil {
		m.logger.Warn("recording stage error", "file", fileID, "stage", stage, "error", err)
	}

	action := m.recovery.Handle(fileID, stage, stageErr)
	if action.Retry {
		// Stages pré-montagem: o cliente reenvia o complete
		if stage == StageValidation || stage == StageProcessing {
			if err := sess.transition(StatusReceiving); err != nil {
				m.logger.Warn("returning session to receiving", "file", fileID, "error", err)
			}
		}
		return &RecoverySignal{Err: stageErr, Attempt: action.Attempt, DelayMS: action.Delay.Milliseconds()}
	}

	m.orch.Fail(fileID)
	if err := sess.transition(StatusFailed); err != nil {
		m.logger.Warn("failing session", "file", fileID, "error", err)
	}
	m.store.Purge(sess.OwnerID, fileID)
	m.sessionsFailed.Add(1)
	return stageErr
}

// onRetry é o callback do recovery quando o backoff expira. O stage de
// upload reconcilia com o disco e volta a aceitar chunks; stages
// pré-montagem aguardam o cliente reemitir o complete; stages pós-montagem
// são reexecutados aqui.
func (m *Manager) onRetry(fileID, stage string, attempt int) {
	v, ok := m.sessions.Load(fileID)
	if !ok {
		return
	}
	sess := v.(*Session)

	if stage == StageUpload {
		if err := m.orch.RestartStage(fileID, StageUpload); err != nil {
			m.logger.Warn("restarting upload stage", "file", fileID, "error", err)
		}
		if sess.Status() == StatusReceiving {
			if _, err := m.Resume(sess.OwnerID, fileID); err != nil {
				m.logger.Warn("reconciling after retry", "file", fileID, "error", err)
			}
		}
		m.logger.Info("upload retry window open", "file", fileID, "attempt", attempt)
		return
	}
	if stage == StageValidation || stage == StageProcessing {
		return
	}
	rv, ok := m.assembled.Load(fileID)
	if !ok {
		m.logger.Warn("retry without assembled file", "file", fileID, "stage", stage)
		return
	}
	result := rv.(*AssembleResult)

	if err := m.orch.RestartStage(fileID, stage); err != nil {
		m.logger.Warn("restarting stage", "file", fileID, "stage", stage, "error", err)
		return
	}
	m.logger.Info("retrying stage", "file", fileID, "stage", stage, "attempt", attempt)

	go func() {
		ctx := context.Background()
		if err := m.runStageBody(ctx, sess, stage, result); err != nil {
			if err := m.failStage(sess, stage, err); err != nil {
				m.logger.Warn("stage retry failed", "file", fileID, "stage", stage, "error", err)
			}
			return
		}
		if err := m.orch.CompleteStage(fileID, stage); err != nil {
			m.logger.Warn("completing retried stage", "file", fileID, "stage", stage, "error", err)
		}
		if err := m.runTail(ctx, sess, result, stage); err != nil {
			m.logger.Warn("resuming pipeline after retry", "file", fileID, "error", err)
		}
	}()
}

// runStageBody executa só o corpo do handler, sem mexer no estado do stage.
func (m *Manager) runStageBody(ctx context.Context, sess *Session, name string, result *AssembleResult) error {
	h := m.orch.Handler(name)
	if h == nil {
		return nil
	}
	fileID := sess.FileID
	return h.Run(ctx, StageContext{
		FileID:   fileID,
		OwnerID:  sess.OwnerID,
		Meta:     sess.Meta,
		FilePath: result.Path,
		Progress: func(p float64) {
			if err := m.orch.UpdateStageProgress(fileID, name, p, sess.receivedCount(), sess.TotalChunks); err != nil {
				m.logger.Warn("updating stage progress", "file", fileID, "stage", name, "error", err)
			}
		},
	})
}

// Cancel encerra a sessão, purga os chunks e remove a sessão do manager.
// Operações subsequentes sobre o fileId respondem not found.
func (m *Manager) Cancel(ownerID, fileID string) error {
	sess, err := m.session(ownerID, fileID)
	if err != nil {
		return err
	}

	sess.cancelled.Store(true)
	if err := sess.transition(StatusCancelled); err != nil {
		return err
	}

	m.store.Purge(ownerID, fileID)
	m.orch.Remove(fileID)
	m.recovery.MarkSucceeded(fileID)
	m.sessions.Delete(fileID)
	m.assembled.Delete(fileID)
	m.sessionsCancelled.Add(1)

	m.bus.ErrorSession(fileID, "upload cancelled", false, nil)
	m.logger.Info("upload session cancelled", "file", fileID, "owner", ownerID)
	return nil
}

// Validate reverifica a integridade dos chunks em disco sem montar o arquivo.
func (m *Manager) Validate(ownerID, fileID string) (*ValidationReport, error) {
	sess, err := m.session(ownerID, fileID)
	if err != nil {
		return nil, err
	}

	report := &ValidationReport{Valid: true}
	for i := 0; i < sess.TotalChunks; i++ {
		data, err := m.store.Read(ownerID, fileID, i)
		if err != nil {
			if IsKind(err, KindNotFound) {
				report.Missing = append(report.Missing, i)
				report.Valid = false
				continue
			}
			return nil, err
		}
		if want := sess.digest(i); want != "" && m.digest(data) != want {
			report.Corrupt = append(report.Corrupt, i)
			report.Valid = false
		}
	}
	return report, nil
}

// StatusView agrega o estado de sessão e de pipeline para o status endpoint.
type StatusView struct {
	Session  *SessionSnapshot `json:"session,omitempty"`
	Pipeline *PipelineStatus  `json:"pipeline,omitempty"`
}

// Status retorna a visão combinada de sessão e pipeline.
// Not found quando nenhum dos dois existe para o fileId.
func (m *Manager) Status(ownerID, fileID string) (*StatusView, error) {
	view := &StatusView{}

	if v, ok := m.sessions.Load(fileID); ok {
		sess := v.(*Session)
		if sess.OwnerID != ownerID {
			return nil, newError(KindNotFound, "no session for %s", fileID)
		}
		snap := sess.Snapshot()
		view.Session = &snap
	}
	if ps, ok := m.orch.Status(fileID); ok {
		if ps.OwnerID != ownerID {
			return nil, newError(KindNotFound, "no session for %s", fileID)
		}
		view.Pipeline = ps
	}
	if view.Session == nil && view.Pipeline == nil {
		return nil, newError(KindNotFound, "no session for %s", fileID)
	}
	return view, nil
}

// Sweep aplica os timeouts: inatividade além de chunkTimeout falha a sessão,
// idade além do TTL idem, e sessões terminais além do grace são liberadas.
// Retorna quantas sessões foram encerradas ou liberadas.
func (m *Manager) Sweep(now time.Time) int {
	swept := 0
	m.sessions.Range(func(key, value any) bool {
		fileID := key.(string)
		sess := value.(*Session)

		if st := sess.Status(); st.Terminal() {
			if now.Sub(sess.TerminalSince()) > terminalSessionGrace {
				m.sessions.Delete(fileID)
				m.assembled.Delete(fileID)
				swept++
			}
			return true
		}

		var reason string
		if now.Sub(sess.LastActivity()) > m.opts.ChunkTimeout {
			reason = "chunk timeout exceeded"
		} else if now.Sub(sess.StartTime) > m.opts.SessionTTL {
			reason = "session ttl exceeded"
		}
		if reason == "" {
			return true
		}

		if err := sess.transition(StatusFailed); err != nil {
			return true
		}
		m.store.Purge(sess.OwnerID, fileID)
		m.orch.Remove(fileID)
		m.recovery.MarkSucceeded(fileID)
		m.sessionsFailed.Add(1)
		m.bus.ErrorSession(fileID, reason, false, nil)
		m.logger.Warn("session swept", "file", fileID, "reason", reason)
		swept++
		return true
	})
	return swept
}

// Stats retorna o snapshot dos contadores.
func (m *Manager) Stats() ManagerStats {
	active := 0
	m.sessions.Range(func(_, value any) bool {
		if !value.(*Session).Status().Terminal() {
			active++
		}
		return true
	})
	return ManagerStats{
		ActiveSessions:    active,
		SessionsStarted:   m.sessionsStarted.Load(),
		SessionsCompleted: m.sessionsCompleted.Load(),
		SessionsFailed:    m.sessionsFailed.Load(),
		SessionsCancelled: m.sessionsCancelled.Load(),
		ChunksReceived:    m.chunksReceived.Load(),
		BytesReceived:     m.bytesReceived.Load(),
	}
}

// session resolve a sessão validando o dono. Dono divergente responde
// not found para não vazar a existência do fileId.
func (m *Manager) session(ownerID, fileID string) (*Session, error) {
	v, ok := m.sessions.Load(fileID)
	if !ok {
		return nil, newError(KindNotFound, "no session for %s", fileID)
	}
	sess := v.(*Session)
	if sess.OwnerID != ownerID {
		return nil, newError(KindNotFound, "no session for %s", fileID)
	}
	return sess, nil
}

// resolveFinalPath confina o destino do arquivo montado sob o uploads path.
// Caminho vazio cai no default <uploads>/files/<ownerId>/<fileName>.
func (m *Manager) resolveFinalPath(finalPath string, sess *Session) (string, error) {
	if finalPath == "" {
		name := sess.Meta.Name
		if name == "" {
			name = sess.FileID
		}
		return filepath.Join(m.opts.UploadsPath, "files", sess.OwnerID, name), nil
	}

	resolved := finalPath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(m.opts.UploadsPath, resolved)
	}
	if err := validatePathInBaseDir(m.opts.UploadsPath, resolved); err != nil {
		return "", wrapError(KindUnauthorized, err, "final path outside uploads dir")
	}
	return resolved, nil
}

// digest calcula o checksum configurado (md5 default, sha256 opcional).
func (m *Manager) digest(data []byte) string {
	var h hash.Hash
	if m.opts.Checksum == "sha256" {
		h = sha256.New()
	} else {
		h = md5.New()
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
