// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-ingest/internal/progress"
)

// StageStatus é o estado de um stage dentro de um pipeline.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageError     StageStatus = "error"
)

// Nomes canônicos dos stages, na ordem em que executam.
const (
	StageUpload     = "upload"
	StageValidation = "validation"
	StageProcessing = "processing"
	StageOCR        = "ocr"
	StageSTT        = "stt"
	StageEmbedding  = "embedding"
	StageStorage    = "storage"
	StageCleanup    = "cleanup"
)

// StageSpec é a entrada da tabela de stages: nome e peso relativo.
type StageSpec struct {
	Name   string
	Weight float64
}

// defaultStageTable é a tabela default de pesos, na ordem canônica.
// Os pesos são normalizados pela soma dos stages realmente incluídos
// em cada pipeline, não pela soma global.
var defaultStageTable = []StageSpec{
	{StageUpload, 0.10},
	{StageValidation, 0.05},
	{StageProcessing, 0.30},
	{StageOCR, 0.20},
	{StageSTT, 0.15},
	{StageEmbedding, 0.10},
	{StageStorage, 0.05},
	{StageCleanup, 0.05},
}

// RequiredStages deriva a lista de stages do pipeline a partir dos metadados:
// baseline sempre presente, ocr para toolResource "ocr", stt para type audio/*,
// embedding para toolResource "file_search".
func RequiredStages(meta FileMetadata) []StageSpec {
	include := func(name string) bool {
		switch name {
		case StageOCR:
			return meta.ToolResource == "ocr"
		case StageSTT:
			return strings.HasPrefix(meta.Type, "audio/")
		case StageEmbedding:
			return meta.ToolResource == "file_search"
		default:
			return true
		}
	}

	var specs []StageSpec
	for _, spec := range defaultStageTable {
		if include(spec.Name) {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Stage é um stage materializado dentro de um pipeline.
type Stage struct {
	Name      string        `json:"name"`
	Weight    float64       `json:"weight"`
	Status    StageStatus   `json:"status"`
	Progress  float64       `json:"progress"`
	StartTime time.Time     `json:"startTime,omitzero"`
	EndTime   time.Time     `json:"endTime,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// StageTransition registra uma mudança de estado no histórico do pipeline.
type StageTransition struct {
	Stage string      `json:"stage"`
	To    StageStatus `json:"to"`
	Time  time.Time   `json:"time"`
}

// Pipeline é o estado de orquestração por arquivo.
type Pipeline struct {
	FileID  string
	OwnerID string
	Meta    FileMetadata

	mu           sync.Mutex
	stages       []*Stage
	byName       map[string]*Stage
	currentStage string
	startTime    time.Time
	stageStart   time.Time
	errors       []string
	warnings     []string
	history      []StageTransition
	terminal     bool
	failed       bool
	lastOverall  float64 // clamp de monotonicidade
}

// overallLocked computa Σ w·p / Σ w com o clamp monotônico.
// Deve ser chamado com p.mu held.
func (p *Pipeline) overallLocked() float64 {
	var sumW, sum float64
	for _, st := range p.stages {
		sumW += st.Weight
		switch st.Status {
		case StageCompleted:
			sum += st.Weight
		case StageRunning, StageError:
			sum += st.Weight * st.Progress
		}
	}
	if sumW == 0 {
		return 1
	}
	overall := sum / sumW
	if overall < p.lastOverall {
		return p.lastOverall
	}
	p.lastOverall = overall
	return overall
}

// PipelineStatus é a visão serializável de um pipeline.
type PipelineStatus struct {
	FileID       string            `json:"fileId"`
	OwnerID      string            `json:"ownerId"`
	Stages       []Stage           `json:"stages"`
	CurrentStage string            `json:"currentStage,omitempty"`
	Overall      float64           `json:"overallProgress"`
	StartTime    time.Time         `json:"startTime"`
	Errors       []string          `json:"errors,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	History      []StageTransition `json:"stageHistory,omitempty"`
	Failed       bool              `json:"failed"`
	Terminal     bool              `json:"terminal"`
}

// StageContext é o contexto passado aos handlers de stage.
type StageContext struct {
	FileID   string
	OwnerID  string
	Meta     FileMetadata
	FilePath string // caminho do arquivo montado (vazio antes do processing)

	// Progress reporta progresso parcial do stage em [0,1].
	Progress func(p float64)
}

// StageHandler executa o trabalho de um stage pós-montagem (ocr, stt,
// embedding, storage...). Handlers são plugáveis; o núcleo não conhece
// as implementações.
type StageHandler interface {
	Run(ctx context.Context, sc StageContext) error
}

// StageHandlerFunc adapta uma função a StageHandler.
type StageHandlerFunc func(ctx context.Context, sc StageContext) error

func (f StageHandlerFunc) Run(ctx context.Context, sc StageContext) error {
	return f(ctx, sc)
}

// terminalPipelineGrace é quanto tempo um pipeline terminal permanece
// consultável antes de ser destruído.
const terminalPipelineGrace = 60 * time.Second

// Orchestrator dirige a lista ponderada de stages de cada arquivo,
// computa o progresso agregado e publica no ProgressBus.
// Transições de stage dentro de um pipeline são totalmente ordenadas.
type Orchestrator struct {
	bus    progress.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]StageHandler

	pipelines sync.Map // fileID → *Pipeline
	timers    sync.Map // fileID → *time.Timer (destruição pós-terminal)
}

// NewOrchestrator cria um orquestrador sem handlers registrados.
func NewOrchestrator(bus progress.Publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:      bus,
		logger:   logger,
		handlers: make(map[string]StageHandler),
	}
}

// RegisterHandler associa um handler ao stage nomeado.
func (o *Orchestrator) RegisterHandler(stage string, h StageHandler) {
	o.mu.Lock()
	o.handlers[stage] = h
	o.mu.Unlock()
}

// Handler retorna o handler do stage (nil quando não registrado).
func (o *Orchestrator) Handler(stage string) StageHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handlers[stage]
}

// Init cria o pipeline do arquivo com a lista de stages dada.
// Um pipeline existente para o mesmo fileID é substituído (sessão resetada).
func (o *Orchestrator) Init(fileID, ownerID string, meta FileMetadata, specs []StageSpec) {
	now := time.Now()
	p := &Pipeline{
		FileID:    fileID,
		OwnerID:   ownerID,
		Meta:      meta,
		byName:    make(map[string]*Stage, len(specs)),
		startTime: now,
	}
	for _, spec := range specs {
		st := &Stage{Name: spec.Name, Weight: spec.Weight, Status: StagePending}
		p.stages = append(p.stages, st)
		p.byName[spec.Name] = st
	}

	if t, ok := o.timers.LoadAndDelete(fileID); ok {
		t.(*time.Timer).Stop()
	}
	o.pipelines.Store(fileID, p)
	o.logger.Debug("pipeline initialized", "file", fileID, "stages", len(specs))
}

// StartStage transiciona o stage para running. Um stage anterior ainda em
// running é fechado como completed; exatamente um stage roda por vez.
func (o *Orchestrator) StartStage(fileID, name string) error {
	p, st, err := o.lookup(fileID, name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return newError(KindConflict, "pipeline for %s is terminal", fileID)
	}
	now := time.Now()
	if p.currentStage != "" && p.currentStage != name {
		if prev, ok := p.byName[p.currentStage]; ok && prev.Status == StageRunning {
			o.completeStageLocked(p, prev, now)
		}
	}
	if st.Status != StageRunning {
		st.Status = StageRunning
		st.StartTime = now
		st.Progress = 0
		p.currentStage = name
		p.stageStart = now
		p.history = append(p.history, StageTransition{Stage: name, To: StageRunning, Time: now})
	}
	p.mu.Unlock()

	o.logger.Debug("stage started", "file", fileID, "stage", name)
	return nil
}

// UpdateStageProgress atualiza o progresso do stage (clamp em [0,1]),
// recomputa o agregado e emite upload_progress.
func (o *Orchestrator) UpdateStageProgress(fileID, name string, prog float64, received, total int) error {
	p, st, err := o.lookup(fileID, name)
	if err != nil {
		return err
	}

	if prog < 0 {
		prog = 0
	} else if prog > 1 {
		prog = 1
	}

	p.mu.Lock()
	if st.Progress < prog {
		st.Progress = prog
	}
	overall := p.overallLocked()
	p.mu.Unlock()

	o.bus.UpdateProgress(fileID, overall, received, total, name)
	return nil
}

// CompleteStage marca o stage como completed e emite o agregado.
// Se for o último stage pendente, o pipeline fica terminal com sucesso.
func (o *Orchestrator) CompleteStage(fileID, name string) error {
	p, st, err := o.lookup(fileID, name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	now := time.Now()
	if st.Status != StageCompleted {
		o.completeStageLocked(p, st, now)
	}
	if p.currentStage == name {
		p.currentStage = ""
	}
	allDone := true
	for _, s := range p.stages {
		if s.Status != StageCompleted {
			allDone = false
			break
		}
	}
	if allDone {
		p.terminal = true
	}
	overall := p.overallLocked()
	received := 0
	p.mu.Unlock()

	o.bus.UpdateProgress(fileID, overall, received, 0, name)
	if allDone {
		o.scheduleDestroy(fileID)
		o.logger.Info("pipeline completed", "file", fileID)
	}
	return nil
}

// completeStageLocked fecha um stage como completed. p.mu held.
func (o *Orchestrator) completeStageLocked(p *Pipeline, st *Stage, now time.Time) {
	st.Status = StageCompleted
	st.Progress = 1
	st.EndTime = now
	if !st.StartTime.IsZero() {
		st.Duration = now.Sub(st.StartTime)
	}
	p.history = append(p.history, StageTransition{Stage: st.Name, To: StageCompleted, Time: now})
}

// HandleStageError registra o erro do stage. Recuperável: o stage permanece
// em error até o RecoveryController reiniciá-lo via RestartStage.
// Irrecuperável: o pipeline vai a terminal failed e errorSession é emitido.
func (o *Orchestrator) HandleStageError(fileID, name string, stageErr error, recoverable bool) error {
	p, st, err := o.lookup(fileID, name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	now := time.Now()
	st.Status = StageError
	st.Error = stageErr.Error()
	st.EndTime = now
	p.errors = append(p.errors, stageErr.Error())
	p.history = append(p.history, StageTransition{Stage: name, To: StageError, Time: now})
	if !recoverable {
		p.terminal = true
		p.failed = true
	}
	p.mu.Unlock()

	o.logger.Warn("stage error", "file", fileID, "stage", name,
		"recoverable", recoverable, "error", stageErr)

	if !recoverable {
		o.bus.ErrorSession(fileID, stageErr.Error(), false, nil)
		o.scheduleDestroy(fileID)
	}
	return nil
}

// Fail marca o pipeline como terminal failed sem emitir evento próprio.
// Usado quando o recovery já publicou o upload_error com histórico.
func (o *Orchestrator) Fail(fileID string) {
	v, ok := o.pipelines.Load(fileID)
	if !ok {
		return
	}
	p := v.(*Pipeline)
	p.mu.Lock()
	p.terminal = true
	p.failed = true
	p.mu.Unlock()
	o.scheduleDestroy(fileID)
}

// RestartStage devolve um stage em error para running (ação de retry).
func (o *Orchestrator) RestartStage(fileID, name string) error {
	p, st, err := o.lookup(fileID, name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return newError(KindConflict, "pipeline for %s is terminal", fileID)
	}
	if st.Status != StageError {
		p.mu.Unlock()
		return newError(KindConflict, "stage %s of %s is not in error", name, fileID)
	}
	now := time.Now()
	st.Status = StageRunning
	st.Error = ""
	st.StartTime = now
	st.EndTime = time.Time{}
	p.currentStage = name
	p.history = append(p.history, StageTransition{Stage: name, To: StageRunning, Time: now})
	p.mu.Unlock()

	o.logger.Info("stage restarted", "file", fileID, "stage", name)
	return nil
}

// Warn anexa um warning não-fatal ao pipeline.
func (o *Orchestrator) Warn(fileID, message string) {
	v, ok := o.pipelines.Load(fileID)
	if !ok {
		return
	}
	p := v.(*Pipeline)
	p.mu.Lock()
	p.warnings = append(p.warnings, message)
	p.mu.Unlock()
}

// Status retorna a visão serializável do pipeline, se existir.
func (o *Orchestrator) Status(fileID string) (*PipelineStatus, bool) {
	v, ok := o.pipelines.Load(fileID)
	if !ok {
		return nil, false
	}
	p := v.(*Pipeline)

	p.mu.Lock()
	defer p.mu.Unlock()

	stages := make([]Stage, len(p.stages))
	for i, st := range p.stages {
		stages[i] = *st
	}
	return &PipelineStatus{
		FileID:       p.FileID,
		OwnerID:      p.OwnerID,
		Stages:       stages,
		CurrentStage: p.currentStage,
		Overall:      p.overallLocked(),
		StartTime:    p.startTime,
		Errors:       append([]string(nil), p.errors...),
		Warnings:     append([]string(nil), p.warnings...),
		History:      append([]StageTransition(nil), p.history...),
		Failed:       p.failed,
		Terminal:     p.terminal,
	}, true
}

// ActivePipelines retorna os fileIDs com pipeline não-terminal.
func (o *Orchestrator) ActivePipelines() []string {
	var out []string
	o.pipelines.Range(func(key, value any) bool {
		p := value.(*Pipeline)
		p.mu.Lock()
		terminal := p.terminal
		p.mu.Unlock()
		if !terminal {
			out = append(out, key.(string))
		}
		return true
	})
	return out
}

// Remove descarta o pipeline imediatamente (cancelamento de sessão).
func (o *Orchestrator) Remove(fileID string) {
	if t, ok := o.timers.LoadAndDelete(fileID); ok {
		t.(*time.Timer).Stop()
	}
	o.pipelines.Delete(fileID)
}

// scheduleDestroy agenda a destruição do pipeline após o grace terminal.
func (o *Orchestrator) scheduleDestroy(fileID string) {
	timer := time.AfterFunc(terminalPipelineGrace, func() {
		o.pipelines.Delete(fileID)
		o.timers.Delete(fileID)
	})
	if old, ok := o.timers.Swap(fileID, timer); ok {
		old.(*time.Timer).Stop()
	}
}

// Close cancela os timers pendentes (shutdown limpo).
func (o *Orchestrator) Close() {
	o.timers.Range(func(key, value any) bool {
		value.(*time.Timer).Stop()
		o.timers.Delete(key)
		return true
	})
}

func (o *Orchestrator) lookup(fileID, stage string) (*Pipeline, *Stage, error) {
	v, ok := o.pipelines.Load(fileID)
	if !ok {
		return nil, nil, newError(KindNotFound, "no pipeline for %s", fileID)
	}
	p := v.(*Pipeline)
	p.mu.Lock()
	st, ok := p.byName[stage]
	p.mu.Unlock()
	if !ok {
		return nil, nil, newError(KindNotFound, "stage %s not in pipeline for %s", stage, fileID)
	}
	return p, st, nil
}
